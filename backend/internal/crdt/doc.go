// Package crdt wraps the replicated document behind a small byte oriented
// interface so the room code never touches the merge library directly.
package crdt

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

var (
	ErrBadVector = errors.New("crdt: malformed state vector")
	ErrTooMany   = errors.New("crdt: too many changes waiting on dependencies")
)

const (
	hashLen = len(automerge.ChangeHash{})
	// maxHeld bounds changes parked for missing dependencies per doc.
	maxHeld = 4096
)

// Doc is not safe for concurrent use; callers serialize access per room.
type Doc interface {
	// ApplyDelta merges delta in any order relative to other deltas.
	// Changes whose dependencies are not known yet are held back and merged
	// by a later call once they are.
	ApplyDelta(delta []byte) (Merge, error)
	// Pending is the number of changes held back.
	Pending() int
	EncodeFull() []byte
	EncodeStateVector() []byte
	EncodeDeltaSince(vector []byte) ([]byte, error)
}

// Merge reports what one ApplyDelta call did, each part encoded as a delta.
type Merge struct {
	// Applied is the part of the input now in the document.
	Applied []byte
	// Released is earlier held back changes merged by this call.
	Released []byte
	// Held is the part of the input still waiting on dependencies.
	Held []byte

	// applied and released changes in the order they went in
	merged []byte
}

// Changed is true when the document state moved.
func (m Merge) Changed() bool { return len(m.Applied) > 0 || len(m.Released) > 0 }

// Merged is Applied and Released together, in dependency order.
func (m Merge) Merged() []byte {
	if len(m.Released) == 0 {
		return m.Applied
	}
	if m.merged != nil {
		return m.merged
	}
	out := make([]byte, 0, len(m.Applied)+len(m.Released))
	return append(append(out, m.Applied...), m.Released...)
}

// New is the input's content that was not known before: Applied plus Held.
func (m Merge) New() []byte {
	if len(m.Held) == 0 {
		return m.Applied
	}
	out := make([]byte, 0, len(m.Applied)+len(m.Held))
	return append(append(out, m.Applied...), m.Held...)
}

// Loader builds a Doc from a full encoding; empty input gives an empty doc.
type Loader func(state []byte) (Doc, error)

type automergeDoc struct {
	doc  *automerge.Doc
	held map[automerge.ChangeHash]*automerge.Change
}

var _ Doc = (*automergeDoc)(nil)

func New() Doc {
	return wrap(automerge.New())
}

func wrap(d *automerge.Doc) *automergeDoc {
	return &automergeDoc{doc: d, held: make(map[automerge.ChangeHash]*automerge.Change)}
}

func Load(state []byte) (Doc, error) {
	if len(state) == 0 {
		return New(), nil
	}
	d, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("crdt load: %w", err)
	}
	return wrap(d), nil
}

func (a *automergeDoc) ApplyDelta(delta []byte) (Merge, error) {
	var m Merge
	if len(delta) == 0 {
		return m, nil
	}
	changes, err := automerge.LoadChanges(delta)
	if err != nil {
		return m, fmt.Errorf("crdt decode: %w", err)
	}

	input := make(map[automerge.ChangeHash]bool, len(changes))
	fresh := 0
	for _, c := range changes {
		h := c.Hash()
		if a.has(h) {
			continue
		}
		fresh++
		input[h] = true
		a.held[h] = c
	}

	// apply whatever is causally ready until nothing moves
	var errs []error
	applied := 0
	for progress := true; progress; {
		progress = false
		for h, c := range a.held {
			if !a.ready(c) {
				continue
			}
			delete(a.held, h)
			if err := a.doc.Apply(c); err != nil {
				errs = append(errs, fmt.Errorf("crdt apply %s: %w", h, err))
				continue
			}
			progress = true
			m.merged = append(m.merged, c.Save()...)
			if input[h] {
				applied++
				m.Applied = append(m.Applied, c.Save()...)
			} else {
				m.Released = append(m.Released, c.Save()...)
			}
		}
	}
	if fresh == len(changes) && applied == fresh {
		// merged whole, hand the caller its own bytes back
		m.Applied = delta
	}

	for h := range input {
		if c, ok := a.held[h]; ok {
			m.Held = append(m.Held, c.Save()...)
		}
	}
	if len(a.held) > maxHeld {
		for h := range input {
			delete(a.held, h)
		}
		m.Held = nil
		errs = append(errs, ErrTooMany)
	}
	return m, errors.Join(errs...)
}

func (a *automergeDoc) has(h automerge.ChangeHash) bool {
	_, err := a.doc.Change(h)
	return err == nil
}

func (a *automergeDoc) ready(c *automerge.Change) bool {
	for _, dep := range c.Dependencies() {
		if !a.has(dep) {
			return false
		}
	}
	return true
}

func (a *automergeDoc) Pending() int { return len(a.held) }

func (a *automergeDoc) EncodeFull() []byte {
	return a.doc.Save()
}

func (a *automergeDoc) EncodeStateVector() []byte {
	return encodeHeads(a.doc.Heads())
}

// EncodeDeltaSince returns every change the vector's owner is missing.
// Heads unknown to this doc are ignored, so a peer ahead of us gets what we have.
func (a *automergeDoc) EncodeDeltaSince(vector []byte) ([]byte, error) {
	heads, err := decodeHeads(vector)
	if err != nil {
		return nil, err
	}
	known := heads[:0]
	for _, h := range heads {
		if _, err := a.doc.Change(h); err == nil {
			known = append(known, h)
		}
	}
	changes, err := a.doc.Changes(known...)
	if err != nil {
		return nil, fmt.Errorf("crdt changes: %w", err)
	}
	var buf bytes.Buffer
	for _, c := range changes {
		buf.Write(c.Save())
	}
	return buf.Bytes(), nil
}

func encodeHeads(heads []automerge.ChangeHash) []byte {
	out := make([]byte, 0, len(heads)*hashLen)
	for _, h := range heads {
		out = append(out, h[:]...)
	}
	return out
}

func decodeHeads(vector []byte) ([]automerge.ChangeHash, error) {
	if len(vector)%hashLen != 0 {
		return nil, ErrBadVector
	}
	heads := make([]automerge.ChangeHash, len(vector)/hashLen)
	for i := range heads {
		copy(heads[i][:], vector[i*hashLen:])
	}
	return heads, nil
}

// Heads returns the hex head hashes of d, for diagnostics.
func Heads(d Doc) []string {
	am, ok := d.(*automergeDoc)
	if !ok {
		return nil
	}
	heads := am.doc.Heads()
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.String()
	}
	return out
}
