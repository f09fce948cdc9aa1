// Package presence keeps awareness state per document in memory only.
package presence

import (
	"encoding/json"
	"sort"
	"sync"

	"collabsync/backend/internal/protocol"
)

type Entry = protocol.AwarenessEntry

type record struct {
	clock uint64
	state json.RawMessage // nil once removed
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu   sync.Mutex
	docs map[string]map[uint64]*record
}

func NewTracker() *Tracker {
	return &Tracker{docs: make(map[string]map[uint64]*record)}
}

func (t *Tracker) room(docID string) map[uint64]*record {
	m, ok := t.docs[docID]
	if !ok {
		m = make(map[uint64]*record)
		t.docs[docID] = m
	}
	return m
}

// Set stores state for clientID unconditionally and bumps its clock.
func (t *Tracker) Set(docID string, clientID uint64, state json.RawMessage) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.room(docID)
	r, ok := m[clientID]
	if !ok {
		r = &record{}
		m[clientID] = r
	}
	r.clock++
	r.state = state
	return Entry{ClientID: clientID, Clock: r.clock, State: state}
}

// Delete marks clientID removed. ok is false when there was nothing live to remove.
func (t *Tracker) Delete(docID string, clientID uint64) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.docs[docID]
	if !ok {
		return Entry{}, false
	}
	r, ok := m[clientID]
	if !ok || r.state == nil {
		return Entry{}, false
	}
	r.clock++
	r.state = nil
	return Entry{ClientID: clientID, Clock: r.clock}, true
}

// Apply merges a batch of remote entries and returns the ones that took effect.
// An entry wins with a newer clock, or an equal clock that removes.
func (t *Tracker) Apply(docID string, entries []Entry) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.room(docID)
	applied := make([]Entry, 0, len(entries))
	for _, e := range entries {
		r, ok := m[e.ClientID]
		if !ok {
			if e.Removed() {
				continue
			}
			m[e.ClientID] = &record{clock: e.Clock, state: e.State}
			applied = append(applied, e)
			continue
		}
		if e.Clock < r.clock || (e.Clock == r.clock && !e.Removed()) {
			continue
		}
		wasLive := r.state != nil
		r.clock, r.state = e.Clock, e.State
		if e.Removed() && !wasLive {
			continue
		}
		applied = append(applied, e)
	}
	return applied
}

// Remove deletes every live id in clientIDs and returns the removal entries.
func (t *Tracker) Remove(docID string, clientIDs []uint64) []Entry {
	out := make([]Entry, 0, len(clientIDs))
	for _, id := range clientIDs {
		if e, ok := t.Delete(docID, id); ok {
			out = append(out, e)
		}
	}
	return out
}

// Snapshot lists live entries ordered by client id.
func (t *Tracker) Snapshot(docID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.docs[docID]
	out := make([]Entry, 0, len(m))
	for id, r := range m {
		if r.state == nil {
			continue
		}
		out = append(out, Entry{ClientID: id, Clock: r.clock, State: r.state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// ClearIfEmpty drops the per document map once no live entry remains.
func (t *Tracker) ClearIfEmpty(docID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.docs[docID]
	if !ok {
		return true
	}
	for _, r := range m {
		if r.state != nil {
			return false
		}
	}
	delete(t.docs, docID)
	return true
}
