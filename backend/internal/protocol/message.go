package protocol

import (
	"encoding/json"
	"fmt"
)

type Kind uint64

const (
	KindSync           Kind = 0
	KindAwareness      Kind = 1
	KindAuth           Kind = 2
	KindAwarenessQuery Kind = 3
)

type SyncStep uint64

const (
	SyncStep1  SyncStep = 0 // state vector request
	SyncStep2  SyncStep = 1 // state response
	SyncUpdate SyncStep = 2
)

const DefaultDeniedReason = "permission-denied"

// Message is a decoded inbound frame. Payload holds the state vector, the
// delta or the encoded awareness update depending on Kind and Step.
type Message struct {
	Kind    Kind
	Step    SyncStep
	Payload []byte
	Reason  string
}

func Decode(frame []byte) (Message, error) {
	d := NewDecoder(frame)
	k, err := d.ReadVarUint()
	if err != nil {
		return Message{}, err
	}
	msg := Message{Kind: Kind(k)}
	switch msg.Kind {
	case KindSync:
		step, err := d.ReadVarUint()
		if err != nil {
			return Message{}, err
		}
		if step > uint64(SyncUpdate) {
			return Message{}, fmt.Errorf("%w: sync step %d", ErrMalformed, step)
		}
		msg.Step = SyncStep(step)
		if msg.Payload, err = d.ReadVarBytes(); err != nil {
			return Message{}, err
		}
	case KindAwareness:
		if msg.Payload, err = d.ReadVarBytes(); err != nil {
			return Message{}, err
		}
	case KindAuth:
		if msg.Reason, err = d.ReadVarString(); err != nil {
			return Message{}, err
		}
	case KindAwarenessQuery:
	default:
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownKind, k)
	}
	return msg, nil
}

func encodeSync(step SyncStep, payload []byte) []byte {
	e := NewEncoder()
	e.WriteVarUint(uint64(KindSync))
	e.WriteVarUint(uint64(step))
	e.WriteVarBytes(payload)
	return e.Bytes()
}

func EncodeSyncStep1(stateVector []byte) []byte { return encodeSync(SyncStep1, stateVector) }

func EncodeSyncStep2(delta []byte) []byte { return encodeSync(SyncStep2, delta) }

func EncodeUpdate(delta []byte) []byte { return encodeSync(SyncUpdate, delta) }

func EncodeAwareness(update []byte) []byte {
	e := NewEncoder()
	e.WriteVarUint(uint64(KindAwareness))
	e.WriteVarBytes(update)
	return e.Bytes()
}

func EncodeAuthDenied(reason string) []byte {
	if reason == "" {
		reason = DefaultDeniedReason
	}
	e := NewEncoder()
	e.WriteVarUint(uint64(KindAuth))
	e.WriteVarString(reason)
	return e.Bytes()
}

func EncodeAwarenessQuery() []byte {
	e := NewEncoder()
	e.WriteVarUint(uint64(KindAwarenessQuery))
	return e.Bytes()
}

// AwarenessEntry is one record of an awareness update. A nil State marks removal.
type AwarenessEntry struct {
	ClientID uint64
	Clock    uint64
	State    json.RawMessage
}

func (a AwarenessEntry) Removed() bool { return a.State == nil }

func EncodeAwarenessUpdate(entries []AwarenessEntry) []byte {
	e := NewEncoder()
	e.WriteVarUint(uint64(len(entries)))
	for _, a := range entries {
		e.WriteVarUint(a.ClientID)
		e.WriteVarUint(a.Clock)
		if a.State == nil {
			e.WriteVarString("null")
		} else {
			e.WriteVarString(string(a.State))
		}
	}
	return e.Bytes()
}

func DecodeAwarenessUpdate(update []byte) ([]AwarenessEntry, error) {
	d := NewDecoder(update)
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	// each entry needs at least three bytes
	if n > uint64(d.Remaining()/3) {
		return nil, ErrMalformed
	}
	entries := make([]AwarenessEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		var a AwarenessEntry
		if a.ClientID, err = d.ReadVarUint(); err != nil {
			return nil, err
		}
		if a.Clock, err = d.ReadVarUint(); err != nil {
			return nil, err
		}
		s, err := d.ReadVarString()
		if err != nil {
			return nil, err
		}
		if s != "null" {
			if !json.Valid([]byte(s)) {
				return nil, fmt.Errorf("%w: awareness state for client %d", ErrMalformed, a.ClientID)
			}
			a.State = json.RawMessage(s)
		}
		entries = append(entries, a)
	}
	return entries, nil
}
