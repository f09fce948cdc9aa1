package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarUintMatchesLib0(t *testing.T) {
	e := NewEncoder()
	e.WriteVarUint(0)
	e.WriteVarUint(127)
	e.WriteVarUint(128)
	e.WriteVarUint(300)
	assert.Equal(t, []byte{0x00, 0x7f, 0x80, 0x01, 0xac, 0x02}, e.Bytes())

	d := NewDecoder(e.Bytes())
	for _, want := range []uint64{0, 127, 128, 300} {
		got, err := d.ReadVarUint()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := d.ReadVarUint()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeSyncFrames(t *testing.T) {
	cases := []struct {
		frame []byte
		step  SyncStep
	}{
		{EncodeSyncStep1([]byte{1, 2}), SyncStep1},
		{EncodeSyncStep2([]byte{3}), SyncStep2},
		{EncodeUpdate([]byte{4, 5, 6}), SyncUpdate},
	}
	for _, c := range cases {
		msg, err := Decode(c.frame)
		require.NoError(t, err)
		assert.Equal(t, KindSync, msg.Kind)
		assert.Equal(t, c.step, msg.Step)
	}

	msg, err := Decode(EncodeUpdate([]byte{4, 5, 6}))
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5, 6}, msg.Payload)
}

func TestDecodeAuthAndQuery(t *testing.T) {
	msg, err := Decode(EncodeAuthDenied(""))
	require.NoError(t, err)
	assert.Equal(t, KindAuth, msg.Kind)
	assert.Equal(t, DefaultDeniedReason, msg.Reason)

	msg, err = Decode(EncodeAwarenessQuery())
	require.NoError(t, err)
	assert.Equal(t, KindAwarenessQuery, msg.Kind)
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte{9})
	assert.ErrorIs(t, err, ErrUnknownKind)

	// sync update claiming 10 bytes with only 1 present
	_, err = Decode([]byte{0, 2, 10, 1})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte{0, 7, 0})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestAwarenessUpdateRoundTrip(t *testing.T) {
	in := []AwarenessEntry{
		{ClientID: 5, Clock: 1, State: json.RawMessage(`{"user":{"name":"ann","color":"#f00"}}`)},
		{ClientID: 9, Clock: 4},
	}
	frame := EncodeAwareness(EncodeAwarenessUpdate(in))

	msg, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, KindAwareness, msg.Kind)

	out, err := DecodeAwarenessUpdate(msg.Payload)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, uint64(5), out[0].ClientID)
	assert.JSONEq(t, string(in[0].State), string(out[0].State))
	assert.True(t, out[1].Removed())
	assert.Equal(t, uint64(4), out[1].Clock)
}

func TestAwarenessUpdateRejectsInvalidJSON(t *testing.T) {
	e := NewEncoder()
	e.WriteVarUint(1)
	e.WriteVarUint(3)
	e.WriteVarUint(1)
	e.WriteVarString("{nope")
	_, err := DecodeAwarenessUpdate(e.Bytes())
	assert.ErrorIs(t, err, ErrMalformed)

	// count larger than the buffer could hold
	_, err = DecodeAwarenessUpdate([]byte{0xff, 0x01})
	assert.ErrorIs(t, err, ErrMalformed)
}
