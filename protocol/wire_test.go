package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameRoundtrip(t *testing.T) {
	delta := []byte{0x85, 0x6f, 0x4a, 0x83, 0x01, 0x02, 0x03}

	f, err := ParseFrame(Update(delta))
	assert.Nil(t, err)
	assert.Equal(t, LitUpdate, f.Lit)
	assert.Equal(t, delta, f.Body)

	f, err = ParseFrame(Step1([]byte("vector")))
	assert.Nil(t, err)
	assert.Equal(t, LitStep1, f.Lit)

	f, err = ParseFrame(Step2(delta))
	assert.Nil(t, err)
	assert.Equal(t, LitStep2, f.Lit)
	assert.Equal(t, delta, f.Body)

	f, err = ParseFrame(PresenceQuery())
	assert.Nil(t, err)
	assert.Equal(t, LitPresenceQuery, f.Lit)
	assert.Empty(t, f.Body)
}

func TestParseFrameRejectsGarbage(t *testing.T) {
	_, err := ParseFrame([]byte{0xff, 0xfe, 0xfd})
	assert.NotNil(t, err)

	// trailing bytes after a valid record
	raw := append(Update([]byte("x")), 'z')
	_, err = ParseFrame(raw)
	assert.Equal(t, ErrBadFrame, err)

	// a record type outside the protocol
	_, err = ParseFrame(Envelope("o", Update([]byte("x"))))
	assert.Equal(t, ErrUnknownFrame, err)
}

func TestPresenceState(t *testing.T) {
	wrapped := PresenceState("conn-1", []byte(`{"cursor":12}`))
	f, err := ParseFrame(wrapped)
	assert.Nil(t, err)
	assert.Equal(t, LitPresence, f.Lit)

	conn, payload, err := ParsePresenceState(f.Body)
	assert.Nil(t, err)
	assert.Equal(t, "conn-1", conn)
	assert.Equal(t, []byte(`{"cursor":12}`), payload)

	leave := PresenceState("conn-1", nil)
	f, err = ParseFrame(leave)
	assert.Nil(t, err)
	conn, payload, err = ParsePresenceState(f.Body)
	assert.Nil(t, err)
	assert.Equal(t, "conn-1", conn)
	assert.Nil(t, payload)
}

func TestEnvelopeRoundtrip(t *testing.T) {
	frame := Update([]byte("delta"))
	origin, got, err := ParseEnvelope(Envelope("sess-9", frame))
	assert.Nil(t, err)
	assert.Equal(t, "sess-9", origin)
	assert.Equal(t, frame, got)

	_, _, err = ParseEnvelope(frame)
	assert.Equal(t, ErrBadEnvelope, err)
}
