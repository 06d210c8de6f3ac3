// Package protocol defines the binary frames exchanged over a document
// sync connection and the envelopes the fanout relay carries between
// server processes.
//
// Every frame is a single TLV record. The record type selects the
// message class:
//
//	S  STEP1: the sender's state vector
//	T  STEP2: a delta carrying everything the requester is missing
//	U  UPDATE: an incremental delta with new local edits
//	P  PRESENCE: a presence payload
//	Q  PRESENCE_QUERY: ask for the current presence of all participants
//
// Transport-level ping/pong is out of band and never reaches this codec.
//
// Client-sent PRESENCE bodies are opaque. When the server rebroadcasts
// presence it wraps the body so that peers can key it by connection:
// O(conn id) followed by an optional D(payload). A wrapped body with no
// D record is a leave event.
package protocol

import (
	"errors"

	"github.com/learn-decentralized-systems/toytlv"
)

const (
	LitStep1         = byte('S')
	LitStep2         = byte('T')
	LitUpdate        = byte('U')
	LitPresence      = byte('P')
	LitPresenceQuery = byte('Q')
)

var (
	ErrBadFrame     = errors.New("undecodable frame")
	ErrUnknownFrame = errors.New("unknown frame type")
	ErrBadEnvelope  = errors.New("bad relay envelope")
)

type Frame struct {
	Lit  byte
	Body []byte
}

// ParseFrame decodes exactly one frame; trailing bytes are an error.
func ParseFrame(raw []byte) (f Frame, err error) {
	lit, body, rest, err := toytlv.TakeAnyWary(raw)
	if err != nil {
		return Frame{}, ErrBadFrame
	}
	if len(rest) != 0 {
		return Frame{}, ErrBadFrame
	}
	switch lit {
	case LitStep1, LitStep2, LitUpdate, LitPresence, LitPresenceQuery:
		return Frame{Lit: lit, Body: body}, nil
	default:
		return Frame{}, ErrUnknownFrame
	}
}

func Step1(stateVector []byte) []byte {
	return toytlv.Record(LitStep1, stateVector)
}

func Step2(delta []byte) []byte {
	return toytlv.Record(LitStep2, delta)
}

func Update(delta []byte) []byte {
	return toytlv.Record(LitUpdate, delta)
}

func Presence(payload []byte) []byte {
	return toytlv.Record(LitPresence, payload)
}

func PresenceQuery() []byte {
	return toytlv.Record(LitPresenceQuery, nil)
}

// PresenceState builds the server-wrapped PRESENCE body: O(conn) D(payload).
// A nil payload produces a leave event.
func PresenceState(conn string, payload []byte) []byte {
	body := toytlv.Record('O', []byte(conn))
	if payload != nil {
		body = append(body, toytlv.Record('D', payload)...)
	}
	return toytlv.Record(LitPresence, body)
}

// ParsePresenceState unwraps a server-wrapped PRESENCE body.
// payload is nil for a leave event.
func ParsePresenceState(body []byte) (conn string, payload []byte, err error) {
	o, rest, err := toytlv.TakeWary('O', body)
	if err != nil {
		return "", nil, ErrBadFrame
	}
	if len(rest) == 0 {
		return string(o), nil, nil
	}
	d, rest, err := toytlv.TakeWary('D', rest)
	if err != nil || len(rest) != 0 {
		return "", nil, ErrBadFrame
	}
	return string(o), d, nil
}

// Envelope wraps a frame for the relay: E( O(origin) F(frame) ).
// The origin is the session id of the connection the frame came from,
// so listeners can skip echoing it back.
func Envelope(origin string, frame []byte) []byte {
	return toytlv.Record('E',
		toytlv.Record('O', []byte(origin)),
		toytlv.Record('F', frame),
	)
}

func ParseEnvelope(raw []byte) (origin string, frame []byte, err error) {
	body, rest, err := toytlv.TakeWary('E', raw)
	if err != nil || len(rest) != 0 {
		return "", nil, ErrBadEnvelope
	}
	o, rest, err := toytlv.TakeWary('O', body)
	if err != nil {
		return "", nil, ErrBadEnvelope
	}
	f, rest, err := toytlv.TakeWary('F', rest)
	if err != nil || len(rest) != 0 {
		return "", nil, ErrBadEnvelope
	}
	return string(o), f, nil
}
