package writersroom

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/learn-decentralized-systems/toyqueue"

	"github.com/cjliu2003/writersroom-sub006/fanout"
	"github.com/cjliu2003/writersroom-sub006/protocol"
	"github.com/cjliu2003/writersroom-sub006/replica"
)

// Transport is the write/close half of a client connection. Closing it
// must unblock the transport's read loop; the engine relies on that to
// force-close stale sessions.
type Transport interface {
	Close() error
}

// Session is the per-connection protocol state machine. The transport
// read loop feeds it frames via HandleFrame; outbound frames queue up
// in outq and the transport write pump drains them through Outbound.
type Session struct {
	id        string
	doc       string
	principal string

	eng *Engine
	rep *replica.Replica
	tr  Transport

	outq toyqueue.RecordQueue
	feed toyqueue.FeedDrainCloser

	synced    atomic.Bool
	closeOnce sync.Once
}

func (s *Session) ID() string        { return s.id }
func (s *Session) Doc() string       { return s.doc }
func (s *Session) Principal() string { return s.principal }

// Outbound is the blocking feeder the transport write pump drains. It
// returns an error once the session is closed.
func (s *Session) Outbound() toyqueue.Feeder { return s.feed }

func (s *Session) Close() { s.eng.Disconnect(s) }

// Touch refreshes the staleness timer. The websocket adapter calls it
// on pongs; HandleFrame calls it for every decodable frame.
func (s *Session) Touch() { s.eng.pres.Touch(s.doc, s.id) }

// enqueue never blocks. A session that cannot drain its queue is
// closed rather than stalling the whole document.
func (s *Session) enqueue(frame []byte) {
	err := s.outq.Drain(toyqueue.Records{frame})
	if err == nil {
		return
	}
	if errors.Is(err, toyqueue.ErrWouldBlock) {
		s.eng.log.Warn("send queue overflow, closing session",
			"doc", s.doc, "conn", s.id)
		go s.Close()
	}
}

// HandleFrame runs one inbound frame through the state machine.
// Malformed or inapplicable frames are logged and dropped; the
// connection stays up.
func (s *Session) HandleFrame(raw []byte) {
	f, err := protocol.ParseFrame(raw)
	if err != nil {
		s.eng.mtr.BadFrames.Inc()
		s.eng.log.Warn("frame dropped", "doc", s.doc, "conn", s.id, "err", err)
		return
	}
	s.Touch()
	switch f.Lit {
	case protocol.LitStep1:
		// reply with everything the peer's state vector is missing;
		// an empty STEP2 still signals "you are caught up"
		diff, err := s.rep.DiffSince(f.Body)
		if err != nil {
			s.eng.mtr.BadFrames.Inc()
			s.eng.log.Warn("bad state vector", "doc", s.doc, "conn", s.id, "err", err)
			return
		}
		s.enqueue(protocol.Step2(diff))
		s.synced.Store(true)
	case protocol.LitStep2:
		// the catch-up payload may be a full state encode; it is
		// applied but never journaled
		if len(f.Body) > 0 {
			if err := s.rep.Apply(f.Body); err != nil {
				s.eng.mtr.BadFrames.Inc()
				s.eng.log.Warn("step2 rejected", "doc", s.doc, "conn", s.id, "err", err)
				return
			}
		}
		s.synced.Store(true)
	case protocol.LitUpdate:
		if !s.synced.Load() {
			s.eng.log.Warn("update before handshake dropped",
				"doc", s.doc, "conn", s.id)
			return
		}
		s.eng.applyUpdate(s, f.Body)
	case protocol.LitPresence:
		s.eng.pres.Update(s.doc, s.id, s.principal, f.Body)
		s.eng.publish(s.id, s.doc, fanout.PresenceChannel(s.doc),
			protocol.PresenceState(s.id, f.Body))
	case protocol.LitPresenceQuery:
		for _, rec := range s.eng.pres.List(s.doc) {
			if rec.Conn == s.id {
				continue
			}
			s.enqueue(protocol.PresenceState(rec.Conn, rec.Payload))
		}
	}
}
