// Package writersroom is a collaborative document sync and persistence
// engine. Connections speak a TLV handshake protocol (STEP1 state
// vector, STEP2 catch-up delta, then live UPDATE frames); applied
// updates are journaled per document and fanned out to every other
// session, local or on another process, through the relay. A versioned
// snapshot store serves as the optimistic-concurrency fallback path for
// clients that cannot hold a sync connection.
package writersroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/learn-decentralized-systems/toyqueue"

	"github.com/cjliu2003/writersroom-sub006/fallback"
	"github.com/cjliu2003/writersroom-sub006/fanout"
	"github.com/cjliu2003/writersroom-sub006/journal"
	"github.com/cjliu2003/writersroom-sub006/presence"
	"github.com/cjliu2003/writersroom-sub006/protocol"
	"github.com/cjliu2003/writersroom-sub006/replica"
	"github.com/cjliu2003/writersroom-sub006/utils"
)

var (
	ErrClosed = errors.New("engine is closed")
	ErrBadDoc = errors.New("bad document id")
)

// SeedAuthor marks the journal entry written when an empty journal is
// seeded from the fallback snapshot.
const SeedAuthor = "seed"

func joinPayload(principal string) []byte {
	payload, _ := json.Marshal(struct {
		Principal string `json:"principal"`
	}{principal})
	return payload
}

type Engine struct {
	log  utils.Logger
	opts Options
	mtr  *Metrics

	reps  *replica.Manager
	jrnl  *journal.Journal
	relay fanout.Relay
	fall  *fallback.Store
	pres  *presence.Registry

	lock   sync.Mutex
	docs   map[string]*docState
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// docState tracks the local sessions of one open document plus its
// relay subscription.
type docState struct {
	sessions   map[string]*Session
	sub        fanout.Subscription
	compacting bool
}

func NewEngine(log utils.Logger, opts Options, db *pebble.DB, relay fanout.Relay, fall *fallback.Store, mtr *Metrics) *Engine {
	opts.SetDefaults()
	if log == nil {
		log = utils.NopLogger{}
	}
	if mtr == nil {
		mtr = NewMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		log:    log,
		opts:   opts,
		mtr:    mtr,
		reps:   replica.NewManager(),
		jrnl:   journal.New(db, log),
		relay:  relay,
		fall:   fall,
		pres:   presence.NewRegistry(opts.PresenceTTL),
		docs:   make(map[string]*docState),
		ctx:    ctx,
		cancel: cancel,
	}
	fall.SetContentProvider(e)
	e.wg.Add(1)
	go e.sweepLoop()
	return e
}

// LiveContent reads the materialized content of a locally open replica.
// The fallback store calls it to reconcile reads after sync-path writes.
func (e *Engine) LiveContent(doc string) (string, bool) {
	rep := e.reps.Peek(doc)
	if rep == nil {
		return "", false
	}
	return rep.Content(), true
}

// Connect registers a new session for the document. The replica is
// hydrated on first open (journal replay, or fallback seed when the
// journal is empty) and the server's STEP1 is queued before the
// session is returned.
func (e *Engine) Connect(doc, principal string, tr Transport) (*Session, error) {
	if doc == "" || strings.ContainsRune(doc, 0) {
		return nil, ErrBadDoc
	}
	rep, err := e.reps.Acquire(doc, func(rep *replica.Replica) error {
		return e.hydrate(doc, rep)
	})
	if err != nil {
		return nil, fmt.Errorf("hydrate %q: %w", doc, err)
	}

	s := &Session{
		id:        uuid.NewString(),
		doc:       doc,
		principal: principal,
		eng:       e,
		rep:       rep,
		tr:        tr,
	}
	s.outq.Limit = e.opts.SendQueueLimit
	s.feed = s.outq.Blocking()

	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		e.reps.Release(doc)
		return nil, ErrClosed
	}
	ds := e.docs[doc]
	if ds == nil {
		sub, err := e.relay.Subscribe(e.ctx,
			fanout.UpdateChannel(doc), fanout.PresenceChannel(doc),
			fanout.JoinChannel(doc), fanout.LeaveChannel(doc))
		if err != nil {
			e.lock.Unlock()
			e.reps.Release(doc)
			return nil, fmt.Errorf("subscribe %q: %w", doc, err)
		}
		ds = &docState{sessions: make(map[string]*Session), sub: sub}
		e.docs[doc] = ds
		e.wg.Add(1)
		go e.listen(doc, sub)
	}
	ds.sessions[s.id] = s
	e.lock.Unlock()

	// the join announcement carries a payload so it can never be
	// mistaken for a leave event (whose wrapped body has none)
	hello := joinPayload(principal)
	e.pres.Update(doc, s.id, principal, hello)
	e.mtr.Sessions.Inc()
	e.publish(s.id, s.doc, fanout.JoinChannel(doc), protocol.PresenceState(s.id, hello))
	s.enqueue(protocol.Step1(rep.StateVector()))
	e.log.Info("session open", "doc", doc, "conn", s.id, "principal", principal)
	return s, nil
}

func (e *Engine) hydrate(doc string, rep *replica.Replica) error {
	entries, err := e.jrnl.Replay(doc)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if err := rep.Apply(ent.Delta); err != nil {
			return fmt.Errorf("journal entry %d: %w", ent.Seq, err)
		}
	}
	if len(entries) > 0 {
		return nil
	}
	snap, err := e.fall.Current(doc)
	if err != nil || !snap.Exists || snap.Content == "" {
		return err
	}
	seed, err := rep.SeedContent(snap.Content)
	if err != nil {
		return err
	}
	// the seed is a genuine content edit, so it goes into the journal
	if _, err := e.jrnl.Append(doc, SeedAuthor, seed); err != nil {
		return err
	}
	e.log.Info("replica seeded from fallback snapshot",
		"doc", doc, "version", snap.Version)
	return nil
}

// Disconnect tears a session down. Safe to call more than once and
// from any goroutine, including the session's own transport pumps.
func (e *Engine) Disconnect(s *Session) {
	s.closeOnce.Do(func() { e.teardown(s) })
}

func (e *Engine) teardown(s *Session) {
	e.lock.Lock()
	if ds := e.docs[s.doc]; ds != nil {
		delete(ds.sessions, s.id)
		if len(ds.sessions) == 0 {
			delete(e.docs, s.doc)
			_ = ds.sub.Close()
		}
	}
	e.lock.Unlock()

	e.pres.Remove(s.doc, s.id)
	e.publish(s.id, s.doc, fanout.LeaveChannel(s.doc), protocol.PresenceState(s.id, nil))
	// RecordQueue.Close never signals the condvar, so a write pump
	// parked in a blocking Feed would sleep forever. An empty record
	// wakes it and tells it to exit. A full queue means the pump is
	// still making room, so retry briefly.
	for i := 0; i < wakeRetries; i++ {
		if err := s.outq.Drain(toyqueue.Records{nil}); err == nil {
			break
		}
		time.Sleep(wakeDelay)
	}
	_ = s.outq.Close()
	if s.tr != nil {
		_ = s.tr.Close()
	}
	e.reps.Release(s.doc)
	e.mtr.Sessions.Dec()
	e.log.Info("session closed", "doc", s.doc, "conn", s.id)
}

// Close force-closes every session and stops the background loops.
func (e *Engine) Close() {
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return
	}
	e.closed = true
	var open []*Session
	for _, ds := range e.docs {
		for _, s := range ds.sessions {
			open = append(open, s)
		}
	}
	e.lock.Unlock()
	for _, s := range open {
		e.Disconnect(s)
	}
	e.cancel()
	e.wg.Wait()
}

// publish wraps the frame in an origin envelope and hands it to the
// relay; the loopback delivery on our own subscription is what fans it
// out to local peers, so local and cross-process distribution share one
// path. If the relay fails mid-run we degrade to a direct local
// broadcast.
func (e *Engine) publish(origin, doc, channel string, frame []byte) {
	env := protocol.Envelope(origin, frame)
	if err := e.relay.Publish(e.ctx, channel, env); err != nil {
		e.log.Warn("fanout publish failed, local delivery only",
			"channel", channel, "err", err)
		e.broadcastLocal(doc, frame, origin)
		return
	}
	e.mtr.FanoutPublished.Inc()
}

func (e *Engine) listen(doc string, sub fanout.Subscription) {
	defer e.wg.Done()
	upd := fanout.UpdateChannel(doc)
	prs := fanout.PresenceChannel(doc)
	jn := fanout.JoinChannel(doc)
	lve := fanout.LeaveChannel(doc)
	for msg := range sub.C() {
		origin, frame, err := protocol.ParseEnvelope(msg.Payload)
		if err != nil {
			e.log.Warn("bad relay envelope", "doc", doc, "err", err)
			continue
		}
		if !e.hasSession(doc, origin) {
			// not ours: another process originated it
			switch msg.Channel {
			case upd:
				e.applyRemote(doc, frame)
			case prs, jn:
				e.noteRemotePresence(doc, frame)
			case lve:
				e.dropRemotePresence(doc, frame)
			}
		}
		e.broadcastLocal(doc, frame, origin)
	}
}

// applyRemote folds an update that another process journaled into our
// replica, so every process converges. It is deliberately not appended
// here: the originating engine owns the durable write.
func (e *Engine) applyRemote(doc string, frame []byte) {
	f, err := protocol.ParseFrame(frame)
	if err != nil || f.Lit != protocol.LitUpdate {
		return
	}
	rep := e.reps.Peek(doc)
	if rep == nil {
		return
	}
	if err := rep.Apply(f.Body); err != nil {
		e.log.Warn("remote update rejected", "doc", doc, "err", err)
		return
	}
	e.mtr.UpdatesApplied.Inc()
}

func remoteConn(frame []byte) (conn string, payload []byte, ok bool) {
	f, err := protocol.ParseFrame(frame)
	if err != nil || f.Lit != protocol.LitPresence {
		return "", nil, false
	}
	conn, payload, err = protocol.ParsePresenceState(f.Body)
	return conn, payload, err == nil
}

func (e *Engine) noteRemotePresence(doc string, frame []byte) {
	// the degraded-mode notice is a broadcast, not a participant
	if conn, payload, ok := remoteConn(frame); ok && conn != degradedOrigin {
		e.pres.Update(doc, conn, "", payload)
	}
}

func (e *Engine) dropRemotePresence(doc string, frame []byte) {
	if conn, _, ok := remoteConn(frame); ok && conn != degradedOrigin {
		e.pres.Remove(doc, conn)
	}
}

func (e *Engine) hasSession(doc, conn string) bool {
	return e.session(doc, conn) != nil
}

func (e *Engine) session(doc, conn string) *Session {
	e.lock.Lock()
	defer e.lock.Unlock()
	ds := e.docs[doc]
	if ds == nil {
		return nil
	}
	return ds.sessions[conn]
}

func (e *Engine) broadcastLocal(doc string, frame []byte, skip string) {
	e.lock.Lock()
	ds := e.docs[doc]
	var peers []*Session
	if ds != nil {
		for id, s := range ds.sessions {
			if id != skip {
				peers = append(peers, s)
			}
		}
	}
	e.lock.Unlock()
	for _, s := range peers {
		s.enqueue(frame)
	}
}

// applyUpdate is the live-path write: apply to the replica, append to
// the journal, bump the fallback version, publish. A failed append does
// not roll the replica back; it is retried in the background.
func (e *Engine) applyUpdate(s *Session, delta []byte) {
	if len(delta) == 0 {
		return
	}
	if err := s.rep.Apply(delta); err != nil {
		e.mtr.BadFrames.Inc()
		e.log.Warn("update rejected", "doc", s.doc, "conn", s.id, "err", err)
		return
	}
	e.mtr.UpdatesApplied.Inc()
	if _, err := e.jrnl.Append(s.doc, s.principal, delta); err != nil {
		e.mtr.AppendFailures.Inc()
		e.log.Error("journal append failed", "doc", s.doc, "err", err)
		e.wg.Add(1)
		go e.retryAppend(s.doc, s.principal, delta)
	} else {
		e.mtr.Appends.Inc()
		e.maybeCompact(s.doc)
	}
	if _, err := e.fall.NoteSyncWrite(s.doc); err != nil {
		e.log.Warn("fallback version bump failed", "doc", s.doc, "err", err)
	}
	e.publish(s.id, s.doc, fanout.UpdateChannel(s.doc), protocol.Update(delta))
}

func (e *Engine) retryAppend(doc, author string, delta []byte) {
	defer e.wg.Done()
	delay := e.opts.AppendRetryDelay
	for i := 1; i <= e.opts.AppendRetries; i++ {
		select {
		case <-e.ctx.Done():
			return
		case <-time.After(delay):
		}
		if _, err := e.jrnl.Append(doc, author, delta); err == nil {
			e.mtr.Appends.Inc()
			e.log.Info("journal append recovered", "doc", doc, "attempt", i)
			return
		} else {
			e.mtr.AppendFailures.Inc()
			e.log.Error("journal append retry failed",
				"doc", doc, "attempt", i, "err", err)
		}
		delay *= 2
	}
	// durability is gone; tell everyone on the document
	e.publish(degradedOrigin, doc, fanout.PresenceChannel(doc),
		protocol.PresenceState(degradedOrigin, []byte(`{"degraded":true}`)))
}

const degradedOrigin = "system"

const (
	wakeRetries = 50
	wakeDelay   = 10 * time.Millisecond
)

func (e *Engine) maybeCompact(doc string) {
	n, err := e.jrnl.Len(doc)
	if err != nil || n <= e.opts.CompactThreshold {
		return
	}
	e.lock.Lock()
	ds := e.docs[doc]
	if ds == nil || ds.compacting {
		e.lock.Unlock()
		return
	}
	ds.compacting = true
	e.lock.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		retried, err := e.jrnl.Compact(doc, foldDeltas)
		e.lock.Lock()
		if ds := e.docs[doc]; ds != nil {
			ds.compacting = false
		}
		e.lock.Unlock()
		if err != nil {
			e.log.Warn("compaction failed", "doc", doc, "err", err)
			return
		}
		e.mtr.Compactions.Inc()
		e.log.Info("journal compacted", "doc", doc, "retried", retried)
	}()
}

// foldDeltas hydrates a scratch replica from the logged deltas and
// encodes its full state, which is itself a valid delta.
func foldDeltas(deltas [][]byte) ([]byte, error) {
	rep := replica.New()
	for _, d := range deltas {
		if err := rep.Apply(d); err != nil {
			return nil, err
		}
	}
	return rep.FullState(), nil
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	t := time.NewTicker(e.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-t.C:
			for doc, recs := range e.pres.SweepExpired(now) {
				for _, rec := range recs {
					if s := e.session(doc, rec.Conn); s != nil {
						e.log.Warn("stale session force-closed",
							"doc", doc, "conn", rec.Conn)
						e.Disconnect(s)
						continue
					}
					// remote record expired: its engine died without
					// a leave, so synthesize one for local peers
					e.broadcastLocal(doc, protocol.PresenceState(rec.Conn, nil), rec.Conn)
				}
			}
		}
	}
}
