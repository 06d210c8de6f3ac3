// Package presence tracks who is connected to each document: ephemeral
// cursor/selection payloads and last-seen timestamps. Nothing here is
// ever persisted. Liveness keepalive itself is transport-level
// (websocket ping/pong) and lives with the connection; this registry
// only decides who has gone stale.
package presence

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type Record struct {
	Conn      string
	Principal string
	Payload   []byte
	LastSeen  time.Time
}

type Registry struct {
	ttl  time.Duration
	docs *xsync.MapOf[string, *docPresence]
}

type docPresence struct {
	lock sync.Mutex
	recs map[string]*Record
}

func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		ttl:  ttl,
		docs: xsync.NewMapOf[string, *docPresence](),
	}
}

func (r *Registry) doc(doc string) *docPresence {
	d, _ := r.docs.LoadOrCompute(doc, func() *docPresence {
		return &docPresence{recs: make(map[string]*Record)}
	})
	return d
}

// Update upserts a connection's presence payload and resets its
// staleness timer.
func (r *Registry) Update(doc, conn, principal string, payload []byte) {
	d := r.doc(doc)
	d.lock.Lock()
	d.recs[conn] = &Record{
		Conn:      conn,
		Principal: principal,
		Payload:   payload,
		LastSeen:  time.Now(),
	}
	d.lock.Unlock()
}

// Touch resets the staleness timer without changing the payload.
// Keepalive responses land here.
func (r *Registry) Touch(doc, conn string) bool {
	d, ok := r.docs.Load(doc)
	if !ok {
		return false
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	rec, ok := d.recs[conn]
	if !ok {
		return false
	}
	rec.LastSeen = time.Now()
	return true
}

// Remove deletes a connection's record; returns whether one existed.
func (r *Registry) Remove(doc, conn string) bool {
	d, ok := r.docs.Load(doc)
	if !ok {
		return false
	}
	d.lock.Lock()
	_, existed := d.recs[conn]
	delete(d.recs, conn)
	empty := len(d.recs) == 0
	d.lock.Unlock()
	if empty {
		r.docs.Delete(doc)
	}
	return existed
}

// List returns a copy of the document's current presence records.
func (r *Registry) List(doc string) []Record {
	d, ok := r.docs.Load(doc)
	if !ok {
		return nil
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	out := make([]Record, 0, len(d.recs))
	for _, rec := range d.recs {
		out = append(out, *rec)
	}
	return out
}

// SweepExpired removes every record whose staleness timer ran out and
// returns them grouped by document, so the caller can broadcast leave
// events and force-close the connections.
func (r *Registry) SweepExpired(now time.Time) map[string][]Record {
	cutoff := now.Add(-r.ttl)
	expired := make(map[string][]Record)
	r.docs.Range(func(doc string, d *docPresence) bool {
		d.lock.Lock()
		for conn, rec := range d.recs {
			if rec.LastSeen.Before(cutoff) {
				expired[doc] = append(expired[doc], *rec)
				delete(d.recs, conn)
			}
		}
		empty := len(d.recs) == 0
		d.lock.Unlock()
		if empty {
			r.docs.Delete(doc)
		}
		return true
	})
	return expired
}
