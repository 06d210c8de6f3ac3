package replica

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

type docEntry struct {
	rep  *Replica
	refs int
	once sync.Once
	herr error
}

// Manager tracks one replica per open document, refcounted by local
// connections. A replica is created on the first Acquire, hydrated
// exactly once, and dropped when the last local connection releases it;
// document state survives in the update log.
type Manager struct {
	docs *xsync.MapOf[string, *docEntry]
}

func NewManager() *Manager {
	return &Manager{docs: xsync.NewMapOf[string, *docEntry]()}
}

// Acquire returns the document's replica, creating and hydrating it on
// first use. The hydrate callback runs at most once per replica
// lifetime, no matter how many connections race here.
func (m *Manager) Acquire(doc string, hydrate func(*Replica) error) (*Replica, error) {
	e, _ := m.docs.Compute(doc, func(old *docEntry, loaded bool) (*docEntry, bool) {
		if !loaded {
			return &docEntry{rep: New(), refs: 1}, false
		}
		old.refs++
		return old, false
	})
	e.once.Do(func() {
		if hydrate != nil {
			e.herr = hydrate(e.rep)
		}
	})
	if e.herr != nil {
		m.Release(doc)
		return nil, e.herr
	}
	return e.rep, nil
}

// Release drops one reference; the replica is discarded when the last
// local reference goes away.
func (m *Manager) Release(doc string) {
	m.docs.Compute(doc, func(old *docEntry, loaded bool) (*docEntry, bool) {
		if !loaded {
			return nil, true
		}
		old.refs--
		return old, old.refs <= 0
	})
}

// Peek returns the live replica if the document is open locally,
// without taking a reference. The fallback path uses it to read the
// authoritative content after sync-path writes.
func (m *Manager) Peek(doc string) *Replica {
	e, ok := m.docs.Load(doc)
	if !ok {
		return nil
	}
	return e.rep
}
