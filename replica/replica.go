// Package replica holds the in-memory CRDT state of open documents.
//
// A Replica wraps an automerge document. Update deltas are opaque
// automerge binary: applying one is commutative and idempotent, so any
// causally-consistent delivery order converges. The state vector
// exchanged during the sync handshake is the document's set of head
// change hashes.
package replica

import (
	"errors"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

var (
	ErrBadStateVector = errors.New("bad state vector")
	ErrBadDelta       = errors.New("undecodable update delta")
)

const hashLen = 32

// Replica is one document's live CRDT state within this process.
// All mutations are serialized by the internal lock; connection
// handlers never touch the automerge doc directly.
type Replica struct {
	lock sync.Mutex
	doc  *automerge.Doc
}

func New() *Replica {
	return &Replica{doc: automerge.New()}
}

// Apply merges one opaque update delta into the replica.
func (rep *Replica) Apply(delta []byte) error {
	rep.lock.Lock()
	defer rep.lock.Unlock()
	if err := rep.doc.LoadIncremental(delta); err != nil {
		return fmt.Errorf("%w: %v", ErrBadDelta, err)
	}
	return nil
}

// StateVector encodes the replica's heads as a compact summary of
// which operations it has seen.
func (rep *Replica) StateVector() []byte {
	rep.lock.Lock()
	defer rep.lock.Unlock()
	heads := rep.doc.Heads()
	sv := make([]byte, 0, len(heads)*hashLen)
	for _, h := range heads {
		sv = append(sv, h[:]...)
	}
	return sv
}

func decodeStateVector(sv []byte) ([]automerge.ChangeHash, error) {
	if len(sv)%hashLen != 0 {
		return nil, ErrBadStateVector
	}
	heads := make([]automerge.ChangeHash, 0, len(sv)/hashLen)
	for i := 0; i < len(sv); i += hashLen {
		var h automerge.ChangeHash
		copy(h[:], sv[i:i+hashLen])
		heads = append(heads, h)
	}
	return heads, nil
}

// DiffSince encodes everything the holder of the given state vector is
// missing, computed from this replica's own state. If the vector names
// history this replica cannot resolve, the full document state is
// returned instead; automerge deduplicates on apply, so that is still
// a correct (if larger) delta. An empty result means the peer is
// already caught up.
func (rep *Replica) DiffSince(sv []byte) ([]byte, error) {
	heads, err := decodeStateVector(sv)
	if err != nil {
		return nil, err
	}
	rep.lock.Lock()
	defer rep.lock.Unlock()
	changes, err := rep.doc.Changes(heads...)
	if err != nil {
		return rep.doc.Save(), nil
	}
	if len(changes) == 0 {
		return nil, nil
	}
	var diff []byte
	for _, ch := range changes {
		diff = append(diff, ch.Save()...)
	}
	return diff, nil
}

// FullState encodes the whole replica as a single applicable delta.
// Compaction uses this as the replacement log entry.
func (rep *Replica) FullState() []byte {
	rep.lock.Lock()
	defer rep.lock.Unlock()
	return rep.doc.Save()
}

// SeedContent initializes an empty replica from a whole-document
// snapshot and returns the resulting delta. Used when a document has a
// fallback-path snapshot but no update history yet.
func (rep *Replica) SeedContent(content string) ([]byte, error) {
	rep.lock.Lock()
	defer rep.lock.Unlock()
	if err := rep.doc.Path("content").Set(automerge.NewText(content)); err != nil {
		return nil, err
	}
	return rep.doc.SaveIncremental(), nil
}

// Content returns the materialized human-readable view: the root
// "content" field. Documents written by editors keep it as a
// collaborative text; fallback seeds may leave a plain string.
func (rep *Replica) Content() string {
	rep.lock.Lock()
	defer rep.lock.Unlock()
	v, err := rep.doc.Path("content").Get()
	if err != nil {
		return ""
	}
	switch v.Kind() {
	case automerge.KindText:
		s, err := v.Text().Get()
		if err != nil {
			return ""
		}
		return s
	case automerge.KindStr:
		return v.Str()
	default:
		return ""
	}
}
