// Package journal is the durable, append-only update log: one ordered
// sequence of opaque update deltas per document. Replay hydrates a
// fresh replica; compaction folds a long log into a single equivalent
// delta to bound growth.
//
// Only delta-class updates belong here. Full-state handshake payloads
// must never be appended: replaying them would reintroduce stale
// history and corrupt the materialized view.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/cjliu2003/writersroom-sub006/utils"
)

var (
	ErrBadDocID       = errors.New("document id contains a zero byte")
	ErrEmptyDelta     = errors.New("empty update delta")
	ErrBadEntry       = errors.New("bad journal entry record")
	ErrCompactionRace = errors.New("compaction kept losing to concurrent appends")
)

// CompactionAuthor marks entries produced by folding the log.
const CompactionAuthor = "compaction"

var WriteOptions = pebble.WriteOptions{Sync: true}

// Entry is one immutable log record: an opaque delta plus metadata.
type Entry struct {
	Seq    uint64
	Author string
	At     time.Time
	Delta  []byte
}

// Journal stores per-document logs inside a shared pebble store.
// Key layout, single-byte prefixes:
//
//	'U' doc 0x00 seq8  -> A(author) S(ts8) D(delta)
//	'N' doc            -> last sequence number
//	'C' doc            -> entry count
type Journal struct {
	db    *pebble.DB
	log   utils.Logger
	locks *xsync.MapOf[string, *sync.Mutex]

	// test seam: runs between the replay snapshot and the swap lock
	compactHook func()
}

func New(db *pebble.DB, log utils.Logger) *Journal {
	return &Journal{
		db:    db,
		log:   log,
		locks: xsync.NewMapOf[string, *sync.Mutex](),
	}
}

func (j *Journal) mu(doc string) *sync.Mutex {
	m, _ := j.locks.LoadOrCompute(doc, func() *sync.Mutex { return &sync.Mutex{} })
	return m
}

func uKey(doc string, seq uint64) []byte {
	key := make([]byte, 0, 1+len(doc)+1+8)
	key = append(key, 'U')
	key = append(key, doc...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, seq)
}

func uKeyUpper(doc string) []byte {
	key := make([]byte, 0, 1+len(doc)+1)
	key = append(key, 'U')
	key = append(key, doc...)
	return append(key, 1)
}

func nKey(doc string) []byte { return append([]byte{'N'}, doc...) }
func cKey(doc string) []byte { return append([]byte{'C'}, doc...) }

func checkDocID(doc string) error {
	for i := 0; i < len(doc); i++ {
		if doc[i] == 0 {
			return ErrBadDocID
		}
	}
	return nil
}

func (j *Journal) readUint(key []byte) (uint64, error) {
	val, clo, err := j.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint64(val)
	_ = clo.Close()
	return n, nil
}

func uintBytes(n uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, n)
}

func entryBytes(author string, at time.Time, delta []byte) []byte {
	val := toytlv.Record('A', []byte(author))
	val = append(val, toytlv.Record('S', uintBytes(uint64(at.UnixMilli())))...)
	val = append(val, toytlv.Record('D', delta)...)
	return val
}

func parseEntry(seq uint64, val []byte) (Entry, error) {
	author, rest, err := toytlv.TakeWary('A', val)
	if err != nil {
		return Entry{}, ErrBadEntry
	}
	ts, rest, err := toytlv.TakeWary('S', rest)
	if err != nil || len(ts) != 8 {
		return Entry{}, ErrBadEntry
	}
	delta, rest, err := toytlv.TakeWary('D', rest)
	if err != nil || len(rest) != 0 {
		return Entry{}, ErrBadEntry
	}
	return Entry{
		Seq:    seq,
		Author: string(author),
		At:     time.UnixMilli(int64(binary.BigEndian.Uint64(ts))),
		Delta:  delta,
	}, nil
}

// Append persists one delta-class update. Sequence numbers are strictly
// increasing per document; the per-document lock orders concurrent
// appends and excludes compaction swaps.
func (j *Journal) Append(doc, author string, delta []byte) (seq uint64, err error) {
	if err = checkDocID(doc); err != nil {
		return 0, err
	}
	if len(delta) == 0 {
		return 0, ErrEmptyDelta
	}

	mu := j.mu(doc)
	mu.Lock()
	defer mu.Unlock()

	last, err := j.readUint(nKey(doc))
	if err != nil {
		return 0, err
	}
	count, err := j.readUint(cKey(doc))
	if err != nil {
		return 0, err
	}
	seq = last + 1

	batch := j.db.NewBatch()
	defer func() { _ = batch.Close() }()
	_ = batch.Set(uKey(doc, seq), entryBytes(author, time.Now(), delta), nil)
	_ = batch.Set(nKey(doc), uintBytes(seq), nil)
	_ = batch.Set(cKey(doc), uintBytes(count+1), nil)
	if err = j.db.Apply(batch, &WriteOptions); err != nil {
		return 0, fmt.Errorf("journal append: %w", err)
	}
	return seq, nil
}

// Replay returns the document's full log in sequence order.
func (j *Journal) Replay(doc string) ([]Entry, error) {
	if err := checkDocID(doc); err != nil {
		return nil, err
	}
	snap := j.db.NewSnapshot()
	defer func() { _ = snap.Close() }()
	return replay(snap, doc)
}

func replay(reader pebble.Reader, doc string) ([]Entry, error) {
	it, err := reader.NewIter(&pebble.IterOptions{
		LowerBound: uKey(doc, 0),
		UpperBound: uKeyUpper(doc),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	var entries []Entry
	for it.First(); it.Valid(); it.Next() {
		key := it.Key()
		seq := binary.BigEndian.Uint64(key[len(key)-8:])
		val := make([]byte, len(it.Value()))
		copy(val, it.Value())
		entry, err := parseEntry(seq, val)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Len reports the number of live entries in the document's log.
func (j *Journal) Len(doc string) (int, error) {
	count, err := j.readUint(cKey(doc))
	return int(count), err
}

const compactRetries = 5

// Compact folds the document's whole log into the single delta produced
// by fold (a full-state encode of a scratch replica) and atomically
// replaces the log's contents with it. The replay runs on a snapshot
// without holding the document lock; before swapping, the last sequence
// number is re-checked under the lock and the fold retries if a
// concurrent append landed in between. Sequence numbering continues,
// never restarts.
func (j *Journal) Compact(doc string, fold func(deltas [][]byte) ([]byte, error)) (retried int, err error) {
	if err = checkDocID(doc); err != nil {
		return 0, err
	}

	for attempt := 0; attempt < compactRetries; attempt++ {
		snap := j.db.NewSnapshot()
		entries, err := replay(snap, doc)
		_ = snap.Close()
		if err != nil {
			return attempt, err
		}
		if len(entries) <= 1 {
			return attempt, nil
		}
		seen := entries[len(entries)-1].Seq

		deltas := make([][]byte, 0, len(entries))
		for _, e := range entries {
			deltas = append(deltas, e.Delta)
		}
		merged, err := fold(deltas)
		if err != nil {
			return attempt, err
		}

		if j.compactHook != nil {
			j.compactHook()
		}

		mu := j.mu(doc)
		mu.Lock()
		last, err := j.readUint(nKey(doc))
		if err != nil {
			mu.Unlock()
			return attempt, err
		}
		if last != seen {
			// an append won the race; fold again from a fresh snapshot
			mu.Unlock()
			j.log.Debug("journal: compaction raced an append, retrying",
				"doc", doc, "seen", seen, "last", last)
			continue
		}

		seq := last + 1
		batch := j.db.NewBatch()
		_ = batch.DeleteRange(uKey(doc, 0), uKey(doc, seq), nil)
		_ = batch.Set(uKey(doc, seq), entryBytes(CompactionAuthor, time.Now(), merged), nil)
		_ = batch.Set(nKey(doc), uintBytes(seq), nil)
		_ = batch.Set(cKey(doc), uintBytes(1), nil)
		err = j.db.Apply(batch, &WriteOptions)
		_ = batch.Close()
		mu.Unlock()
		if err != nil {
			return attempt, fmt.Errorf("journal compact: %w", err)
		}
		return attempt, nil
	}
	return compactRetries, ErrCompactionRace
}
