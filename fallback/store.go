// Package fallback is the optimistic-concurrency save path: whole
// document snapshots written under version compare-and-swap, with
// idempotency keys, prior-version history copies, and per-principal
// rate ceilings. It runs independently of the sync protocol; the
// reconciliation contract with the replica path is that every applied
// sync update bumps the stored version (NoteSyncWrite), so a fallback
// caller holding a stale version always observes a conflict instead of
// silently overwriting sync-origin content.
package fallback

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/cjliu2003/writersroom-sub006/utils"
)

var (
	ErrBadDocID     = errors.New("document id contains a zero byte")
	ErrIdemMismatch = errors.New("idempotency key reused with a different payload")
	ErrBadRecord    = errors.New("bad fallback record")
)

type Status int

const (
	StatusApplied Status = iota
	StatusConflict
	StatusRateLimited
	StatusBusy
)

func (s Status) String() string {
	return []string{"applied", "conflict", "rate_limited", "busy"}[s]
}

type Origin byte

const (
	OriginFallback Origin = 'F'
	OriginSync     Origin = 'S'
)

type Result struct {
	Status     Status
	Version    uint64
	Content    string
	RetryAfter time.Duration
}

type Snapshot struct {
	Exists  bool
	Version uint64
	Origin  Origin
	At      time.Time
	Content string
}

// ContentProvider exposes the live replica content for documents whose
// last write came from the sync path.
type ContentProvider interface {
	LiveContent(doc string) (string, bool)
}

// Store keeps fallback version records in the shared pebble store.
// Key layout:
//
//	'F' doc            -> V(ver8) O(origin1) T(ts8) C(content)
//	'G' doc 0x00 ver8  -> same shape; point-in-time copy before overwrite
//	'K' doc 0x00 key   -> V(ver8) H(payload xxhash8)
type Store struct {
	db       *pebble.DB
	log      utils.Logger
	limits   *Limiter
	locks    *xsync.MapOf[string, chan struct{}]
	lockWait time.Duration
	provider ContentProvider
}

func NewStore(db *pebble.DB, log utils.Logger, limits *Limiter, lockWait time.Duration) *Store {
	return &Store{
		db:       db,
		log:      log,
		limits:   limits,
		locks:    xsync.NewMapOf[string, chan struct{}](),
		lockWait: lockWait,
	}
}

// SetContentProvider wires the live replica lookup; done after engine
// construction since the engine also needs the store.
func (s *Store) SetContentProvider(p ContentProvider) {
	s.provider = p
}

func fKey(doc string) []byte { return append([]byte{'F'}, doc...) }

func gKey(doc string, ver uint64) []byte {
	key := append([]byte{'G'}, doc...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, ver)
}

func kKey(doc, idem string) []byte {
	key := append([]byte{'K'}, doc...)
	key = append(key, 0)
	return append(key, idem...)
}

func checkDocID(doc string) error {
	for i := 0; i < len(doc); i++ {
		if doc[i] == 0 {
			return ErrBadDocID
		}
	}
	return nil
}

func uint64Bytes(n uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, n)
}

func snapshotBytes(snap Snapshot) []byte {
	val := toytlv.Record('V', uint64Bytes(snap.Version))
	val = append(val, toytlv.Record('O', []byte{byte(snap.Origin)})...)
	val = append(val, toytlv.Record('T', uint64Bytes(uint64(snap.At.UnixMilli())))...)
	val = append(val, toytlv.Record('C', []byte(snap.Content))...)
	return val
}

func parseSnapshot(val []byte) (Snapshot, error) {
	ver, rest, err := toytlv.TakeWary('V', val)
	if err != nil || len(ver) != 8 {
		return Snapshot{}, ErrBadRecord
	}
	origin, rest, err := toytlv.TakeWary('O', rest)
	if err != nil || len(origin) != 1 {
		return Snapshot{}, ErrBadRecord
	}
	ts, rest, err := toytlv.TakeWary('T', rest)
	if err != nil || len(ts) != 8 {
		return Snapshot{}, ErrBadRecord
	}
	content, rest, err := toytlv.TakeWary('C', rest)
	if err != nil || len(rest) != 0 {
		return Snapshot{}, ErrBadRecord
	}
	return Snapshot{
		Exists:  true,
		Version: binary.BigEndian.Uint64(ver),
		Origin:  Origin(origin[0]),
		At:      time.UnixMilli(int64(binary.BigEndian.Uint64(ts))),
		Content: string(content),
	}, nil
}

func (s *Store) lockChan(doc string) chan struct{} {
	ch, _ := s.locks.LoadOrCompute(doc, func() chan struct{} {
		return make(chan struct{}, 1)
	})
	return ch
}

// acquire takes the per-document write lock with a bounded wait.
func (s *Store) acquire(ctx context.Context, doc string) bool {
	return s.acquireFor(ctx, doc, s.lockWait)
}

func (s *Store) acquireFor(ctx context.Context, doc string, wait time.Duration) bool {
	ch := s.lockChan(doc)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Store) release(doc string) {
	<-s.lockChan(doc)
}

func (s *Store) readSnapshot(doc string) (Snapshot, error) {
	val, clo, err := s.db.Get(fKey(doc))
	if errors.Is(err, pebble.ErrNotFound) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	snap, err := parseSnapshot(val)
	_ = clo.Close()
	return snap, err
}

// Current returns the reconciled snapshot: the stored record, with
// content sourced from the live replica when the last write came from
// the sync path.
func (s *Store) Current(doc string) (Snapshot, error) {
	if err := checkDocID(doc); err != nil {
		return Snapshot{}, err
	}
	snap, err := s.readSnapshot(doc)
	if err != nil || !snap.Exists {
		return snap, err
	}
	if snap.Origin == OriginSync && s.provider != nil {
		if live, ok := s.provider.LiveContent(doc); ok {
			snap.Content = live
		}
	}
	return snap, nil
}

type idemRecord struct {
	version uint64
	hash    uint64
}

func (s *Store) readIdem(doc, idem string) (idemRecord, bool, error) {
	val, clo, err := s.db.Get(kKey(doc, idem))
	if errors.Is(err, pebble.ErrNotFound) {
		return idemRecord{}, false, nil
	}
	if err != nil {
		return idemRecord{}, false, err
	}
	defer func() { _ = clo.Close() }()

	ver, rest, err := toytlv.TakeWary('V', val)
	if err != nil || len(ver) != 8 {
		return idemRecord{}, false, ErrBadRecord
	}
	hash, rest, err := toytlv.TakeWary('H', rest)
	if err != nil || len(hash) != 8 || len(rest) != 0 {
		return idemRecord{}, false, ErrBadRecord
	}
	return idemRecord{
		version: binary.BigEndian.Uint64(ver),
		hash:    binary.BigEndian.Uint64(hash),
	}, true, nil
}

// ApplyChange persists a whole-document snapshot under compare-and-swap.
//
// Order of checks: idempotency replay (free of charge), rate ceilings,
// bounded lock wait, version CAS. A conflict result carries the current
// authoritative version and content so the caller can merge or
// overwrite explicitly; it is never resolved server-side.
func (s *Store) ApplyChange(ctx context.Context, doc, principal, content string, baseVersion uint64, idemKey string) (Result, error) {
	if err := checkDocID(doc); err != nil {
		return Result{}, err
	}
	payloadHash := xxhash.Sum64String(content)

	if idemKey != "" {
		prior, ok, err := s.readIdem(doc, idemKey)
		if err != nil {
			return Result{}, err
		}
		if ok {
			if prior.hash != payloadHash {
				return Result{}, ErrIdemMismatch
			}
			return Result{Status: StatusApplied, Version: prior.version, Content: content}, nil
		}
	}

	if ok, retryAfter := s.limits.Allow(principal, doc); !ok {
		return Result{Status: StatusRateLimited, RetryAfter: retryAfter}, nil
	}

	if !s.acquire(ctx, doc) {
		return Result{Status: StatusBusy, RetryAfter: s.lockWait}, nil
	}
	defer s.release(doc)

	snap, err := s.readSnapshot(doc)
	if err != nil {
		return Result{}, err
	}
	if snap.Version != baseVersion {
		cur := snap
		if cur.Origin == OriginSync && s.provider != nil {
			if live, ok := s.provider.LiveContent(doc); ok {
				cur.Content = live
			}
		}
		return Result{Status: StatusConflict, Version: cur.Version, Content: cur.Content}, nil
	}

	next := Snapshot{
		Exists:  true,
		Version: snap.Version + 1,
		Origin:  OriginFallback,
		At:      time.Now(),
		Content: content,
	}

	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()
	if snap.Exists {
		// point-in-time copy of what we are about to overwrite
		_ = batch.Set(gKey(doc, snap.Version), snapshotBytes(snap), nil)
	}
	_ = batch.Set(fKey(doc), snapshotBytes(next), nil)
	if idemKey != "" {
		idem := toytlv.Record('V', uint64Bytes(next.Version))
		idem = append(idem, toytlv.Record('H', uint64Bytes(payloadHash))...)
		_ = batch.Set(kKey(doc, idemKey), idem, nil)
	}
	if err = s.db.Apply(batch, &pebble.WriteOptions{Sync: true}); err != nil {
		return Result{}, fmt.Errorf("fallback write: %w", err)
	}
	return Result{Status: StatusApplied, Version: next.Version, Content: content}, nil
}

// noteSyncWait caps how long the engine's hot path blocks on an
// in-flight fallback write. Long enough to outlast a normal CAS batch,
// short enough not to stall update fanout.
const noteSyncWait = 250 * time.Millisecond

// NoteSyncWrite records that the sync path produced new authoritative
// content, bumping the version so stale fallback writers conflict. It
// waits briefly for an in-flight fallback write instead of skipping,
// so a concurrent fallback writer cannot observe an un-bumped version.
func (s *Store) NoteSyncWrite(doc string) (uint64, error) {
	if err := checkDocID(doc); err != nil {
		return 0, err
	}
	if !s.acquireFor(context.Background(), doc, noteSyncWait) {
		return 0, nil
	}
	defer s.release(doc)

	snap, err := s.readSnapshot(doc)
	if err != nil {
		return 0, err
	}
	content := snap.Content
	if s.provider != nil {
		if live, ok := s.provider.LiveContent(doc); ok {
			content = live
		}
	}
	next := Snapshot{
		Exists:  true,
		Version: snap.Version + 1,
		Origin:  OriginSync,
		At:      time.Now(),
		Content: content,
	}
	if err = s.db.Set(fKey(doc), snapshotBytes(next), &pebble.WriteOptions{Sync: false}); err != nil {
		return 0, err
	}
	return next.Version, nil
}

// History returns the point-in-time copy stored before the write that
// replaced the given version, if any.
func (s *Store) History(doc string, version uint64) (Snapshot, error) {
	if err := checkDocID(doc); err != nil {
		return Snapshot{}, err
	}
	val, clo, err := s.db.Get(gKey(doc, version))
	if errors.Is(err, pebble.ErrNotFound) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	snap, err := parseSnapshot(val)
	_ = clo.Close()
	return snap, err
}
