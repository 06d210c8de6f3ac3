package fallback

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/cjliu2003/writersroom-sub006/utils"
)

func openLimits() Limits {
	l := DefaultLimits()
	l.PerDocRate = rate.Inf
	l.GlobalRate = rate.Inf
	l.PerDocBurst = 1000
	l.GlobalBurst = 1000
	return l
}

func newTestStore(t *testing.T, limits Limits) *Store {
	t.Helper()
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.Nil(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, utils.NopLogger{}, NewLimiter(limits), 100*time.Millisecond)
}

type fakeProvider map[string]string

func (p fakeProvider) LiveContent(doc string) (string, bool) {
	s, ok := p[doc]
	return s, ok
}

func TestCASApplyAndConflict(t *testing.T) {
	s := newTestStore(t, openLimits())
	ctx := context.Background()

	res, err := s.ApplyChange(ctx, "ep1", "alice", "FADE IN:", 0, "")
	require.Nil(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Equal(t, uint64(1), res.Version)

	res, err = s.ApplyChange(ctx, "ep1", "alice", "FADE IN:\n\nINT. ROOM", 1, "")
	require.Nil(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Equal(t, uint64(2), res.Version)

	// a writer who still believes version 1 must see a conflict
	// carrying the authoritative version 2 content, never a silent win
	res, err = s.ApplyChange(ctx, "ep1", "bob", "something else", 1, "")
	require.Nil(t, err)
	assert.Equal(t, StatusConflict, res.Status)
	assert.Equal(t, uint64(2), res.Version)
	assert.Equal(t, "FADE IN:\n\nINT. ROOM", res.Content)

	// the overwritten version was copied aside first
	hist, err := s.History("ep1", 1)
	require.Nil(t, err)
	assert.True(t, hist.Exists)
	assert.Equal(t, "FADE IN:", hist.Content)

	cur, err := s.Current("ep1")
	require.Nil(t, err)
	assert.Equal(t, uint64(2), cur.Version)
	assert.Equal(t, OriginFallback, cur.Origin)
}

func TestIdempotencyKeyDedup(t *testing.T) {
	s := newTestStore(t, openLimits())
	ctx := context.Background()

	first, err := s.ApplyChange(ctx, "ep1", "alice", "draft one", 0, "op-123")
	require.Nil(t, err)
	assert.Equal(t, StatusApplied, first.Status)

	replay, err := s.ApplyChange(ctx, "ep1", "alice", "draft one", 0, "op-123")
	require.Nil(t, err)
	assert.Equal(t, first, replay, "replay returns the prior result unchanged")

	cur, err := s.Current("ep1")
	require.Nil(t, err)
	assert.Equal(t, uint64(1), cur.Version, "only one version increment")

	// same key, different payload is a caller bug, not a replay
	_, err = s.ApplyChange(ctx, "ep1", "alice", "draft two", 0, "op-123")
	assert.Equal(t, ErrIdemMismatch, err)
}

func TestRateCeilings(t *testing.T) {
	limits := openLimits()
	limits.PerDocRate = rate.Every(time.Hour)
	limits.PerDocBurst = 1
	s := newTestStore(t, limits)
	ctx := context.Background()

	res, err := s.ApplyChange(ctx, "ep1", "alice", "a", 0, "")
	require.Nil(t, err)
	assert.Equal(t, StatusApplied, res.Status)

	res, err = s.ApplyChange(ctx, "ep1", "alice", "b", 1, "")
	require.Nil(t, err)
	assert.Equal(t, StatusRateLimited, res.Status)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	// another principal is not affected
	res, err = s.ApplyChange(ctx, "ep1", "bob", "b", 1, "")
	require.Nil(t, err)
	assert.Equal(t, StatusApplied, res.Status)
}

func TestBoundedLockWait(t *testing.T) {
	s := newTestStore(t, openLimits())
	ctx := context.Background()

	// park a writer on the document lock
	s.lockChan("ep1") <- struct{}{}
	defer s.release("ep1")

	res, err := s.ApplyChange(ctx, "ep1", "alice", "x", 0, "")
	require.Nil(t, err)
	assert.Equal(t, StatusBusy, res.Status)
}

func TestSyncWriteWaitsForFallbackLock(t *testing.T) {
	s := newTestStore(t, openLimits())

	// a fallback write is mid-flight; the sync-path bump must outwait
	// it rather than silently leaving the version untouched
	s.lockChan("ep1") <- struct{}{}
	go func() {
		time.Sleep(50 * time.Millisecond)
		s.release("ep1")
	}()

	ver, err := s.NoteSyncWrite("ep1")
	require.Nil(t, err)
	assert.Equal(t, uint64(1), ver)

	snap, err := s.Current("ep1")
	require.Nil(t, err)
	assert.Equal(t, OriginSync, snap.Origin)
}

func TestSyncWritePrecedence(t *testing.T) {
	s := newTestStore(t, openLimits())
	ctx := context.Background()

	res, err := s.ApplyChange(ctx, "ep1", "alice", "fallback draft", 0, "")
	require.Nil(t, err)
	require.Equal(t, uint64(1), res.Version)

	live := fakeProvider{"ep1": "replica draft"}
	s.SetContentProvider(live)

	ver, err := s.NoteSyncWrite("ep1")
	require.Nil(t, err)
	assert.Equal(t, uint64(2), ver)

	// readers now get the replica's content
	cur, err := s.Current("ep1")
	require.Nil(t, err)
	assert.Equal(t, OriginSync, cur.Origin)
	assert.Equal(t, "replica draft", cur.Content)

	// a fallback writer who read version 1 cannot clobber the sync
	// write; the conflict hands back the replica content
	res, err = s.ApplyChange(ctx, "ep1", "alice", "stale overwrite", 1, "")
	require.Nil(t, err)
	assert.Equal(t, StatusConflict, res.Status)
	assert.Equal(t, uint64(2), res.Version)
	assert.Equal(t, "replica draft", res.Content)

	// observing the conflict and retrying on top of it succeeds
	res, err = s.ApplyChange(ctx, "ep1", "alice", "merged", 2, "")
	require.Nil(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Equal(t, uint64(3), res.Version)
}
