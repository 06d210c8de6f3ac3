package journal

import (
	"fmt"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjliu2003/writersroom-sub006/replica"
	"github.com/cjliu2003/writersroom-sub006/utils"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.Nil(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, utils.NopLogger{})
}

func makeDeltas(t *testing.T, n int) [][]byte {
	t.Helper()
	doc := automerge.New()
	deltas := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		require.Nil(t, doc.Path(fmt.Sprintf("k%d", i)).Set(i))
		deltas = append(deltas, doc.SaveIncremental())
	}
	return deltas
}

// foldWithReplica is the fold the engine passes to Compact: hydrate a
// scratch replica and re-encode its full state as one delta.
func foldWithReplica(deltas [][]byte) ([]byte, error) {
	scratch := replica.New()
	for _, d := range deltas {
		if err := scratch.Apply(d); err != nil {
			return nil, err
		}
	}
	return scratch.FullState(), nil
}

func TestAppendReplay(t *testing.T) {
	j := newTestJournal(t)

	deltas := makeDeltas(t, 3)
	for i, d := range deltas {
		seq, err := j.Append("script-1", "alice", d)
		assert.Nil(t, err)
		assert.Equal(t, uint64(i+1), seq)
	}

	entries, err := j.Replay("script-1")
	assert.Nil(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, "alice", e.Author)
		assert.Equal(t, deltas[i], e.Delta)
		assert.False(t, e.At.IsZero())
	}

	n, err := j.Len("script-1")
	assert.Nil(t, err)
	assert.Equal(t, 3, n)

	// other documents are untouched
	entries, err = j.Replay("script-2")
	assert.Nil(t, err)
	assert.Empty(t, entries)
}

func TestAppendValidation(t *testing.T) {
	j := newTestJournal(t)

	_, err := j.Append("bad\x00doc", "a", []byte("x"))
	assert.Equal(t, ErrBadDocID, err)

	_, err = j.Append("doc", "a", nil)
	assert.Equal(t, ErrEmptyDelta, err)
}

func TestCompactEquivalence(t *testing.T) {
	j := newTestJournal(t)

	deltas := makeDeltas(t, 6)
	for _, d := range deltas {
		_, err := j.Append("script-1", "alice", d)
		require.Nil(t, err)
	}

	before := replica.New()
	for _, d := range deltas {
		require.Nil(t, before.Apply(d))
	}

	retried, err := j.Compact("script-1", foldWithReplica)
	assert.Nil(t, err)
	assert.Equal(t, 0, retried)

	entries, err := j.Replay("script-1")
	assert.Nil(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, CompactionAuthor, entries[0].Author)
	// sequence numbering continues past the folded entries
	assert.Equal(t, uint64(7), entries[0].Seq)

	after := replica.New()
	require.Nil(t, after.Apply(entries[0].Delta))
	assert.Equal(t, before.StateVector(), after.StateVector())

	// appends after compaction pick up where the log left off
	more := makeDeltas(t, 1)
	seq, err := j.Append("script-1", "bob", more[0])
	assert.Nil(t, err)
	assert.Equal(t, uint64(8), seq)
}

func TestCompactNoopOnShortLog(t *testing.T) {
	j := newTestJournal(t)
	d := makeDeltas(t, 1)
	_, err := j.Append("script-1", "alice", d[0])
	require.Nil(t, err)

	retried, err := j.Compact("script-1", foldWithReplica)
	assert.Nil(t, err)
	assert.Equal(t, 0, retried)

	entries, err := j.Replay("script-1")
	assert.Nil(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Author)
}

func TestCompactRetriesOnConcurrentAppend(t *testing.T) {
	j := newTestJournal(t)

	deltas := makeDeltas(t, 4)
	for _, d := range deltas[:3] {
		_, err := j.Append("script-1", "alice", d)
		require.Nil(t, err)
	}

	raced := false
	j.compactHook = func() {
		if raced {
			return
		}
		raced = true
		_, err := j.Append("script-1", "bob", deltas[3])
		require.Nil(t, err)
	}

	retried, err := j.Compact("script-1", foldWithReplica)
	assert.Nil(t, err)
	assert.Equal(t, 1, retried, "one retry after losing to the append")

	// nothing was dropped: the folded entry covers the racing delta too
	entries, err := j.Replay("script-1")
	assert.Nil(t, err)
	require.Len(t, entries, 1)

	want := replica.New()
	for _, d := range deltas {
		require.Nil(t, want.Apply(d))
	}
	got := replica.New()
	require.Nil(t, got.Apply(entries[0].Delta))
	assert.Equal(t, want.StateVector(), got.StateVector())
}
