package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateListRemove(t *testing.T) {
	r := NewRegistry(30 * time.Second)

	r.Update("doc", "c1", "alice", []byte(`{"cursor":1}`))
	r.Update("doc", "c2", "bob", []byte(`{"cursor":9}`))
	r.Update("doc", "c1", "alice", []byte(`{"cursor":3}`))

	recs := r.List("doc")
	require.Len(t, recs, 2)
	byConn := map[string]Record{}
	for _, rec := range recs {
		byConn[rec.Conn] = rec
	}
	assert.Equal(t, "alice", byConn["c1"].Principal)
	assert.Equal(t, []byte(`{"cursor":3}`), byConn["c1"].Payload)

	assert.True(t, r.Remove("doc", "c1"))
	assert.False(t, r.Remove("doc", "c1"))
	assert.Len(t, r.List("doc"), 1)

	assert.Empty(t, r.List("other"))
}

func TestTouchKeepsRecordFresh(t *testing.T) {
	r := NewRegistry(50 * time.Millisecond)

	r.Update("doc", "c1", "alice", nil)
	assert.True(t, r.Touch("doc", "c1"))
	assert.False(t, r.Touch("doc", "nope"))

	// a connection sending only keepalives stays present far beyond
	// the ttl, as long as the touches keep coming
	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		assert.True(t, r.Touch("doc", "c1"))
		assert.Empty(t, r.SweepExpired(time.Now()))
	}
	assert.Len(t, r.List("doc"), 1)
}

func TestSweepExpired(t *testing.T) {
	r := NewRegistry(30 * time.Second)

	r.Update("doc", "stale", "alice", []byte("x"))
	r.Update("doc", "fresh", "bob", nil)
	r.Update("other", "stale2", "eve", nil)

	// nothing expires at the current clock
	assert.Empty(t, r.SweepExpired(time.Now()))

	// past the ttl everything stamped "now" goes stale
	expired := r.SweepExpired(time.Now().Add(31 * time.Second))
	require.Len(t, expired["doc"], 2)
	require.Len(t, expired["other"], 1)
	assert.Empty(t, r.List("doc"))
}
