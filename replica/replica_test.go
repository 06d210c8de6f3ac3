package replica

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
)

// authorDeltas makes n independent edits on a scratch doc and returns
// one delta per edit, in causal order.
func authorDeltas(t *testing.T, scratch *automerge.Doc, field string, n int) [][]byte {
	t.Helper()
	deltas := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		err := scratch.Path(fmt.Sprintf("%s%d", field, i)).Set(i)
		assert.Nil(t, err)
		deltas = append(deltas, scratch.SaveIncremental())
	}
	return deltas
}

func svSet(sv []byte) map[string]bool {
	set := map[string]bool{}
	for i := 0; i < len(sv); i += hashLen {
		set[string(sv[i:i+hashLen])] = true
	}
	return set
}

func TestApplyIdempotent(t *testing.T) {
	deltas := authorDeltas(t, automerge.New(), "scene", 3)

	once := New()
	twice := New()
	for _, d := range deltas {
		assert.Nil(t, once.Apply(d))
		assert.Nil(t, twice.Apply(d))
		assert.Nil(t, twice.Apply(d))
	}
	assert.Equal(t, svSet(once.StateVector()), svSet(twice.StateVector()))
}

func TestConvergenceRandomInterleaving(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		a := authorDeltas(t, automerge.New(), "a", 5)
		b := authorDeltas(t, automerge.New(), "b", 5)

		interleave := func() [][]byte {
			ai, bi := 0, 0
			var out [][]byte
			for ai < len(a) || bi < len(b) {
				if bi == len(b) || (ai < len(a) && rng.Intn(2) == 0) {
					out = append(out, a[ai])
					ai++
				} else {
					out = append(out, b[bi])
					bi++
				}
			}
			return out
		}

		one := New()
		two := New()
		for _, d := range interleave() {
			assert.Nil(t, one.Apply(d))
		}
		for _, d := range interleave() {
			assert.Nil(t, two.Apply(d))
		}
		// redeliver a few duplicates for good measure
		assert.Nil(t, two.Apply(a[0]))
		assert.Nil(t, two.Apply(b[len(b)-1]))

		assert.Equal(t, svSet(one.StateVector()), svSet(two.StateVector()))
	}
}

func TestDiffSinceCatchesUpPeer(t *testing.T) {
	deltas := authorDeltas(t, automerge.New(), "line", 4)

	ahead := New()
	behind := New()
	for _, d := range deltas {
		assert.Nil(t, ahead.Apply(d))
	}
	assert.Nil(t, behind.Apply(deltas[0]))

	diff, err := ahead.DiffSince(behind.StateVector())
	assert.Nil(t, err)
	assert.NotEmpty(t, diff)
	assert.Nil(t, behind.Apply(diff))
	assert.Equal(t, svSet(ahead.StateVector()), svSet(behind.StateVector()))

	// caught-up peer gets an empty diff
	diff, err = ahead.DiffSince(behind.StateVector())
	assert.Nil(t, err)
	assert.Empty(t, diff)
}

func TestDiffSinceEmptyVector(t *testing.T) {
	ahead := New()
	for _, d := range authorDeltas(t, automerge.New(), "x", 2) {
		assert.Nil(t, ahead.Apply(d))
	}
	diff, err := ahead.DiffSince(nil)
	assert.Nil(t, err)

	fresh := New()
	assert.Nil(t, fresh.Apply(diff))
	assert.Equal(t, svSet(ahead.StateVector()), svSet(fresh.StateVector()))
}

func TestBadInput(t *testing.T) {
	rep := New()
	assert.ErrorIs(t, rep.Apply([]byte("not a delta")), ErrBadDelta)

	_, err := rep.DiffSince([]byte("short"))
	assert.Equal(t, ErrBadStateVector, err)
}

func TestSeedContent(t *testing.T) {
	rep := New()
	seed, err := rep.SeedContent("INT. WRITERS ROOM - DAY")
	assert.Nil(t, err)
	assert.NotEmpty(t, seed)
	assert.Equal(t, "INT. WRITERS ROOM - DAY", rep.Content())

	// the seed delta hydrates a fresh replica to the same state
	other := New()
	assert.Nil(t, other.Apply(seed))
	assert.Equal(t, "INT. WRITERS ROOM - DAY", other.Content())
}

func TestManagerRefcount(t *testing.T) {
	m := NewManager()
	hydrations := 0
	hydrate := func(rep *Replica) error {
		hydrations++
		_, err := rep.SeedContent("hello")
		return err
	}

	one, err := m.Acquire("doc-1", hydrate)
	assert.Nil(t, err)
	two, err := m.Acquire("doc-1", hydrate)
	assert.Nil(t, err)
	assert.Same(t, one, two)
	assert.Equal(t, 1, hydrations)

	m.Release("doc-1")
	assert.NotNil(t, m.Peek("doc-1"), "still one holder")
	m.Release("doc-1")
	assert.Nil(t, m.Peek("doc-1"), "state lives in the journal now")

	again, err := m.Acquire("doc-1", hydrate)
	assert.Nil(t, err)
	assert.NotSame(t, one, again)
	assert.Equal(t, 2, hydrations)
}
