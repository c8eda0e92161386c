package subinode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactIndex_AddGetAt(t *testing.T) {
	idx := NewCompactIndex()

	o1 := testOutpoint(1)
	o2 := testOutpoint(2)

	i1 := idx.Add(o1)
	i2 := idx.Add(o2)
	assert.NotEqual(t, i1, i2)

	got, ok := idx.Get(o1)
	require.True(t, ok)
	assert.Equal(t, i1, got)

	back, ok := idx.At(i2)
	require.True(t, ok)
	assert.Equal(t, o2, back)

	assert.Equal(t, 2, idx.Len())
}

func TestCompactIndex_AddIsIdempotent(t *testing.T) {
	idx := NewCompactIndex()

	o1 := testOutpoint(1)
	i1 := idx.Add(o1)
	i1again := idx.Add(o1)

	assert.Equal(t, i1, i1again)
	assert.Equal(t, 1, idx.Len())
}

func TestCompactIndex_RemoveLeavesHole(t *testing.T) {
	idx := NewCompactIndex()

	o1 := testOutpoint(1)
	idx.Add(o1)
	idx.Remove(o1)

	_, ok := idx.Get(o1)
	assert.False(t, ok)
	assert.Equal(t, 0, idx.Len())
}

func TestCompactIndex_ShouldRebuild(t *testing.T) {
	idx := NewCompactIndex()

	now := time.Unix(1_700_000_000, 0)

	for i := byte(0); i < 20; i++ {
		idx.Add(testOutpoint(i))
	}

	// No holes yet: rebuilding isn't justified.
	assert.False(t, idx.ShouldRebuild(now, 20))

	for i := byte(0); i < 12; i++ {
		idx.Remove(testOutpoint(i))
	}

	// 20 slots in the index, 8 live: margin is well exceeded, and no
	// rebuild has happened yet so the time gate passes immediately.
	assert.True(t, idx.ShouldRebuild(now, 8))

	idx.Rebuild(now, []Outpoint{testOutpoint(12), testOutpoint(13)})
	assert.Equal(t, 2, idx.Len())

	// Right after a rebuild, the time gate blocks a second one even
	// though the hole margin (trivially 0) wouldn't anyway.
	assert.False(t, idx.ShouldRebuild(now.Add(time.Second), 2))
}
