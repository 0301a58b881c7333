package kex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplayCacheDetectsRepeat(t *testing.T) {
	c := newReplayCache(4)
	var d [32]byte
	d[0] = 1

	require.False(t, c.seen(d), "first sighting is never a replay")
	require.True(t, c.seen(d), "second sighting of the same digest is a replay")
}

func TestReplayCacheEvictsOldestBeyondCapacity(t *testing.T) {
	c := newReplayCache(2)
	var d1, d2, d3 [32]byte
	d1[0], d2[0], d3[0] = 1, 2, 3

	require.False(t, c.seen(d1))
	require.False(t, c.seen(d2))
	require.False(t, c.seen(d3)) // evicts d1

	require.True(t, c.seen(d2), "d2 is still within capacity and was touched more recently")
	require.False(t, c.seen(d1), "d1 was evicted, so it reads as unseen again")
}
