package nameserver

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteSwapHashSpreadsSequentialNames(t *testing.T) {
	h1 := ByteSwapHash("home:1")
	h2 := ByteSwapHash("home:2")
	assert.NotEqual(t, h1, h2)
}

func TestLookupResolvesToOwningRange(t *testing.T) {
	n := NewInMemory(func(timeline string) uint64 {
		switch timeline {
		case "low":
			return 10
		case "mid":
			return 500
		case "high":
			return math.MaxUint64 - 1
		}
		return 0
	})
	n.AddRange("timelines", 0, "shard-a", []string{"hostA1", "hostA2"})
	n.AddRange("timelines", 1000, "shard-b", []string{"hostB1"})

	rs, err := n.Lookup("timelines", "low")
	require.NoError(t, err)
	assert.Equal(t, "shard-a", rs.ShardID)

	rs, err = n.Lookup("timelines", "mid")
	require.NoError(t, err)
	assert.Equal(t, "shard-a", rs.ShardID)

	rs, err = n.Lookup("timelines", "high")
	require.NoError(t, err)
	assert.Equal(t, "shard-b", rs.ShardID)
}

func TestLookupWrapsWhenHashIsBelowEveryRange(t *testing.T) {
	n := NewInMemory(func(string) uint64 { return 5 })
	n.AddRange("t", 100, "shard-only", []string{"h1"})

	rs, err := n.Lookup("t", "anything")
	require.NoError(t, err)
	assert.Equal(t, "shard-only", rs.ShardID)
}

func TestLookupUnknownTableErrors(t *testing.T) {
	n := NewInMemory(nil)
	_, err := n.Lookup("nope", "x")
	assert.Error(t, err)
}

func TestRemoveShardDropsItFromEveryTable(t *testing.T) {
	n := NewInMemory(func(string) uint64 { return 0 })
	n.AddRange("t", 0, "shard-a", []string{"h1"})
	n.AddRange("t", 50, "shard-b", []string{"h2"})

	n.RemoveShard("shard-a")
	rs, err := n.Lookup("t", "x")
	require.NoError(t, err)
	assert.Equal(t, "shard-b", rs.ShardID)
}
