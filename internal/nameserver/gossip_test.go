package nameserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestGossipSnapshotRoundTripsIntoAnotherStore(t *testing.T) {
	src := &Gossip{store: NewInMemory(func(string) uint64 { return 0 }), logger: zap.NewNop()}
	src.AddRange("t", 0, "shard-a", []string{"h1", "h2"})
	src.AddRange("t", 100, "shard-b", []string{"h3"})

	dst := &Gossip{store: NewInMemory(func(string) uint64 { return 0 }), logger: zap.NewNop()}
	dst.merge(src.snapshot())

	rs, err := dst.Lookup("t", "anything")
	assert.NoError(t, err)
	assert.Equal(t, "shard-a", rs.ShardID)
	assert.Equal(t, []string{"h1", "h2"}, rs.Replicas)
}
