package nameserver

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipConfig configures the clustered name-server mode: InMemory stays
// the lookup table, but range assignments propagate to peers over
// memberlist instead of being process-local only. Grounded on
// storage-node/internal/service/gossip_service.go's Delegate/EventDelegate
// shape.
type GossipConfig struct {
	NodeID        string
	BindPort      int
	SeedNodes     []string
	GossipEvery   time.Duration
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

func (c *GossipConfig) setDefaults() {
	if c.GossipEvery == 0 {
		c.GossipEvery = 200 * time.Millisecond
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 500 * time.Millisecond
	}
}

// tableState is what a Gossip member broadcasts: the full snapshot of its
// locally known ranges and replica sets.
type tableState struct {
	Ranges map[string][]rangeWire `json:"ranges"`
	Shards map[string]*ReplicaSet `json:"shards"`
}

type rangeWire struct {
	LowerBound uint64 `json:"lower_bound"`
	ShardID    string `json:"shard_id"`
}

// Gossip wraps an InMemory name server and keeps it synchronized with
// peers via memberlist, so a multi-process deployment sees range changes
// made on any one node (spec.md §6 "Replicas are discovered from the
// name-server tree").
type Gossip struct {
	store  *InMemory
	ml     *memberlist.Memberlist
	logger *zap.Logger
}

// NewGossip starts a memberlist node bound to cfg and joins cfg.SeedNodes.
// The returned Gossip delegates lookups to store.
func NewGossip(cfg GossipConfig, store *InMemory, logger *zap.Logger) (*Gossip, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewInMemory(nil)
	}

	g := &Gossip{store: store, logger: logger}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.GossipInterval = cfg.GossipEvery
	mlConfig.ProbeInterval = cfg.ProbeInterval
	mlConfig.ProbeTimeout = cfg.ProbeTimeout
	mlConfig.Delegate = g
	mlConfig.Events = &gossipEvents{g: g}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("nameserver: failed to create memberlist: %w", err)
	}
	g.ml = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("nameserver: failed to join some seed nodes", zap.Error(err))
		}
	}
	return g, nil
}

// Lookup delegates to the wrapped InMemory store.
func (g *Gossip) Lookup(tableID, timeline string) (*ReplicaSet, error) {
	return g.store.Lookup(tableID, timeline)
}

// AddRange registers a range locally; it is propagated to peers on the
// next memberlist push/pull state sync via LocalState/MergeRemoteState.
func (g *Gossip) AddRange(tableID string, lowerBound uint64, shardID string, replicas []string) {
	g.store.AddRange(tableID, lowerBound, shardID, replicas)
}

// snapshot serializes the wrapped store's full state for gossip exchange.
func (g *Gossip) snapshot() tableState {
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()

	st := tableState{
		Ranges: make(map[string][]rangeWire, len(g.store.tables)),
		Shards: make(map[string]*ReplicaSet, len(g.store.shards)),
	}
	for table, entries := range g.store.tables {
		wire := make([]rangeWire, len(entries))
		for i, e := range entries {
			wire[i] = rangeWire{LowerBound: e.lowerBound, ShardID: e.shardID}
		}
		st.Ranges[table] = wire
	}
	for shardID, rs := range g.store.shards {
		st.Shards[shardID] = rs
	}
	return st
}

// merge absorbs a peer's snapshot: any range or replica set not already
// known locally is adopted. Conflicting range reassignments favor the
// remote snapshot, matching memberlist's last-writer-wins gossip model.
func (g *Gossip) merge(st tableState) {
	for shardID, rs := range st.Shards {
		g.store.mu.Lock()
		g.store.shards[shardID] = rs
		g.store.mu.Unlock()
	}
	for table, wire := range st.Ranges {
		for _, w := range wire {
			g.store.AddRange(table, w.LowerBound, w.ShardID, rsReplicas(st, w.ShardID))
		}
	}
}

func rsReplicas(st tableState, shardID string) []string {
	if rs, ok := st.Shards[shardID]; ok {
		return rs.Replicas
	}
	return nil
}

// NodeMeta implements memberlist.Delegate.
func (g *Gossip) NodeMeta(limit int) []byte { return nil }

// NotifyMsg implements memberlist.Delegate; unused, state travels via
// LocalState/MergeRemoteState instead of point-to-point messages.
func (g *Gossip) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate.
func (g *Gossip) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate: the full table snapshot,
// exchanged on each periodic push/pull state sync and at join time.
func (g *Gossip) LocalState(join bool) []byte {
	data, err := json.Marshal(g.snapshot())
	if err != nil {
		g.logger.Warn("nameserver: failed to marshal local state", zap.Error(err))
		return nil
	}
	return data
}

// MergeRemoteState implements memberlist.Delegate.
func (g *Gossip) MergeRemoteState(buf []byte, join bool) {
	var st tableState
	if err := json.Unmarshal(buf, &st); err != nil {
		g.logger.Warn("nameserver: failed to unmarshal remote state", zap.Error(err))
		return
	}
	g.merge(st)
}

// Shutdown leaves the memberlist cluster.
func (g *Gossip) Shutdown() error {
	return g.ml.Shutdown()
}

type gossipEvents struct {
	g *Gossip
}

func (e *gossipEvents) NotifyJoin(node *memberlist.Node) {
	e.g.logger.Info("nameserver: peer joined", zap.String("node", node.Name))
}

func (e *gossipEvents) NotifyLeave(node *memberlist.Node) {
	e.g.logger.Info("nameserver: peer left", zap.String("node", node.Name))
}

func (e *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	e.g.logger.Debug("nameserver: peer updated", zap.String("node", node.Name))
}
