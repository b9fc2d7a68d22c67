package consensus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/hyra-network/scribe-ledger/pkg/errdefs"
	"github.com/hyra-network/scribe-ledger/pkg/log"
	"github.com/hyra-network/scribe-ledger/pkg/raftstore"
	"github.com/hyra-network/scribe-ledger/pkg/types"
)

const (
	transportPoolSize = 5
	transportTimeout  = 10 * time.Second
	retainedSnapshots = 2
)

// Options tunes the raft node.
type Options struct {
	NodeID   uint64
	RaftAddr string
	DataDir  string

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	MaxPayloadEntries  int
	SnapshotThreshold  uint64
	TrailingLogs       uint64

	// DefaultApplyTimeout is the raft enqueue timeout for client_write
	// when the caller's context carries no deadline. The wait for commit
	// after the entry is enqueued is not bounded by it.
	DefaultApplyTimeout time.Duration
}

// Metrics is the health/metrics view of the node.
type Metrics struct {
	NodeID       uint64 `json:"node_id"`
	State        string `json:"state"`
	Term         uint64 `json:"current_term"`
	LeaderID     uint64 `json:"current_leader"`
	LeaderAddr   string `json:"leader_addr"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastApplied  uint64 `json:"last_applied"`
	CommitIndex  uint64 `json:"commit_index"`
}

// Node is the consensus control plane for one process.
type Node struct {
	opts Options

	fsm         *FSM
	logStore    *raftstore.Store
	stableStore *raftboltdb.BoltStore
	snapshots   *raft.FileSnapshotStore
	streamLayer *StreamLayer
	transport   *raft.NetworkTransport
	raft        *raft.Raft

	logger zerolog.Logger
}

// NewNode opens the persistent stores and the raft transport but does
// not start an election; call Open to start the node.
func NewNode(opts Options, fsm *FSM) (*Node, error) {
	raftDir := filepath.Join(opts.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0755); err != nil {
		return nil, fmt.Errorf("creating raft directory: %w", err)
	}

	logStore, err := raftstore.New(filepath.Join(raftDir, "raft-log.db"))
	if err != nil {
		return nil, err
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		return nil, fmt.Errorf("creating stable store: %w", err)
	}
	snapshots, err := raft.NewFileSnapshotStore(raftDir, retainedSnapshots, os.Stderr)
	if err != nil {
		logStore.Close()
		stableStore.Close()
		return nil, fmt.Errorf("creating snapshot store: %w", err)
	}

	ln, err := net.Listen("tcp", opts.RaftAddr)
	if err != nil {
		logStore.Close()
		stableStore.Close()
		return nil, fmt.Errorf("binding raft address %s: %w", opts.RaftAddr, err)
	}
	streamLayer := NewStreamLayer(ln)
	transport := raft.NewNetworkTransport(streamLayer, transportPoolSize, transportTimeout, os.Stderr)

	return &Node{
		opts:        opts,
		fsm:         fsm,
		logStore:    logStore,
		stableStore: stableStore,
		snapshots:   snapshots,
		streamLayer: streamLayer,
		transport:   transport,
		logger:      log.WithComponent("consensus"),
	}, nil
}

// HasExistingState reports whether any raft state (log, vote or
// snapshot) was persisted by a previous run.
func (n *Node) HasExistingState() (bool, error) {
	return raft.HasExistingState(n.logStore, n.stableStore, n.snapshots)
}

func (n *Node) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(strconv.FormatUint(n.opts.NodeID, 10))
	if n.opts.HeartbeatInterval > 0 {
		cfg.HeartbeatTimeout = 2 * n.opts.HeartbeatInterval
		cfg.CommitTimeout = n.opts.HeartbeatInterval / 2
		cfg.LeaderLeaseTimeout = n.opts.HeartbeatInterval
	}
	if n.opts.ElectionTimeoutMax > 0 {
		cfg.ElectionTimeout = n.opts.ElectionTimeoutMax
	}
	if n.opts.ElectionTimeoutMin > 0 && cfg.HeartbeatTimeout < n.opts.ElectionTimeoutMin {
		cfg.HeartbeatTimeout = n.opts.ElectionTimeoutMin
	}
	if n.opts.MaxPayloadEntries > 0 {
		cfg.MaxAppendEntries = n.opts.MaxPayloadEntries
	}
	if n.opts.SnapshotThreshold > 0 {
		cfg.SnapshotThreshold = n.opts.SnapshotThreshold
	}
	if n.opts.TrailingLogs > 0 {
		cfg.TrailingLogs = n.opts.TrailingLogs
	}
	cfg.Logger = hclog.New(&hclog.LoggerOptions{
		Name:  "raft",
		Level: hclog.Warn,
	})
	return cfg
}

// Open starts the raft node. With bootstrap set, the node initializes a
// new single-voter cluster; bootstrapping over existing persisted state
// fails with ErrNotAllowed.
func (n *Node) Open(bootstrap bool) error {
	hasState, err := n.HasExistingState()
	if err != nil {
		return err
	}
	if bootstrap && hasState {
		return fmt.Errorf("%w: raft state already exists, bootstrap refused", errdefs.ErrNotAllowed)
	}

	cfg := n.raftConfig()
	r, err := raft.NewRaft(cfg, n.fsm, n.logStore, n.stableStore, n.snapshots, n.transport)
	if err != nil {
		return fmt.Errorf("starting raft: %w", err)
	}
	n.raft = r

	if bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{{
				ID:      cfg.LocalID,
				Address: n.transport.LocalAddr(),
			}},
		}
		if err := n.raft.BootstrapCluster(configuration).Error(); err != nil {
			return fmt.Errorf("bootstrapping cluster: %w", err)
		}
		n.logger.Info().Uint64("node_id", n.opts.NodeID).Msg("bootstrapped single-voter cluster")
	}
	return nil
}

func (n *Node) mapRaftError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrLeadershipLost), errors.Is(err, raft.ErrLeadershipTransferInProgress):
		id, addr := n.LeaderInfo()
		if id == 0 && addr == "" {
			return errdefs.ErrNoLeader
		}
		return &errdefs.LeaderError{LeaderID: id, LeaderAddr: addr}
	case errors.Is(err, raft.ErrEnqueueTimeout):
		return fmt.Errorf("%w: %v", errdefs.ErrTimeout, err)
	default:
		return err
	}
}

// Apply proposes a command (client_write). It returns once the entry is
// committed by a quorum and applied on this node.
func (n *Node) Apply(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	data, err := types.EncodeCBOR(&cmd)
	if err != nil {
		return types.ApplyResult{}, fmt.Errorf("encoding command: %w", err)
	}

	timeout := n.opts.DefaultApplyTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return types.ApplyResult{}, errdefs.ErrTimeout
		}
	}

	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return types.ApplyResult{}, n.mapRaftError(err)
	}
	switch res := future.Response().(type) {
	case types.ApplyResult:
		return res, nil
	case error:
		return types.ApplyResult{}, res
	default:
		return types.ApplyResult{}, nil
	}
}

// LinearizableGet verifies leadership with a quorum round before reading
// local state, so the read is ordered after every completed write.
func (n *Node) LinearizableGet(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errdefs.ErrTimeout
		}
		return nil, errdefs.ErrCancelled
	}
	if err := n.raft.VerifyLeader().Error(); err != nil {
		return nil, n.mapRaftError(err)
	}
	return n.fsm.Get(key)
}

// StaleGet reads local committed state without leadership verification.
func (n *Node) StaleGet(key []byte) ([]byte, error) {
	return n.fsm.Get(key)
}

// Tombstoned reports whether key was deleted from the ledger. Archived
// segments never forget a key, so readers falling back to the cold tier
// must check this first.
func (n *Node) Tombstoned(key []byte) (bool, error) {
	return n.fsm.Deleted(key)
}

// Join adds a node to the cluster, as a voter or a learner.
func (n *Node) Join(nodeID uint64, raftAddr string, voter bool) error {
	id := raft.ServerID(strconv.FormatUint(nodeID, 10))
	addr := raft.ServerAddress(raftAddr)

	cfgFuture := n.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		return fmt.Errorf("reading raft configuration: %w", err)
	}
	for _, srv := range cfgFuture.Configuration().Servers {
		if srv.ID == id && srv.Address == addr {
			if (voter && srv.Suffrage == raft.Voter) || (!voter && srv.Suffrage != raft.Voter) {
				// already a member in the requested role
				return nil
			}
			// same member changing suffrage: AddVoter/AddNonvoter below
			continue
		}
		if srv.ID == id || srv.Address == addr {
			if err := n.raft.RemoveServer(srv.ID, 0, 0).Error(); err != nil {
				return n.mapRaftError(fmt.Errorf("removing stale member %s: %w", srv.ID, err))
			}
		}
	}

	var future raft.IndexFuture
	if voter {
		future = n.raft.AddVoter(id, addr, 0, 0)
	} else {
		future = n.raft.AddNonvoter(id, addr, 0, 0)
	}
	if err := future.Error(); err != nil {
		return n.mapRaftError(err)
	}
	n.logger.Info().Uint64("peer_id", nodeID).Str("addr", raftAddr).Bool("voter", voter).Msg("member added")
	return nil
}

// AddLearner adds a non-voting member that receives replication.
func (n *Node) AddLearner(nodeID uint64, raftAddr string) error {
	return n.Join(nodeID, raftAddr, false)
}

// Promote upgrades a learner to voter.
func (n *Node) Promote(nodeID uint64, raftAddr string) error {
	id := raft.ServerID(strconv.FormatUint(nodeID, 10))
	if err := n.raft.AddVoter(id, raft.ServerAddress(raftAddr), 0, 0).Error(); err != nil {
		return n.mapRaftError(err)
	}
	return nil
}

// Leave removes a member from the cluster.
func (n *Node) Leave(nodeID uint64) error {
	id := raft.ServerID(strconv.FormatUint(nodeID, 10))
	if err := n.raft.RemoveServer(id, 0, 0).Error(); err != nil {
		return n.mapRaftError(err)
	}
	n.logger.Info().Uint64("peer_id", nodeID).Msg("member removed")
	return nil
}

// Members lists the current raft configuration.
func (n *Node) Members() ([]raft.Server, error) {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node currently leads.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// LeaderInfo returns the current leader's id and raft address, zeroes
// when unknown.
func (n *Node) LeaderInfo() (uint64, string) {
	addr, id := n.raft.LeaderWithID()
	if id == "" {
		return 0, string(addr)
	}
	parsed, err := strconv.ParseUint(string(id), 10, 64)
	if err != nil {
		return 0, string(addr)
	}
	return parsed, string(addr)
}

// WaitForLeader blocks until some node wins an election or the timeout
// expires.
func (n *Node) WaitForLeader(timeout time.Duration) (uint64, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if id, _ := n.LeaderInfo(); id != 0 {
			return id, nil
		}
		if time.Now().After(deadline) {
			return 0, errdefs.ErrNoLeader
		}
		<-ticker.C
	}
}

// Barrier waits until all preceding entries are applied locally.
func (n *Node) Barrier(timeout time.Duration) error {
	return n.mapRaftError(n.raft.Barrier(timeout).Error())
}

// TriggerSnapshot forces a snapshot outside the configured thresholds.
func (n *Node) TriggerSnapshot() error {
	return n.raft.Snapshot().Error()
}

// LogState reports the persisted extent of the raft log.
func (n *Node) LogState() (raftstore.LogState, error) {
	return n.logStore.State()
}

// Metrics returns the current consensus view of this node.
func (n *Node) Metrics() Metrics {
	leaderID, leaderAddr := n.LeaderInfo()
	lastApplied, _ := n.fsm.AppliedState()
	m := Metrics{
		NodeID:       n.opts.NodeID,
		State:        n.raft.State().String(),
		LeaderID:     leaderID,
		LeaderAddr:   leaderAddr,
		LastLogIndex: n.raft.LastIndex(),
		LastApplied:  lastApplied,
		CommitIndex:  n.raft.CommitIndex(),
	}
	if term, err := strconv.ParseUint(n.raft.Stats()["term"], 10, 64); err == nil {
		m.Term = term
	}
	return m
}

// Shutdown drains raft, then releases transport and stores.
func (n *Node) Shutdown() error {
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("stopping raft: %w", err)
		}
	}
	n.transport.Close()
	if err := n.stableStore.Close(); err != nil {
		return err
	}
	return n.logStore.Close()
}
