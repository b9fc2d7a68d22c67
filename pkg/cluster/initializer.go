// Package cluster decides how a starting node enters the cluster:
// bootstrap a new single-voter group, rejoin with preserved state, or
// ask an existing leader for membership.
package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyra-network/scribe-ledger/pkg/client"
	"github.com/hyra-network/scribe-ledger/pkg/consensus"
	"github.com/hyra-network/scribe-ledger/pkg/discovery"
	"github.com/hyra-network/scribe-ledger/pkg/errdefs"
	"github.com/hyra-network/scribe-ledger/pkg/log"
	"github.com/hyra-network/scribe-ledger/pkg/types"
)

// Options for cluster initialization.
type Options struct {
	NodeID     uint64
	RaftAddr   string
	ClientAddr string

	// JoinTimeout bounds the wait for a reachable leader before the
	// node settles for running alone with its preserved state.
	JoinTimeout  time.Duration
	PollInterval time.Duration
}

// Initializer coordinates the bootstrap-vs-rejoin decision.
type Initializer struct {
	opts   Options
	cons   *consensus.Node
	disco  *discovery.Service
	logger zerolog.Logger
}

// New builds an initializer over the consensus node and discovery.
func New(opts Options, cons *consensus.Node, disco *discovery.Service) *Initializer {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Initializer{
		opts:   opts,
		cons:   cons,
		disco:  disco,
		logger: log.WithComponent("cluster"),
	}
}

// Run starts the consensus node. With bootstrap requested, any
// persisted raft state makes the call fail with ErrNotAllowed: a node
// that has state must rejoin instead.
func (i *Initializer) Run(ctx context.Context, bootstrap bool) error {
	hasState, err := i.cons.HasExistingState()
	if err != nil {
		return err
	}

	if bootstrap {
		if hasState {
			return fmt.Errorf("%w: node has persisted raft state, rejoin without --bootstrap", errdefs.ErrNotAllowed)
		}
		return i.cons.Open(true)
	}

	if err := i.cons.Open(false); err != nil {
		return err
	}

	if hasState {
		// Rejoin: preserved log, vote and snapshots carry the node back
		// into its previous cluster; a reachable leader is still asked
		// for membership, which is a no-op for an existing member.
		i.logger.Info().Msg("rejoining with preserved raft state")
	}

	return i.joinViaPeers(ctx)
}

// joinViaPeers locates a leader through discovery and requests to be
// added as a learner, then promoted to voter. With no reachable peers
// before the timeout the node stays up, serviceable for stale reads,
// until peers arrive.
func (i *Initializer) joinViaPeers(ctx context.Context) error {
	deadline := time.Now().Add(i.opts.JoinTimeout)
	ticker := time.NewTicker(i.opts.PollInterval)
	defer ticker.Stop()

	for {
		if leaderAddr := i.findLeader(ctx); leaderAddr != "" {
			if err := i.requestJoin(ctx, leaderAddr); err != nil {
				i.logger.Warn().Err(err).Str("leader", leaderAddr).Msg("join attempt failed")
			} else {
				i.logger.Info().Str("leader", leaderAddr).Msg("joined cluster")
				return nil
			}
		}

		if time.Now().After(deadline) {
			i.logger.Warn().Msg("no reachable peers within join timeout, running standalone until peers arrive")
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", errdefs.ErrCancelled, ctx.Err())
		case <-ticker.C:
		}
	}
}

// findLeader asks each alive peer for its consensus status and returns
// the leader's client address, empty when none is known.
func (i *Initializer) findLeader(ctx context.Context) string {
	for _, peer := range i.disco.AlivePeers() {
		if peer.ClientAddr == "" {
			continue
		}
		st, err := client.New(peer.ClientAddr).Status(ctx)
		if err != nil {
			continue
		}
		if st.State == "Leader" {
			return peer.ClientAddr
		}
		if st.LeaderID != 0 {
			if p, ok := i.disco.Peer(st.LeaderID); ok && p.ClientAddr != "" {
				return p.ClientAddr
			}
		}
	}
	return ""
}

// requestJoin adds this node as a learner first, so it catches up
// without affecting quorum, then promotes it to voter.
func (i *Initializer) requestJoin(ctx context.Context, leaderAddr string) error {
	c := client.New(leaderAddr)
	req := types.JoinRequest{
		NodeID:     i.opts.NodeID,
		RaftAddr:   i.opts.RaftAddr,
		ClientAddr: i.opts.ClientAddr,
	}
	if err := c.Join(ctx, req); err != nil {
		return fmt.Errorf("adding learner: %w", err)
	}
	req.Voter = true
	if err := c.Join(ctx, req); err != nil {
		return fmt.Errorf("promoting to voter: %w", err)
	}
	return nil
}
