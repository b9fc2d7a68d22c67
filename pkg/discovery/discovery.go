// Package discovery advertises node presence over serf gossip and
// maintains the advisory peer table. Nothing here feeds safety
// decisions; consensus membership is the source of truth.
package discovery

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/serf/serf"
	"github.com/rs/zerolog"

	"github.com/hyra-network/scribe-ledger/pkg/events"
	"github.com/hyra-network/scribe-ledger/pkg/log"
	"github.com/hyra-network/scribe-ledger/pkg/types"
)

// Tag keys gossiped with each member.
const (
	tagID         = "id"
	tagRaftAddr   = "raft_addr"
	tagClientAddr = "client_addr"
)

// Config for the discovery service.
type Config struct {
	NodeID     uint64
	BindAddr   string // host:port for gossip
	RaftAddr   string
	ClientAddr string
	SeedPeers  []string

	HeartbeatInterval time.Duration
	FailureTimeout    time.Duration
}

// Service is the gossip membership wrapper.
type Service struct {
	cfg    Config
	broker *events.Broker
	logger zerolog.Logger

	mu      sync.RWMutex
	serf    *serf.Serf
	eventCh chan serf.Event
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool

	peers map[uint64]*types.Peer
}

// New creates the service; Start launches gossip.
func New(cfg Config, broker *events.Broker) *Service {
	return &Service{
		cfg:    cfg,
		broker: broker,
		logger: log.WithComponent("discovery"),
		peers:  make(map[uint64]*types.Peer),
	}
}

// Start joins the gossip mesh. Idempotent.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	addr, err := net.ResolveTCPAddr("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("resolving gossip address %s: %w", s.cfg.BindAddr, err)
	}

	config := serf.DefaultConfig()
	config.Init()
	config.MemberlistConfig.BindAddr = addr.IP.String()
	config.MemberlistConfig.BindPort = addr.Port
	config.NodeName = strconv.FormatUint(s.cfg.NodeID, 10)
	config.Tags = map[string]string{
		tagID:         strconv.FormatUint(s.cfg.NodeID, 10),
		tagRaftAddr:   s.cfg.RaftAddr,
		tagClientAddr: s.cfg.ClientAddr,
	}

	s.eventCh = make(chan serf.Event)
	config.EventCh = s.eventCh
	s.stopCh = make(chan struct{})

	s.serf, err = serf.Create(config)
	if err != nil {
		return fmt.Errorf("creating serf: %w", err)
	}

	s.wg.Add(2)
	go s.eventHandler()
	go s.refreshLoop()

	if len(s.cfg.SeedPeers) > 0 {
		if _, err := s.serf.Join(s.cfg.SeedPeers, true); err != nil {
			s.logger.Warn().Err(err).Strs("seeds", s.cfg.SeedPeers).Msg("seed join failed")
		}
	}
	s.running = true
	return nil
}

// Stop leaves the mesh and shuts gossip down. Idempotent.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	sf := s.serf
	s.mu.Unlock()

	if err := sf.Leave(); err != nil {
		s.logger.Warn().Err(err).Msg("serf leave failed")
	}
	err := sf.Shutdown()
	s.wg.Wait()
	return err
}

// eventHandler drains serf events until serf itself shuts down; serf
// delivers on an unbuffered channel, so the drain must outlive Stop.
func (s *Service) eventHandler() {
	defer s.wg.Done()
	for {
		select {
		case <-s.serf.ShutdownCh():
			return
		case e := <-s.eventCh:
			me, isMember := e.(serf.MemberEvent)
			if !isMember {
				continue
			}
			for _, member := range me.Members {
				if s.isLocal(member) {
					continue
				}
				switch e.EventType() {
				case serf.EventMemberJoin:
					s.recordMember(member, types.PeerActive)
					s.publish(events.EventNodeJoined, member)
				case serf.EventMemberLeave:
					s.recordMember(member, types.PeerLeaving)
					s.publish(events.EventNodeLeft, member)
				case serf.EventMemberFailed:
					s.recordMember(member, types.PeerSuspected)
					s.publish(events.EventNodeDown, member)
				case serf.EventMemberReap:
					s.recordMember(member, types.PeerDown)
				}
			}
		}
	}
}

// refreshLoop stamps heartbeats for live members and ages suspected
// peers into Down past the failure timeout.
func (s *Service) refreshLoop() {
	defer s.wg.Done()
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *Service) refresh() {
	members := s.serf.Members()
	now := types.NowMs()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		if s.serf.LocalMember().Name == m.Name {
			continue
		}
		id, err := memberID(m)
		if err != nil {
			continue
		}
		p, ok := s.peers[id]
		if !ok {
			p = &types.Peer{ID: id, Name: m.Name, State: types.PeerJoining}
			s.peers[id] = p
		}
		p.RaftAddr = m.Tags[tagRaftAddr]
		p.ClientAddr = m.Tags[tagClientAddr]

		switch m.Status {
		case serf.StatusAlive:
			p.State = types.PeerActive
			p.LastHeartbeatMs = now
		case serf.StatusLeaving:
			p.State = types.PeerLeaving
		case serf.StatusLeft:
			p.State = types.PeerDown
		case serf.StatusFailed:
			if p.State != types.PeerDown {
				p.State = types.PeerSuspected
			}
		}
		if p.State == types.PeerSuspected && now-p.LastHeartbeatMs > s.cfg.FailureTimeout.Milliseconds() {
			p.State = types.PeerDown
		}
	}
}

func (s *Service) recordMember(member serf.Member, state types.PeerState) {
	id, err := memberID(member)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		p = &types.Peer{ID: id, Name: member.Name}
		s.peers[id] = p
	}
	p.RaftAddr = member.Tags[tagRaftAddr]
	p.ClientAddr = member.Tags[tagClientAddr]
	p.State = state
	if state == types.PeerActive {
		p.LastHeartbeatMs = types.NowMs()
	}
}

func (s *Service) publish(t events.EventType, member serf.Member) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:    t,
		Message: "membership change",
		Metadata: map[string]string{
			"node":      member.Name,
			"raft_addr": member.Tags[tagRaftAddr],
		},
	})
}

func (s *Service) isLocal(member serf.Member) bool {
	return s.serf.LocalMember().Name == member.Name
}

func memberID(m serf.Member) (uint64, error) {
	return strconv.ParseUint(m.Tags[tagID], 10, 64)
}

// Peers returns a snapshot of every known peer.
func (s *Service) Peers() []types.Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	return out
}

// AlivePeers returns peers currently considered active.
func (s *Service) AlivePeers() []types.Peer {
	var out []types.Peer
	for _, p := range s.Peers() {
		if p.State == types.PeerActive {
			out = append(out, p)
		}
	}
	return out
}

// Peer returns the record for a node id, if known.
func (s *Service) Peer(id uint64) (types.Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	if !ok {
		return types.Peer{}, false
	}
	return *p, true
}
