// Package server is the thin HTTP layer translating requests into
// distributed API and cluster operations.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/raft"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hyra-network/scribe-ledger/pkg/api"
	"github.com/hyra-network/scribe-ledger/pkg/consensus"
	"github.com/hyra-network/scribe-ledger/pkg/discovery"
	"github.com/hyra-network/scribe-ledger/pkg/errdefs"
	"github.com/hyra-network/scribe-ledger/pkg/events"
	"github.com/hyra-network/scribe-ledger/pkg/log"
	"github.com/hyra-network/scribe-ledger/pkg/manifest"
	"github.com/hyra-network/scribe-ledger/pkg/types"
)

const eventRingSize = 100

// Server hosts the client-facing HTTP surface.
type Server struct {
	nodeID   uint64
	api      *api.API
	cons     *consensus.Node
	manifest *manifest.Manager
	disco    *discovery.Service
	broker   *events.Broker

	httpSrv *http.Server
	logger  zerolog.Logger

	eventMu   sync.Mutex
	eventRing []*events.Event
	eventSub  events.Subscriber
	eventDone chan struct{}
}

// New builds the server bound to addr.
func New(addr string, nodeID uint64, a *api.API, cons *consensus.Node, man *manifest.Manager, disco *discovery.Service, broker *events.Broker) *Server {
	s := &Server{
		nodeID:   nodeID,
		api:      a,
		cons:     cons,
		manifest: man,
		disco:    disco,
		broker:   broker,
		logger:   log.WithComponent("http"),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/cluster/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/cluster/members", s.handleMembers).Methods(http.MethodGet)
	router.HandleFunc("/cluster/leader", s.handleLeader).Methods(http.MethodGet)
	router.HandleFunc("/cluster/events", s.handleEvents).Methods(http.MethodGet)
	router.HandleFunc("/cluster/join", s.handleJoin).Methods(http.MethodPost)
	router.HandleFunc("/cluster/leave", s.handleLeave).Methods(http.MethodPost)
	router.HandleFunc("/cluster/manifest", s.handleManifest).Methods(http.MethodGet)
	router.HandleFunc("/verify/{key}", s.handleVerify).Methods(http.MethodGet)
	router.HandleFunc("/{key}", s.handlePut).Methods(http.MethodPut)
	router.HandleFunc("/{key}", s.handleGet).Methods(http.MethodGet)
	router.HandleFunc("/{key}", s.handleDelete).Methods(http.MethodDelete)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Start serves until Shutdown. It also begins collecting the recent
// event ring.
func (s *Server) Start() error {
	if s.broker != nil {
		s.eventSub = s.broker.Subscribe()
		s.eventDone = make(chan struct{})
		go s.collectEvents()
	}
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.eventSub != nil {
		s.broker.Unsubscribe(s.eventSub)
		<-s.eventDone
		s.eventSub = nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) collectEvents() {
	defer close(s.eventDone)
	for e := range s.eventSub {
		s.eventMu.Lock()
		s.eventRing = append(s.eventRing, e)
		if len(s.eventRing) > eventRingSize {
			s.eventRing = s.eventRing[len(s.eventRing)-eventRingSize:]
		}
		s.eventMu.Unlock()
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// forwardOrError translates API errors into status codes, emitting a
// 307 with a Location header when the leader lives elsewhere.
func (s *Server) forwardOrError(w http.ResponseWriter, r *http.Request, err error) {
	var le *errdefs.LeaderError
	switch {
	case errors.As(err, &le):
		if addr := s.leaderClientAddr(le.LeaderID); addr != "" {
			w.Header().Set("Location", "http://"+addr+r.URL.Path)
			writeJSON(w, http.StatusTemporaryRedirect, map[string]interface{}{
				"error":     "not leader",
				"leader_id": le.LeaderID,
			})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "not leader, leader address unknown"})
	case errors.Is(err, errdefs.ErrNoLeader):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no leader"})
	case errors.Is(err, errdefs.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, errdefs.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": err.Error()})
	case errors.Is(err, errdefs.ErrNotAllowed):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, errdefs.ErrOverloaded):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// leaderClientAddr maps the leader's node id to its HTTP address via
// the discovery peer table.
func (s *Server) leaderClientAddr(leaderID uint64) string {
	if s.disco == nil || leaderID == 0 {
		return ""
	}
	if p, ok := s.disco.Peer(leaderID); ok {
		return p.ClientAddr
	}
	return ""
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	defer r.Body.Close()

	value, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := s.api.Put(r.Context(), []byte(key), value); err != nil {
		s.forwardOrError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	consistency := types.Stale
	if c := r.URL.Query().Get("consistency"); c == string(types.Linearizable) {
		consistency = types.Linearizable
	}

	value, err := s.api.Get(r.Context(), []byte(key), consistency)
	if err != nil {
		s.forwardOrError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(value)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if _, err := s.api.Get(r.Context(), []byte(key), types.Stale); err != nil {
		s.forwardOrError(w, r, err)
		return
	}
	if err := s.api.Delete(r.Context(), []byte(key)); err != nil {
		s.forwardOrError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	proof, err := s.api.Proof(r.Context(), []byte(key))
	if err != nil {
		s.forwardOrError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"node_id": s.nodeID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	m := s.cons.Metrics()
	st := types.ClusterStatus{
		NodeID:       m.NodeID,
		State:        m.State,
		Term:         m.Term,
		LeaderID:     m.LeaderID,
		LeaderAddr:   m.LeaderAddr,
		LastLogIndex: m.LastLogIndex,
		LastApplied:  m.LastApplied,
		CommitIndex:  m.CommitIndex,
	}
	if s.manifest != nil {
		st.ManifestVersion = s.manifest.Version()
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.cons.Members()
	if err != nil {
		s.forwardOrError(w, r, err)
		return
	}
	members := make([]types.Member, 0, len(servers))
	for _, srv := range servers {
		id, _ := strconv.ParseUint(string(srv.ID), 10, 64)
		members = append(members, types.Member{
			ID:       id,
			RaftAddr: string(srv.Address),
			Voter:    srv.Suffrage == raft.Voter,
		})
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) handleLeader(w http.ResponseWriter, r *http.Request) {
	id, addr := s.cons.LeaderInfo()
	if id == 0 && addr == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no leader"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"leader_id":   id,
		"leader_addr": addr,
		"client_addr": s.leaderClientAddr(id),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.eventMu.Lock()
	ring := make([]*events.Event, len(s.eventRing))
	copy(ring, s.eventRing)
	s.eventMu.Unlock()
	writeJSON(w, http.StatusOK, ring)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if s.manifest == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "manifest disabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.manifest.Latest())
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req types.JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.NodeID == 0 || req.RaftAddr == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "node_id and raft_addr are required"})
		return
	}
	if err := s.cons.Join(req.NodeID, req.RaftAddr, req.Voter); err != nil {
		s.forwardOrError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req types.LeaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.cons.Leave(req.NodeID); err != nil {
		s.forwardOrError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
