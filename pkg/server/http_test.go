package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	dynaport "github.com/travisjeffery/go-dynaport"

	"github.com/hyra-network/scribe-ledger/pkg/api"
	"github.com/hyra-network/scribe-ledger/pkg/consensus"
	"github.com/hyra-network/scribe-ledger/pkg/engine"
	"github.com/hyra-network/scribe-ledger/pkg/manifest"
	"github.com/hyra-network/scribe-ledger/pkg/segment"
	"github.com/hyra-network/scribe-ledger/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *segment.Manager) {
	t.Helper()

	dir := t.TempDir()
	eng, err := engine.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	segments := segment.NewManager(1, 1<<20)
	state := manifest.NewState()
	fsm, err := consensus.NewFSM(eng, segments, state)
	require.NoError(t, err)

	ports := dynaport.Get(1)
	node, err := consensus.NewNode(consensus.Options{
		NodeID:              1,
		RaftAddr:            fmt.Sprintf("127.0.0.1:%d", ports[0]),
		DataDir:             dir,
		HeartbeatInterval:   50 * time.Millisecond,
		ElectionTimeoutMax:  200 * time.Millisecond,
		DefaultApplyTimeout: 5 * time.Second,
	}, fsm)
	require.NoError(t, err)
	t.Cleanup(func() { node.Shutdown() })

	require.NoError(t, node.Open(true))
	_, err = node.WaitForLeader(10 * time.Second)
	require.NoError(t, err)

	man := manifest.NewManager(state, node)
	a, err := api.New(node, fsm, segments, man, nil, api.Options{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  5 * time.Second,
		MaxBatchSize: 8,
		CacheSize:    16,
	})
	require.NoError(t, err)

	return New("127.0.0.1:0", 1, a, node, man, nil, nil), segments
}

func doRequest(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestKeyLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPut, "/alice", []byte("A"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []byte("A"), rec.Body.Bytes())

	rec = doRequest(t, s, http.MethodGet, "/alice?consistency=linearizable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []byte("A"), rec.Body.Bytes())

	rec = doRequest(t, s, http.MethodDelete, "/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/alice", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// deleting an absent key reports 404
	rec = doRequest(t, s, http.MethodDelete, "/alice", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, float64(1), body["node_id"])
}

func TestClusterStatus(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/cluster/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st types.ClusterStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, uint64(1), st.NodeID)
	require.Equal(t, "Leader", st.State)
	require.Equal(t, uint64(1), st.LeaderID)
}

func TestClusterMembersAndLeader(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/cluster/members", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var members []types.Member
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &members))
	require.Len(t, members, 1)
	require.Equal(t, uint64(1), members[0].ID)
	require.True(t, members[0].Voter)

	rec = doRequest(t, s, http.MethodGet, "/cluster/leader", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestVerifyEndpoint(t *testing.T) {
	s, segments := newTestServer(t)

	rec := doRequest(t, s, http.MethodPut, "/ledger-key", []byte("ledger-value"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, segments.SealNow())

	rec = doRequest(t, s, http.MethodGet, "/verify/ledger-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var proof api.ProofResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &proof))
	require.NotZero(t, proof.SegmentID)

	rec = doRequest(t, s, http.MethodGet, "/verify/unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJoinValidation(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/cluster/join", []byte(`{"raft_addr":"x"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/cluster/join", []byte(`not-json`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
