package types

// JoinRequest asks the leader to add a node to the cluster.
type JoinRequest struct {
	NodeID     uint64 `json:"node_id"`
	RaftAddr   string `json:"raft_addr"`
	ClientAddr string `json:"client_addr"`
	Voter      bool   `json:"voter"`
}

// LeaveRequest asks the leader to remove a node from the cluster.
type LeaveRequest struct {
	NodeID uint64 `json:"node_id"`
}

// ClusterStatus is the consensus view served at /cluster/status.
type ClusterStatus struct {
	NodeID          uint64 `json:"node_id"`
	State           string `json:"state"`
	Term            uint64 `json:"current_term"`
	LeaderID        uint64 `json:"current_leader"`
	LeaderAddr      string `json:"leader_addr"`
	LastLogIndex    uint64 `json:"last_log_index"`
	LastApplied     uint64 `json:"last_applied"`
	CommitIndex     uint64 `json:"commit_index"`
	ManifestVersion uint64 `json:"manifest_version"`
}

// Member is one entry in the raft configuration served at
// /cluster/members.
type Member struct {
	ID       uint64 `json:"id"`
	RaftAddr string `json:"raft_addr"`
	Voter    bool   `json:"voter"`
}
