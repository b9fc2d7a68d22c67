// Package errdefs defines the error kinds shared across the ledger.
// Components wrap these sentinels with fmt.Errorf("...: %w", err) so that
// callers can classify failures with errors.Is without depending on the
// component that produced them.
package errdefs

import "errors"

var (
	// ErrStorage reports an I/O failure in the local engine.
	ErrStorage = errors.New("storage failure")

	// ErrInconsistentLog reports a gap or divergence in the raft log.
	ErrInconsistentLog = errors.New("inconsistent log")

	// ErrNotAllowed reports an operation forbidden by current state,
	// e.g. bootstrapping a node that already has persisted raft state.
	ErrNotAllowed = errors.New("not allowed")

	// ErrNotLeader reports a write or linearizable read sent to a
	// non-leader node. LeaderError wraps it with the known leader's id
	// and address.
	ErrNotLeader = errors.New("not leader")

	// ErrNoLeader reports that no leader is currently known.
	ErrNoLeader = errors.New("no leader")

	// ErrTimeout reports a deadline exceeded on a client-facing call.
	ErrTimeout = errors.New("timeout")

	// ErrNotFound reports a missing key, segment or object.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict reports a manifest update that lost to a
	// concurrent higher-version update.
	ErrVersionConflict = errors.New("manifest version conflict")

	// ErrInvalidConfig reports a configuration that failed validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrOverloaded reports that the inbound write queue is full.
	ErrOverloaded = errors.New("overloaded")

	// ErrPartitionedJoin reports a join attempt that could not reach
	// any live peer.
	ErrPartitionedJoin = errors.New("partitioned join")

	// ErrCancelled reports a call aborted by context cancellation.
	ErrCancelled = errors.New("cancelled")
)

// LeaderError wraps ErrNotLeader with the address of the current leader,
// when known, so the API layer can emit a forward response.
type LeaderError struct {
	LeaderID   uint64
	LeaderAddr string
}

func (e *LeaderError) Error() string {
	if e.LeaderAddr == "" {
		return "not leader (leader unknown)"
	}
	return "not leader (leader at " + e.LeaderAddr + ")"
}

func (e *LeaderError) Unwrap() error { return ErrNotLeader }
