/*
Package consensus implements the replicated control plane of the ledger:
a raft node wired from the persistent log store, the key/value state
machine, and a TCP stream transport.

# Architecture

	┌─────────────────── CONSENSUS NODE ────────────────────┐
	│                                                        │
	│  ┌──────────────┐   ┌──────────────┐   ┌────────────┐ │
	│  │ raftstore    │   │ raft-boltdb  │   │ snapshots  │ │
	│  │ raft-log.db  │   │ raft-stable  │   │ (files)    │ │
	│  │ (entries)    │   │ (term, vote) │   │            │ │
	│  └──────┬───────┘   └──────┬───────┘   └─────┬──────┘ │
	│         └──────────┬───────┴─────────────────┘        │
	│                    ▼                                   │
	│             hashicorp/raft core                        │
	│                    │                                   │
	│         ┌──────────┴──────────┐                        │
	│         ▼                     ▼                        │
	│  ┌─────────────┐      ┌──────────────┐                │
	│  │ FSM         │      │ StreamLayer  │                │
	│  │ engine +    │      │ TCP, marker  │                │
	│  │ segments +  │      │ byte framing │                │
	│  │ manifest    │      └──────────────┘                │
	│  └─────────────┘                                       │
	└────────────────────────────────────────────────────────┘

# Write path

Client writes are CBOR-encoded commands proposed through Apply. The
entry is durable on a quorum before the FSM applies it, so a successful
Apply means the mutation is committed cluster-wide and visible locally.

# Read paths

LinearizableGet verifies leadership with a quorum round (VerifyLeader)
before reading the state machine, ordering the read after every write
that completed before it began. StaleGet reads local committed state
with no leadership check and may lag the leader.

# Restart behavior

The FSM's backing engine is persistent, while raft replays committed
entries after restart. The engine records the last applied (index, term)
and Apply skips entries at or below that marker, making replay
idempotent. Bootstrap is refused whenever any raft state exists on disk;
such nodes must rejoin with their preserved log.
*/
package consensus
