/*
Package archival implements the cold tier: sealed segments are
serialized deterministically, optionally gzip-compressed, uploaded to
object storage and recorded in the consensus-replicated manifest.

# Segment lifecycle

	Active ──seal──▶ Sealed ──upload──▶ Archiving ──▶ Archived
	                   ▲                    │
	                   └────── failure ─────┘
	Archived ──manifest commit──▶ Local-Dropped ──gc──▶ Deleted

A failure at any step reverts the segment to Sealed and leaves it
locally resident: data is never lost to a failed archival. The local
copy is dropped only after the manifest entry for the segment — carrying
its Merkle root — commits through consensus.

# Read-through

RetrieveSegment consults an LRU segment cache, then the metadata cache,
then object storage, decompressing and decoding on the way back in. The
serialized form is canonical (sorted entries, fixed framing), so a
retrieved segment re-encodes byte-identically and its Merkle root can be
checked against the manifest.

# Auto archival

Start launches a ticker that archives sealed segments older than the
configured age threshold. Only the current leader runs the cycle, since
only the leader can commit the manifest entry that authorizes dropping
the local copy.
*/
package archival
