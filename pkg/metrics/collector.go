package metrics

import (
	"time"

	"github.com/hyra-network/scribe-ledger/pkg/consensus"
	"github.com/hyra-network/scribe-ledger/pkg/manifest"
	"github.com/hyra-network/scribe-ledger/pkg/segment"
)

// Collector periodically samples gauges that have no natural event to
// hook: raft role and indices, segment sizes, manifest version.
type Collector struct {
	cons     *consensus.Node
	segments *segment.Manager
	manifest *manifest.Manager

	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector builds a collector sampling every interval.
func NewCollector(cons *consensus.Node, segments *segment.Manager, man *manifest.Manager, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		cons:     cons,
		segments: segments,
		manifest: man,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (c *Collector) Start() {
	go c.run()
}

// Stop halts the loop and waits for it to exit.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *Collector) sample() {
	m := c.cons.Metrics()
	if m.State == "Leader" {
		RaftIsLeader.Set(1)
	} else {
		RaftIsLeader.Set(0)
	}
	RaftTerm.Set(float64(m.Term))
	RaftLastLogIndex.Set(float64(m.LastLogIndex))
	RaftLastApplied.Set(float64(m.LastApplied))

	SegmentActiveBytes.Set(float64(c.segments.ActiveSize()))
	SegmentsSealed.Set(float64(len(c.segments.Flushed())))

	if c.manifest != nil {
		ManifestVersion.Set(float64(c.manifest.Version()))
	}
}
