package metrics

import (
	"time"

	"github.com/cuemby/cman/pkg/types"
)

// TransportStats is a point-in-time snapshot of the transport layer (C1),
// as reported by whatever concrete implementation is wired in (raft by
// default).
type TransportStats struct {
	IsCoordinator bool
	Peers         int
	LogIndex      uint64
	AppliedIndex  uint64
}

// ViewSource reports the current membership/quorum view.
type ViewSource interface {
	ClusterView() *types.ClusterView
}

// TransportSource reports transport layer statistics.
type TransportSource interface {
	Stats() TransportStats
}

// BarrierSource reports the number of currently registered barriers.
type BarrierSource interface {
	ActiveCount() int
}

// PortSource reports the number of application ports currently open.
type PortSource interface {
	OpenCount() int
}

// Collector periodically samples the running components and publishes
// their state as Prometheus metrics. Any source left nil is skipped.
type Collector struct {
	view      ViewSource
	transport TransportSource
	barriers  BarrierSource
	ports     PortSource

	lastQuorate *bool
	stopCh      chan struct{}
}

// NewCollector builds a collector over whichever sources are available.
// Components not yet wired (e.g. during early bring-up) may pass nil.
func NewCollector(view ViewSource, transport TransportSource, barriers BarrierSource, ports PortSource) *Collector {
	return &Collector{
		view:      view,
		transport: transport,
		barriers:  barriers,
		ports:     ports,
		stopCh:    make(chan struct{}),
	}
}

// Start begins periodic collection.
func (c *Collector) Start() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.view != nil {
		c.collectView()
	}
	if c.transport != nil {
		c.collectTransport()
	}
	if c.barriers != nil {
		BarriersActive.Set(float64(c.barriers.ActiveCount()))
	}
	if c.ports != nil {
		PortsOpen.Set(float64(c.ports.OpenCount()))
	}
}

func (c *Collector) collectView() {
	view := c.view.ClusterView()
	if view == nil {
		return
	}

	counts := make(map[types.NodeState]int)
	for _, n := range view.Nodes {
		counts[n.State]++
	}
	for _, state := range []types.NodeState{types.NodeJoining, types.NodeMember, types.NodeDead, types.NodeLeaving, types.NodeAISOnly} {
		MembersTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}

	ExpectedVotes.Set(float64(view.ExpectedVotesMax()))
	TotalVotes.Set(float64(view.TotalVotes()))
	QuorumValue.Set(float64(view.Quorum))

	quorate := view.Quorate
	if quorate {
		Quorate.Set(1)
	} else {
		Quorate.Set(0)
	}
	if c.lastQuorate == nil || *c.lastQuorate != quorate {
		if quorate {
			QuorumTransitionsTotal.WithLabelValues("gained").Inc()
		} else {
			QuorumTransitionsTotal.WithLabelValues("lost").Inc()
		}
		c.lastQuorate = &quorate
	}
}

func (c *Collector) collectTransport() {
	stats := c.transport.Stats()
	if stats.IsCoordinator {
		TransportIsCoordinator.Set(1)
	} else {
		TransportIsCoordinator.Set(0)
	}
	TransportPeers.Set(float64(stats.Peers))
	TransportLogIndex.Set(float64(stats.LogIndex))
	TransportAppliedIndex.Set(float64(stats.AppliedIndex))
}
