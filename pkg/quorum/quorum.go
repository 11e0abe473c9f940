package quorum

import (
	"context"
	"time"

	"github.com/cuemby/cman/pkg/health"
	"github.com/cuemby/cman/pkg/metrics"
	"github.com/cuemby/cman/pkg/types"
)

// Calculator recomputes cluster quorum using the OpenVMS-style q1/q2
// formula (spec.md §4.4).
type Calculator struct {
	AllowDecrease bool

	prevQuorum uint32
	quorate    bool
}

// NewCalculator builds a calculator; allowDecrease mirrors the cluster's
// cman_allow_decrease configuration flag.
func NewCalculator(allowDecrease bool) *Calculator {
	return &Calculator{AllowDecrease: allowDecrease}
}

// Recompute applies the formula to view, mutates view.Quorum/Quorate, and
// reports whether a quorate/inquorate edge transition just occurred.
func (c *Calculator) Recompute(view *types.ClusterView) (transitioned bool) {
	total := view.TotalVotes()
	expected := view.ExpectedVotesMax()

	q1 := (expected + 2) / 2
	q2 := (total + 2) / 2
	q := q1
	if q2 > q1 {
		q = q2
	}

	if !c.AllowDecrease && c.prevQuorum > 0 && q < c.prevQuorum {
		q = c.prevQuorum
	}
	if view.TwoNode {
		q = 1
	}

	view.Quorum = q
	view.Quorate = total >= q

	wasQuorate := c.quorate
	c.prevQuorum = q
	c.quorate = view.Quorate

	return wasQuorate != view.Quorate
}

// RecomputeAllowingDecrease forces one recomputation without the
// allow_decrease clamp, as spec.md §4.5 requires for RECONFIGURE-driven
// EXPECTED_VOTES/NODE_VOTES updates ("update the registry and trigger a
// quorum recomputation (allowing decrease)") regardless of the cluster's
// configured allow_decrease setting.
func (c *Calculator) RecomputeAllowingDecrease(view *types.ClusterView) (transitioned bool) {
	saved := c.AllowDecrease
	c.AllowDecrease = true
	defer func() { c.AllowDecrease = saved }()
	return c.Recompute(view)
}

// PollDevice probes the optional quorum device (spec.md §9's
// quorumdev_poll) and updates its membership state accordingly, using the
// same TCP-checker shape the teacher uses for liveness probing.
func PollDevice(ctx context.Context, device *types.QuorumDevice, address string, timeout time.Duration) {
	checker := health.NewTCPChecker(address).WithTimeout(timeout)
	result := checker.Check(ctx)

	if result.Healthy {
		device.LastSeen = time.Now()
		if device.State != types.NodeMember {
			device.State = types.NodeMember
			metrics.QuorumTransitionsTotal.WithLabelValues("device_up").Inc()
		}
		return
	}

	if device.State == types.NodeMember {
		device.State = types.NodeDead
		metrics.QuorumTransitionsTotal.WithLabelValues("device_down").Inc()
	}
}
