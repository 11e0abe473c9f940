package quorum

import (
	"testing"

	"github.com/cuemby/cman/pkg/types"
	"github.com/stretchr/testify/assert"
)

func viewWithVotes(votes ...uint8) *types.ClusterView {
	view := &types.ClusterView{}
	for i, v := range votes {
		view.Nodes = append(view.Nodes, &types.Node{
			NodeID:        int32(i + 1),
			State:         types.NodeMember,
			Votes:         v,
			ExpectedVotes: uint32(len(votes)),
		})
	}
	return view
}

func TestRecompute_BasicMajority(t *testing.T) {
	c := NewCalculator(true)
	view := viewWithVotes(1, 1, 1) // 3 members, 1 vote each

	c.Recompute(view)

	assert.Equal(t, uint32(2), view.Quorum)
	assert.True(t, view.Quorate)
}

func TestRecompute_TwoNodeForcesQuorumOne(t *testing.T) {
	c := NewCalculator(true)
	view := viewWithVotes(1)
	view.TwoNode = true

	c.Recompute(view)

	assert.Equal(t, uint32(1), view.Quorum)
	assert.True(t, view.Quorate)
}

func TestRecompute_DisallowDecreaseClampsQuorum(t *testing.T) {
	c := NewCalculator(false)

	big := viewWithVotes(1, 1, 1, 1, 1) // expected=5 -> q1=3, q2=3
	c.Recompute(big)
	assert.Equal(t, uint32(3), big.Quorum)

	shrunk := viewWithVotes(1, 1) // would otherwise compute quorum=2
	c.Recompute(shrunk)
	assert.Equal(t, uint32(3), shrunk.Quorum, "quorum must not spontaneously decrease")
	assert.False(t, shrunk.Quorate)
}

func TestRecompute_AllowDecrease(t *testing.T) {
	c := NewCalculator(true)

	big := viewWithVotes(1, 1, 1, 1, 1)
	c.Recompute(big)
	assert.Equal(t, uint32(3), big.Quorum)

	shrunk := viewWithVotes(1, 1)
	c.Recompute(shrunk)
	assert.Equal(t, uint32(2), shrunk.Quorum)
}

func TestRecomputeAllowingDecrease_IgnoresConfiguredClamp(t *testing.T) {
	c := NewCalculator(false)

	big := viewWithVotes(1, 1, 1, 1, 1)
	c.Recompute(big)
	assert.Equal(t, uint32(3), big.Quorum)

	shrunk := viewWithVotes(1, 1)
	c.RecomputeAllowingDecrease(shrunk)
	assert.Equal(t, uint32(2), shrunk.Quorum)

	// the calculator's configured clamp is restored afterward.
	another := viewWithVotes(1, 1)
	c.Recompute(another)
	assert.Equal(t, uint32(2), another.Quorum)
}

func TestRecompute_QuorumDeviceVotesCount(t *testing.T) {
	c := NewCalculator(true)
	view := viewWithVotes(1)
	view.QuorumDevice = &types.QuorumDevice{Votes: 1, State: types.NodeMember}

	c.Recompute(view)

	assert.Equal(t, uint32(2), view.TotalVotes())
}

func TestRecompute_DetectsQuorateEdgeTransition(t *testing.T) {
	c := NewCalculator(true)

	inquorate := viewWithVotes(1)
	inquorate.Nodes[0].ExpectedVotes = 3
	transitioned := c.Recompute(inquorate)
	assert.False(t, inquorate.Quorate)
	assert.False(t, transitioned, "starting state has no prior edge to cross")

	quorate := viewWithVotes(1, 1, 1)
	transitioned = c.Recompute(quorate)
	assert.True(t, quorate.Quorate)
	assert.True(t, transitioned)

	stillQuorate := viewWithVotes(1, 1, 1)
	transitioned = c.Recompute(stillQuorate)
	assert.False(t, transitioned, "no edge crossed when state doesn't change")
}
