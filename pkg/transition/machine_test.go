package transition

import (
	"testing"

	"github.com/cuemby/cman/pkg/barrier"
	"github.com/cuemby/cman/pkg/portmux"
	"github.com/cuemby/cman/pkg/quorum"
	"github.com/cuemby/cman/pkg/registry"
	"github.com/cuemby/cman/pkg/transport"
	"github.com/cuemby/cman/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loopback struct {
	demux *portmux.Demux
}

func (l *loopback) Multicast(payload []byte, mode transport.DeliveryMode) error {
	l.demux.HandleDeliver("self", payload, false)
	return nil
}

func newSingleNodeMachine(t *testing.T) (*Machine, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	qc := quorum.NewCalculator(true)

	lb := &loopback{}
	var dispatcher *Dispatcher
	demux := portmux.New(lb, 1, func(sourceNode int32, payload []byte, swap bool) {
		dispatcher.Handle(sourceNode, payload, swap)
	})
	lb.demux = demux

	barriers := barrier.New(demux, reg)

	m := NewMachine(Config{
		LocalNodeID: 1,
		ClusterName: "test-cluster",
		Registry:    reg,
		Quorum:      qc,
		Demux:       demux,
		Barriers:    barriers,
	})
	dispatcher = &Dispatcher{Machine: m, Registry: reg, Barriers: barriers}

	return m, reg
}

func TestFormNewCluster_AssignsNodeOneAndMember(t *testing.T) {
	m, reg := newSingleNodeMachine(t)

	require.NoError(t, m.FormNewCluster(0, 1))
	assert.Equal(t, StateMember, m.State())

	n, ok := reg.FindByID(1)
	require.True(t, ok)
	assert.True(t, n.Us)
	assert.Equal(t, types.NodeMember, n.State)
}

func TestHandleMessage_KillNodeTargetingSelfInvokesCallback(t *testing.T) {
	reg := registry.New()
	qc := quorum.NewCalculator(true)
	lb := &loopback{}
	var dispatcher *Dispatcher
	demux := portmux.New(lb, 1, func(sourceNode int32, payload []byte, swap bool) {
		dispatcher.Handle(sourceNode, payload, swap)
	})
	lb.demux = demux

	var gotReason uint16
	m := NewMachine(Config{
		LocalNodeID: 1,
		Registry:    reg,
		Quorum:      qc,
		Demux:       demux,
		OnKilled:    func(reason uint16) { gotReason = reason },
	})
	dispatcher = &Dispatcher{Machine: m, Registry: reg}

	m.HandleMessage(2, CmdKillNode, encodeKillNode(KillNodeMsg{Reason: 7, TargetNode: 1})[1:], false)
	assert.Equal(t, uint16(7), gotReason)
}

func TestHandleMessage_KillNodeTargetingOtherNodeIsIgnored(t *testing.T) {
	m, _ := newSingleNodeMachine(t)
	called := false
	m.cfg.OnKilled = func(reason uint16) { called = true }

	m.HandleMessage(2, CmdKillNode, encodeKillNode(KillNodeMsg{Reason: 7, TargetNode: 99})[1:], false)
	assert.False(t, called)
}

func TestHandleMessage_LeaveMarksNodeDead(t *testing.T) {
	m, reg := newSingleNodeMachine(t)
	_, err := reg.AddOrUpdate("peer", 2, 1, 1, types.NodeMember, nil)
	require.NoError(t, err)

	m.HandleMessage(2, CmdLeave, encodeLeave(LeaveMsg{Reason: uint16(types.LeaveDown)})[1:], false)

	n, ok := reg.FindByID(2)
	require.True(t, ok)
	assert.Equal(t, types.NodeDead, n.State)
	assert.Equal(t, types.LeaveDown, n.LeaveReason)
}

func TestHandleMessage_ReconfigureUpdatesVotesAndQuorum(t *testing.T) {
	m, reg := newSingleNodeMachine(t)
	_, err := reg.AddOrUpdate("solo", 1, 1, 1, types.NodeMember, nil)
	require.NoError(t, err)

	m.HandleMessage(1, CmdReconfigure, encodeReconfigure(ReconfigureMsg{
		Param:  ParamNodeVotes,
		NodeID: 1,
		Value:  3,
	})[1:], false)

	n, _ := reg.FindByID(1)
	assert.Equal(t, uint8(3), n.Votes)
}

func TestHandleMessage_PortEnqRepliesWithPortStatus(t *testing.T) {
	m, reg := newSingleNodeMachine(t)
	_, err := reg.AddOrUpdate("solo", 1, 1, 1, types.NodeMember, nil)
	require.NoError(t, err)
	require.NoError(t, reg.SetPort(1, 11, true))

	// PORTENQ has no body; the handler replies to sourceNode == 1 (the
	// loopback demux), which re-delivers PORTSTATUS back to node 1.
	m.HandleMessage(1, CmdPortEnq, nil, false)

	n, _ := reg.FindByID(1)
	assert.True(t, n.Ports.Get(11), "replying to ourselves must not clear our own bitmap")
}

func TestDispatcher_RoutesPortOpenedToRegistry(t *testing.T) {
	m, reg := newSingleNodeMachine(t)
	_, err := reg.AddOrUpdate("peer", 2, 1, 1, types.NodeMember, nil)
	require.NoError(t, err)

	d := &Dispatcher{Machine: m, Registry: reg}
	d.Handle(2, encodePortOpened(5), false)

	n, _ := reg.FindByID(2)
	assert.True(t, n.Ports.Get(5))
}

func TestHandleConfChange_LowestNodeBecomesMaster(t *testing.T) {
	m, reg := newSingleNodeMachine(t)
	_, err := reg.AddOrUpdate("solo", 1, 1, 1, types.NodeMember, nil)
	require.NoError(t, err)

	m.HandleConfChange([]int32{1}, nil)
	assert.Equal(t, StateMember, m.State(), "single-member master transition settles back into MEMBER")
}

// fanout delivers every multicast to every participant's demux, the way
// raft's FSM.Apply replays one agreed log entry to all voters (including
// the sender).
type fanout struct {
	demuxes []*portmux.Demux
}

func (f *fanout) Multicast(payload []byte, mode transport.DeliveryMode) error {
	for _, d := range f.demuxes {
		d.HandleDeliver("self", payload, false)
	}
	return nil
}

type joinNode struct {
	machine *Machine
	reg     *registry.Registry
	demux   *portmux.Demux
}

func newJoinNode(t *testing.T, nodeID int32, fo *fanout) *joinNode {
	t.Helper()
	reg := registry.New()
	qc := quorum.NewCalculator(false)

	var dispatcher *Dispatcher
	demux := portmux.New(fo, nodeID, func(sourceNode int32, payload []byte, swap bool) {
		dispatcher.Handle(sourceNode, payload, swap)
	})
	fo.demuxes = append(fo.demuxes, demux)

	barriers := barrier.New(demux, reg)
	m := NewMachine(Config{
		LocalNodeID: nodeID,
		ClusterName: "test-cluster",
		Registry:    reg,
		Quorum:      qc,
		Demux:       demux,
		Barriers:    barriers,
	})
	dispatcher = &Dispatcher{Machine: m, Registry: reg, Barriers: barriers}

	return &joinNode{machine: m, reg: reg, demux: demux}
}

// TestJoin_TwoNodes_PropagateIdentityBothWays exercises the full wire
// path a maintainer review found missing: a joiner announcing itself
// (JOINANNOUNCE) so the master's registry learns it, and the master's
// follow-up TRANSITION carrying its known view back so the joiner's own
// registry learns the bootstrap node too.
func TestJoin_TwoNodes_PropagateIdentityBothWays(t *testing.T) {
	fo := &fanout{}
	n1 := newJoinNode(t, 1, fo)
	n2 := newJoinNode(t, 2, fo)

	require.NoError(t, n1.machine.FormNewCluster(1, 1))
	assert.Equal(t, StateMember, n1.machine.State())

	n2.machine.BeginJoin("node2", 1, 2, nil)
	n2.machine.HandleConfChange([]int32{2}, nil)
	n1.machine.HandleConfChange([]int32{2}, nil)

	assert.Equal(t, StateMember, n2.machine.State(), "joiner settles into MEMBER once the master's TRANSITION confirms it")

	peerOnMaster, ok := n1.reg.FindByID(2)
	require.True(t, ok, "master must learn the joiner's identity from JOINANNOUNCE")
	assert.Equal(t, "node2", peerOnMaster.Name)

	selfOnJoiner, ok := n2.reg.FindByID(1)
	require.True(t, ok, "joiner must learn the bootstrap node's identity from TRANSITION's Nodes field")
	assert.Equal(t, "node-1", selfOnJoiner.Name)

	lowest, ok := n2.reg.LowestMemberID()
	require.True(t, ok, "joiner's registry must count the bootstrap node once its identity arrives")
	assert.Equal(t, int32(1), lowest)
}

// TestHandleJoinAnnounce_RejectsSelfOnNodeIDCollision exercises the
// node-id-collision path a maintainer review found dead: a node
// receiving an announcement for its own node_id under a different name
// (some other process already using that id) must move to REJECTED and
// invoke OnRejected rather than silently overwrite its own identity.
func TestHandleJoinAnnounce_RejectsSelfOnNodeIDCollision(t *testing.T) {
	m, reg := newSingleNodeMachine(t)
	_, err := reg.AddOrUpdate("us", 1, 1, 1, types.NodeMember, nil)
	require.NoError(t, err)
	m.setState(StateJoinAck)

	var rejectReason string
	m.cfg.OnRejected = func(reason string) { rejectReason = reason }

	announce := JoinAnnounceMsg{NodeID: 1, Votes: 1, ExpectedVotes: 1, Name: "impostor"}
	m.HandleMessage(2, CmdJoinAnnounce, encodeJoinAnnounce(announce)[1:], false)

	assert.Equal(t, StateRejected, m.State())
	assert.NotEmpty(t, rejectReason)
}

// TestHandleJoinAnnounce_IgnoresCollisionBetweenOtherNodes exercises the
// non-self branch of the same collision check: we only log a warning
// when neither colliding identity is our own.
func TestHandleJoinAnnounce_IgnoresCollisionBetweenOtherNodes(t *testing.T) {
	m, reg := newSingleNodeMachine(t)
	_, err := reg.AddOrUpdate("us", 1, 1, 1, types.NodeMember, nil)
	require.NoError(t, err)
	_, err = reg.AddOrUpdate("peer-a", 2, 1, 1, types.NodeMember, nil)
	require.NoError(t, err)

	announce := JoinAnnounceMsg{NodeID: 2, Votes: 1, ExpectedVotes: 1, Name: "peer-b"}
	m.HandleMessage(3, CmdJoinAnnounce, encodeJoinAnnounce(announce)[1:], false)

	assert.NotEqual(t, StateRejected, m.State())
	n, ok := reg.FindByID(2)
	require.True(t, ok)
	assert.Equal(t, "peer-a", n.Name, "a collision between two other nodes must not overwrite our registry entry")
}
