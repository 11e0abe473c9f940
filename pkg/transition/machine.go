package transition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/cman/pkg/barrier"
	"github.com/cuemby/cman/pkg/log"
	"github.com/cuemby/cman/pkg/metrics"
	"github.com/cuemby/cman/pkg/portmux"
	"github.com/cuemby/cman/pkg/quorum"
	"github.com/cuemby/cman/pkg/registry"
	"github.com/cuemby/cman/pkg/types"
)

// State is one of the local node's lifecycle states (spec.md §4.5).
type State string

const (
	StateStarting           State = "STARTING"
	StateNewCluster         State = "NEWCLUSTER"
	StateJoining            State = "JOINING"
	StateJoinWait           State = "JOINWAIT"
	StateJoinAck            State = "JOINACK"
	StateTransition         State = "TRANSITION"
	StateTransitionComplete State = "TRANSITION_COMPLETE"
	StateMember             State = "MEMBER"
	StateMaster             State = "MASTER"
	StateRejected           State = "REJECTED"
	StateLeft               State = "LEFT"
)

// MasterSubState is the local node's phase while in StateMaster.
type MasterSubState string

const (
	MasterStart    MasterSubState = "START"
	MasterCollect  MasterSubState = "COLLECT"
	MasterConfirm  MasterSubState = "CONFIRM"
	MasterComplete MasterSubState = "COMPLETE"
)

// Reason names why a master transition was started.
type Reason string

const (
	ReasonNewNode        Reason = "NEWNODE"
	ReasonRemNode        Reason = "REMNODE"
	ReasonNewMaster      Reason = "NEWMASTER"
	ReasonDeadMaster     Reason = "DEADMASTER"
	ReasonAnotherRemNode Reason = "ANOTHERREMNODE"
	ReasonRestart        Reason = "RESTART"
	ReasonCheck          Reason = "CHECK"
)

// Config wires a Machine to the components it coordinates.
type Config struct {
	LocalNodeID   int32
	ClusterName   string
	ClusterID     uint16
	TwoNode       bool
	MaxRestarts   int
	DeadNodeAfter time.Duration

	Registry *registry.Registry
	Quorum   *quorum.Calculator
	Demux    *portmux.Demux
	Barriers *barrier.Service

	// OnKilled is invoked when a KILLNODE message targets the local
	// node; the caller is expected to terminate the process.
	OnKilled func(reason uint16)

	// OnRejected is invoked when the local node's own node_id collides
	// with an existing member's under a different name (spec.md's
	// "node ID already in use"); the caller is expected to terminate
	// the process rather than run as a REJECTED node.
	OnRejected func(reason string)
}

// Machine is the transition state machine for one local node.
type Machine struct {
	cfg Config

	mu          sync.Mutex
	state       State
	masterSub   MasterSubState
	generation  uint64
	restarts    int
	quorumDev   *types.QuorumDevice
	helloSeenAt map[int32]time.Time

	stopCh chan struct{}
}

// NewMachine builds a Machine in STARTING state.
func NewMachine(cfg Config) *Machine {
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = 3
	}
	return &Machine{
		cfg:         cfg,
		state:       StateStarting,
		helloSeenAt: make(map[int32]time.Time),
		stopCh:      make(chan struct{}),
	}
}

// LocalNodeID returns the node id this Machine was configured with.
func (m *Machine) LocalNodeID() int32 {
	return m.cfg.LocalNodeID
}

// AnnouncePortOpen records the local bind and multicasts PORTOPENED, the
// client API's bind command (spec.md §4.7).
func (m *Machine) AnnouncePortOpen(port uint8) error {
	_ = m.cfg.Registry.SetPort(m.cfg.LocalNodeID, port, true)
	return m.cfg.Demux.Send(0, portmux.InternalPort, 0, portmux.TotemAgreed, encodePortOpened(port))
}

// AnnouncePortClosed records the local unbind and multicasts PORTCLOSED,
// the client API's unbind command.
func (m *Machine) AnnouncePortClosed(port uint8) error {
	_ = m.cfg.Registry.SetPort(m.cfg.LocalNodeID, port, false)
	return m.cfg.Demux.Send(0, portmux.InternalPort, 0, portmux.TotemAgreed, encodePortClosed(port))
}

// State returns the local node's current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	log.WithComponent("transition").Info().Str("state", string(s)).Msg("state changed")
}

// FormNewCluster transitions STARTING -> NEWCLUSTER -> MEMBER, assigning
// wantedNodeID (or 1) to the local node and publishing the initial
// TRANSITION. Used when newcluster_timeout elapses with no peers seen.
func (m *Machine) FormNewCluster(wantedNodeID int32, expectedVotes uint32) error {
	m.setState(StateNewCluster)
	if wantedNodeID == 0 {
		wantedNodeID = 1
	}

	node, err := m.cfg.Registry.AddOrUpdate(m.localName(), wantedNodeID, 1, expectedVotes, types.NodeMember, nil)
	if err != nil {
		return fmt.Errorf("transition: form new cluster: %w", err)
	}
	node.Us = true

	m.mu.Lock()
	m.generation = 1
	m.mu.Unlock()

	m.recomputeQuorum()
	m.setState(StateMember)
	return m.publishTransition()
}

// BeginJoin transitions STARTING -> JOINING, registering the local
// node's own identity so it exists in its own registry (as JOINING,
// not yet a counted MEMBER) before any conf_change is observed. The
// caller is responsible for calling transport.AddVoter against an
// existing member; once C1's conf_change reports our own node as
// joined, HandleConfChange announces this identity to the rest of the
// cluster and drives JOINACK -> JOINWAIT -> TRANSITION -> MEMBER (or
// -> REJECTED on a node_id collision, see handleJoinAnnounce).
func (m *Machine) BeginJoin(name string, votes uint8, expectedVotes uint32, addresses []types.Address) {
	if _, err := m.cfg.Registry.AddOrUpdate(name, m.cfg.LocalNodeID, votes, expectedVotes, types.NodeJoining, addresses); err != nil {
		log.WithComponent("transition").Error().Err(err).Msg("failed to register local node")
	}
	m.setState(StateJoining)
}

// announceSelf multicasts the local node's identity once its own
// conf_change join has been observed, so every other member can call
// registry.AddOrUpdate for it (see doc.go's JOINANNOUNCE note).
func (m *Machine) announceSelf() {
	node, ok := m.cfg.Registry.FindByID(m.cfg.LocalNodeID)
	if !ok {
		return
	}
	msg := JoinAnnounceMsg{
		NodeID:        node.NodeID,
		Votes:         node.Votes,
		ExpectedVotes: node.ExpectedVotes,
		Name:          node.Name,
		Addresses:     node.Addresses,
	}
	if err := m.cfg.Demux.Send(0, portmux.InternalPort, 0, portmux.TotemAgreed, encodeJoinAnnounce(msg)); err != nil {
		log.WithComponent("transition").Warn().Err(err).Msg("join announce send failed")
	}
}

func (m *Machine) localName() string {
	if n, ok := m.cfg.Registry.FindByID(m.cfg.LocalNodeID); ok {
		return n.Name
	}
	return fmt.Sprintf("node-%d", m.cfg.LocalNodeID)
}

// HandleConfChange reacts to a membership change reported by C1,
// choosing the lowest surviving node_id as tentative master (spec.md
// §4.5's "Membership change" rule).
func (m *Machine) HandleConfChange(joined, left []int32) {
	for _, id := range left {
		_ = m.cfg.Registry.MarkDead(id, types.LeaveNoResponse)
	}

	if m.State() == StateJoining {
		for _, id := range joined {
			if id == m.cfg.LocalNodeID {
				m.setState(StateJoinAck)
				m.announceSelf()
			}
		}
	}

	lowest, ok := m.cfg.Registry.LowestMemberID()
	reason := ReasonRemNode
	if len(joined) > 0 {
		reason = ReasonNewNode
	}
	if !ok {
		// Not yet a counted MEMBER anywhere (typically: we are the
		// joiner and haven't been admitted yet). A joiner waits here
		// until a TRANSITION confirms it (handleTransition promotes
		// any non-master state to MEMBER).
		if m.State() == StateJoinAck {
			m.setState(StateJoinWait)
		}
		return
	}

	if lowest == m.cfg.LocalNodeID {
		m.runMasterTransition(reason)
	} else if m.State() == StateJoinAck || m.State() == StateJoinWait {
		m.setState(StateJoinWait)
	} else {
		m.setState(StateTransition)
	}

	if m.cfg.Barriers != nil {
		m.cfg.Barriers.MembershipChanged()
	}
}

// runMasterTransition drives the local node through MASTER/START,
// MASTER/COLLECT, and MASTER/COMPLETE, publishing the new view and
// waiting on the generation barrier with every other member (see
// doc.go for why STARTACK/VIEWACK dissent voting is not reproduced).
func (m *Machine) runMasterTransition(reason Reason) {
	m.setState(StateMaster)
	m.setMasterSub(MasterStart)
	log.WithComponent("transition").Info().Str("reason", string(reason)).Msg("starting master transition")

	m.setMasterSub(MasterCollect)
	if err := m.publishTransition(); err != nil {
		log.WithComponent("transition").Error().Err(err).Msg("failed to publish transition")
		m.restartOrGiveUp()
		return
	}

	m.setMasterSub(MasterConfirm)
	m.setMasterSub(MasterComplete)
	m.awaitGenerationBarrier()
	m.setState(StateMember)
}

func (m *Machine) setMasterSub(s MasterSubState) {
	m.mu.Lock()
	m.masterSub = s
	m.mu.Unlock()
}

// publishTransition increments the generation and multicasts a
// TRANSITION message carrying the new view's shape.
func (m *Machine) publishTransition() error {
	view := m.snapshotView()

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	nodes := make([]NodeIdentity, 0, len(view.Nodes))
	for _, n := range view.Nodes {
		nodes = append(nodes, NodeIdentity{
			NodeID:        n.NodeID,
			Votes:         n.Votes,
			ExpectedVotes: n.ExpectedVotes,
			Name:          n.Name,
			Addresses:     n.Addresses,
		})
	}

	msg := TransitionMsg{
		ClusterID:     m.cfg.ClusterID,
		HighNodeID:    highNodeID(view),
		ExpectedVotes: view.ExpectedVotesMax(),
		ConfigVersion: uint32(gen),
		ClusterName:   m.cfg.ClusterName,
		Nodes:         nodes,
	}

	if m.cfg.Barriers != nil {
		_ = m.cfg.Barriers.Register(m.generationBarrierName(gen), types.BarrierAutoDelete, 0)
	}

	metrics.TransitionsTotal.WithLabelValues("published").Inc()
	return m.cfg.Demux.Send(0, portmux.InternalPort, 0, portmux.TotemAgreed, encodeTransition(msg))
}

func (m *Machine) generationBarrierName(gen uint64) string {
	return fmt.Sprintf("TRANSITION.%d", gen)
}

func (m *Machine) awaitGenerationBarrier() {
	if m.cfg.Barriers == nil {
		return
	}
	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()

	timer := metrics.NewTimer()
	err := m.cfg.Barriers.Wait(context.Background(), m.generationBarrierName(gen))
	timer.ObserveDuration(metrics.TransitionDuration)
	if err != nil {
		log.WithComponent("transition").Warn().Err(err).Msg("generation barrier did not complete cleanly")
	}
}

func (m *Machine) restartOrGiveUp() {
	m.mu.Lock()
	m.restarts++
	exceeded := m.restarts > m.cfg.MaxRestarts
	m.mu.Unlock()

	if exceeded {
		log.WithComponent("transition").Error().Msg("transition_restarts exceeded, leaving as INCONSISTENT")
		_ = m.cfg.Registry.MarkDead(m.cfg.LocalNodeID, types.LeaveInconsistent)
		m.setState(StateLeft)
		metrics.TransitionsTotal.WithLabelValues("give_up").Inc()
		return
	}
	m.runMasterTransition(ReasonRestart)
}

func highNodeID(view *types.ClusterView) uint32 {
	var high int32
	for _, n := range view.Nodes {
		if n.NodeID > high {
			high = n.NodeID
		}
	}
	return uint32(high)
}

func (m *Machine) snapshotView() *types.ClusterView {
	m.mu.Lock()
	gen := m.generation
	qd := m.quorumDev
	m.mu.Unlock()

	return &types.ClusterView{
		ClusterName:  m.cfg.ClusterName,
		ClusterID:    m.cfg.ClusterID,
		Generation:   gen,
		Nodes:        m.cfg.Registry.ListOrdered(),
		TwoNode:      m.cfg.TwoNode,
		QuorumDevice: qd,
	}
}

// CurrentView returns a freshly computed snapshot of the local node's
// cluster view, including up-to-date Quorum/Quorate fields, for read-only
// queries such as the client API's cluster-info and is-quorate commands.
func (m *Machine) CurrentView() *types.ClusterView {
	view := m.snapshotView()
	m.cfg.Quorum.Recompute(view)
	return view
}

func (m *Machine) recomputeQuorum() bool {
	view := m.snapshotView()
	transitioned := m.cfg.Quorum.Recompute(view)
	if transitioned {
		direction := "lost"
		if view.Quorate {
			direction = "gained"
		}
		metrics.QuorumTransitionsTotal.WithLabelValues(direction).Inc()
	}
	return transitioned
}

// HandleMessage routes one internal-protocol message (the command byte
// already identified by Dispatcher) to the appropriate handler.
func (m *Machine) HandleMessage(sourceNode int32, cmd byte, body []byte, swap bool) {
	switch cmd {
	case CmdTransition:
		m.handleTransition(sourceNode, body, swap)
	case CmdKillNode:
		m.handleKillNode(body, swap)
	case CmdLeave:
		m.handleLeave(sourceNode, body, swap)
	case CmdReconfigure:
		m.handleReconfigure(body, swap)
	case CmdPortEnq:
		m.handlePortEnq(sourceNode)
	case CmdPortStatus:
		m.handlePortStatus(sourceNode, body)
	case CmdHello:
		m.handleHello(sourceNode, body, swap)
	case CmdJoinAnnounce:
		m.handleJoinAnnounce(body, swap)
	}
}

func (m *Machine) handleTransition(sourceNode int32, body []byte, swap bool) {
	msg, err := decodeTransition(body, swap)
	if err != nil {
		return
	}

	m.mu.Lock()
	if uint64(msg.ConfigVersion) > m.generation {
		m.generation = uint64(msg.ConfigVersion)
	}
	gen := m.generation
	m.mu.Unlock()

	if sourceNode != m.cfg.LocalNodeID && m.cfg.Barriers != nil {
		_ = m.cfg.Barriers.Register(m.generationBarrierName(gen), types.BarrierAutoDelete, 0)
	}

	for _, id := range msg.Nodes {
		if id.NodeID == m.cfg.LocalNodeID {
			continue // we know our own identity; applying it here would fight BeginJoin's NodeJoining state
		}
		m.applyNodeIdentity(id)
	}

	if m.State() != StateMaster {
		m.setState(StateTransitionComplete)
		if m.cfg.Barriers != nil {
			go m.awaitGenerationBarrier()
		}
		m.setState(StateMember)
	}
	metrics.TransitionsTotal.WithLabelValues("observed").Inc()
}

func (m *Machine) handleKillNode(body []byte, swap bool) {
	msg, err := decodeKillNode(body, swap)
	if err != nil {
		return
	}
	if msg.TargetNode == m.cfg.LocalNodeID && m.cfg.OnKilled != nil {
		m.cfg.OnKilled(msg.Reason)
	}
}

func (m *Machine) handleLeave(sourceNode int32, body []byte, swap bool) {
	msg, err := decodeLeave(body, swap)
	if err != nil {
		return
	}
	_ = m.cfg.Registry.MarkDead(sourceNode, types.LeaveReason(msg.Reason))
	m.recomputeQuorum()
}

func (m *Machine) handleReconfigure(body []byte, swap bool) {
	msg, err := decodeReconfigure(body, swap)
	if err != nil {
		return
	}

	switch msg.Param {
	case ParamExpectedVotes:
		if n, ok := m.cfg.Registry.FindByID(msg.NodeID); ok {
			n.ExpectedVotes = msg.Value
		}
	case ParamNodeVotes:
		if n, ok := m.cfg.Registry.FindByID(msg.NodeID); ok {
			n.Votes = uint8(msg.Value)
		}
	case ParamConfigVersion:
		m.mu.Lock()
		m.generation = uint64(msg.Value)
		m.mu.Unlock()
	}

	view := m.snapshotView()
	transitioned := m.cfg.Quorum.RecomputeAllowingDecrease(view)
	if transitioned {
		direction := "lost"
		if view.Quorate {
			direction = "gained"
		}
		metrics.QuorumTransitionsTotal.WithLabelValues(direction).Inc()
	}
}

func (m *Machine) handlePortEnq(sourceNode int32) {
	node, ok := m.cfg.Registry.FindByID(m.cfg.LocalNodeID)
	if !ok {
		return
	}
	_ = m.cfg.Demux.Send(0, portmux.InternalPort, sourceNode, portmux.TotemAgreed, encodePortStatus([32]byte(node.Ports)))
}

func (m *Machine) handlePortStatus(sourceNode int32, body []byte) {
	bitmap, err := decodePortStatus(body)
	if err != nil {
		return
	}
	for port := 0; port < portBitmapSize*8; port++ {
		bit := bitmap[port/8]&(1<<(uint(port)%8)) != 0
		_ = m.cfg.Registry.SetPort(sourceNode, uint8(port), bit)
	}
}

func (m *Machine) handleHello(sourceNode int32, body []byte, swap bool) {
	msg, err := decodeHello(body, swap)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.helloSeenAt[sourceNode] = time.Now()
	mismatch := msg.Generation != m.generation
	m.mu.Unlock()

	if mismatch && m.State() == StateMember {
		if lowest, ok := m.cfg.Registry.LowestMemberID(); ok && lowest == m.cfg.LocalNodeID {
			m.runMasterTransition(ReasonCheck)
		}
	}
}

// handleJoinAnnounce registers a joining node's identity (see
// announceSelf/doc.go). A collision naming our own node_id under a
// different name means some other process is already using it: we
// reject ourselves (spec.md's "node ID already in use"). A collision
// between two other nodes is logged and otherwise ignored here; the
// node whose own id is the one in conflict rejects itself the same way
// when it processes the announcement.
func (m *Machine) handleJoinAnnounce(body []byte, swap bool) {
	msg, err := decodeJoinAnnounce(body, swap)
	if err != nil {
		return
	}
	if m.applyNodeIdentity(msg) {
		m.recomputeQuorum()
	}
}

// applyNodeIdentity registers one node's identity from a JOINANNOUNCE or
// a TRANSITION's Nodes list, rejecting the local node if the identity
// collides with a node_id we are already running under a different
// name. It reports whether the identity was applied cleanly.
func (m *Machine) applyNodeIdentity(id NodeIdentity) bool {
	_, err := m.cfg.Registry.AddOrUpdate(id.Name, id.NodeID, id.Votes, id.ExpectedVotes, types.NodeMember, id.Addresses)
	if err != nil {
		log.WithComponent("transition").Warn().Err(err).Int32("node_id", id.NodeID).Msg("node ID already in use")
		if id.NodeID == m.cfg.LocalNodeID {
			m.setState(StateRejected)
			if m.cfg.OnRejected != nil {
				m.cfg.OnRejected("node ID already in use")
			}
		}
		return false
	}
	return true
}

// SendHello multicasts one HELLO heartbeat, carrying the local view's
// member count, quorum state, and generation.
func (m *Machine) SendHello() error {
	view := m.CurrentView()
	isMaster := m.State() == StateMaster

	msg := HelloMsg{
		Members:    uint32(view.MembersCount()),
		Quorate:    view.Quorate,
		IsMaster:   isMaster,
		Generation: view.Generation,
	}
	return m.cfg.Demux.Send(0, portmux.InternalPort, 0, portmux.TotemAgreed, encodeHello(msg))
}

// RunHeartbeat sends HELLO every interval until ctx is cancelled or
// Stop is called.
func (m *Machine) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.SendHello(); err != nil {
				log.WithComponent("transition").Warn().Err(err).Msg("hello send failed")
			}
		}
	}
}

// ReapDeadNodes marks MEMBER nodes DEAD if no HELLO has been observed
// from them within deadAfter.
func (m *Machine) ReapDeadNodes(deadAfter time.Duration) {
	now := time.Now()
	m.mu.Lock()
	stale := make([]int32, 0)
	for id, seen := range m.helloSeenAt {
		if now.Sub(seen) > deadAfter {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(m.helloSeenAt, id)
	}
	m.mu.Unlock()

	for _, id := range stale {
		if id == m.cfg.LocalNodeID {
			continue
		}
		_ = m.cfg.Registry.MarkDead(id, types.LeaveNoResponse)
	}
	if len(stale) > 0 {
		m.recomputeQuorum()
	}
}

// Stop halts any running heartbeat goroutine.
func (m *Machine) Stop() {
	close(m.stopCh)
}

// LeaveCluster broadcasts LEAVE and transitions to LEFT.
func (m *Machine) LeaveCluster(reason types.LeaveReason) error {
	err := m.cfg.Demux.Send(0, portmux.InternalPort, 0, portmux.TotemAgreed, encodeLeave(LeaveMsg{Reason: uint16(reason)}))
	m.setState(StateLeft)
	return err
}

// Reconfigure multicasts a RECONFIGURE message, the privileged client API's
// set-expected-votes/set-votes commands (spec.md §4.7) surface onto the
// internal protocol.
func (m *Machine) Reconfigure(param ReconfigureParam, nodeID int32, value uint32) error {
	return m.cfg.Demux.Send(0, portmux.InternalPort, 0, portmux.TotemAgreed, encodeReconfigure(ReconfigureMsg{
		Param:  param,
		NodeID: nodeID,
		Value:  value,
	}))
}

// KillNode multicasts a KILLNODE targeting target, the privileged
// client API's kill-node command.
func (m *Machine) KillNode(target int32, reason uint16) error {
	return m.cfg.Demux.Send(0, portmux.InternalPort, 0, portmux.TotemAgreed, encodeKillNode(KillNodeMsg{
		Reason:     reason,
		TargetNode: target,
	}))
}

// SendPortEnq targets a PORTENQ at targetNode, requesting a fresh
// PORTSTATUS reply (spec.md §8 L1 / scenario 4's is-listening refresh).
func (m *Machine) SendPortEnq(targetNode int32) error {
	return m.cfg.Demux.Send(0, portmux.InternalPort, targetNode, portmux.TotemAgreed, encodePortEnq())
}
