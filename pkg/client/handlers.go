package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/cman/pkg/barrier"
	"github.com/cuemby/cman/pkg/events"
	"github.com/cuemby/cman/pkg/log"
	"github.com/cuemby/cman/pkg/portmux"
	"github.com/cuemby/cman/pkg/transition"
	"github.com/cuemby/cman/pkg/types"
)

const nodeNameFieldSize = 32

// handle dispatches one decoded command body against the server's
// components and returns the reply status and payload.
func (c *connection) handle(cmd Command, body []byte) (Status, []byte) {
	s := c.server
	switch cmd {
	case CmdVersionGet:
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], Version)
		return StatusOK, buf[:]

	case CmdVersionSet:
		return StatusOK, nil

	case CmdClusterInfo:
		return c.handleClusterInfo()

	case CmdNodeGet:
		return c.handleNodeGet(body)

	case CmdNodeCount:
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(s.Registry.Count()))
		return StatusOK, buf[:]

	case CmdAllMembers:
		return c.handleAllMembers()

	case CmdExtraInfo:
		return c.handleExtraInfo()

	case CmdIsQuorate:
		if s.Machine.CurrentView().Quorate {
			return StatusOK, []byte{1}
		}
		return StatusOK, []byte{0}

	case CmdIsActive:
		st := s.Machine.State()
		active := st == transition.StateMember || st == transition.StateMaster
		if active {
			return StatusOK, []byte{1}
		}
		return StatusOK, []byte{0}

	case CmdIsListening:
		return c.handleIsListening(body)

	case CmdSetExpectedVotes:
		if len(body) < 8 {
			return StatusInvalidArgument, nil
		}
		nodeID := int32(binary.BigEndian.Uint32(body[0:4]))
		value := binary.BigEndian.Uint32(body[4:8])
		if err := s.Machine.Reconfigure(transition.ParamExpectedVotes, nodeID, value); err != nil {
			return StatusBusy, nil
		}
		return StatusOK, nil

	case CmdSetVotes:
		if len(body) < 8 {
			return StatusInvalidArgument, nil
		}
		nodeID := int32(binary.BigEndian.Uint32(body[0:4]))
		votes := binary.BigEndian.Uint32(body[4:8])
		if err := s.Machine.Reconfigure(transition.ParamNodeVotes, nodeID, votes); err != nil {
			return StatusBusy, nil
		}
		return StatusOK, nil

	case CmdSetNodeName, CmdSetNodeID, CmdAddKeyfile, CmdAddMulticast, CmdAddInterfaceAddress:
		if s.Machine.State() != transition.StateStarting {
			return StatusInvalidArgument, nil
		}
		// Pre-join configuration overrides are applied by cmd/cmand before
		// the Machine and Server are constructed; once the server is
		// serving requests the only valid pre-join action left is join.
		return StatusBusy, nil

	case CmdJoinCluster:
		id := s.LocalIdentity
		s.Machine.BeginJoin(id.Name, id.Votes, id.ExpectedVotes, id.Addresses)
		return StatusOK, nil

	case CmdLeaveCluster:
		if err := s.Machine.LeaveCluster(types.LeaveDown); err != nil {
			return StatusBusy, nil
		}
		return StatusOK, nil

	case CmdKillNode:
		if len(body) < 6 {
			return StatusInvalidArgument, nil
		}
		nodeID := int32(binary.BigEndian.Uint32(body[0:4]))
		reason := binary.BigEndian.Uint16(body[4:6])
		if err := s.Machine.KillNode(nodeID, reason); err != nil {
			return StatusBusy, nil
		}
		return StatusOK, nil

	case CmdTryShutdown:
		if s.Events != nil {
			s.Events.Publish(&events.Event{Type: events.EventTryShutdown, Message: "shutdown requested"})
		}
		return StatusOK, nil

	case CmdShutdownReply:
		return StatusOK, nil

	case CmdPortBind:
		return c.handlePortBind(body)

	case CmdPortUnbind:
		return c.handlePortUnbind(body)

	case CmdSendData:
		return c.handleSendData(body)

	case CmdSubscribeEvents:
		c.handleSubscribeEvents()
		return StatusOK, nil

	case CmdBarrierRegister:
		return c.handleBarrierRegister(body)

	case CmdBarrierSetAttr:
		return c.handleBarrierSetAttr(body)

	case CmdBarrierWait:
		return c.handleBarrierWait(body)

	case CmdBarrierDelete:
		return c.handleBarrierDelete(body)

	case CmdSetDebugMask:
		return handleSetDebugMask(body)

	case CmdDumpConfiguration:
		view := s.Machine.CurrentView()
		dump := fmt.Sprintf("cluster_name=%s cluster_id=%d generation=%d members=%d quorum=%d quorate=%v",
			view.ClusterName, view.ClusterID, view.Generation, view.MembersCount(), view.Quorum, view.Quorate)
		return StatusOK, []byte(dump)

	default:
		return StatusInvalidArgument, nil
	}
}

// handleSetDebugMask flips the global log level, the closest idiomatic-Go
// analog to cman's per-subsystem debug bitmask: a single bit (debug
// on/off) rather than the original's per-subsystem mask, since this
// repository has one global zerolog level rather than cman's compiled-in
// per-subsystem debug flags.
func handleSetDebugMask(body []byte) (Status, []byte) {
	if len(body) < 4 {
		return StatusInvalidArgument, nil
	}
	mask := binary.BigEndian.Uint32(body[0:4])
	level := log.InfoLevel
	if mask != 0 {
		level = log.DebugLevel
	}
	log.SetLevel(level)
	return StatusOK, nil
}

func (c *connection) handleClusterInfo() (Status, []byte) {
	view := c.server.Machine.CurrentView()
	buf := make([]byte, 0, nodeNameFieldSize+2+4+1+4+8)
	name := make([]byte, nodeNameFieldSize)
	copy(name, view.ClusterName)
	buf = append(buf, name...)
	buf = appendU16(buf, view.ClusterID)
	buf = appendU32(buf, view.Quorum)
	if view.Quorate {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendU32(buf, uint32(view.MembersCount()))
	buf = appendU64(buf, view.Generation)
	return StatusOK, buf
}

func (c *connection) handleNodeGet(body []byte) (Status, []byte) {
	if len(body) < 4 {
		return StatusInvalidArgument, nil
	}
	nodeID := int32(binary.BigEndian.Uint32(body[0:4]))
	n, ok := c.server.Registry.FindByID(nodeID)
	if !ok {
		return StatusNoSuchEntity, nil
	}
	return StatusOK, encodeNodeSummary(n)
}

func (c *connection) handleAllMembers() (Status, []byte) {
	nodes := c.server.Registry.ListOrdered()
	buf := appendU32(nil, uint32(len(nodes)))
	for _, n := range nodes {
		buf = append(buf, encodeNodeSummary(n)...)
	}
	return StatusOK, buf
}

func encodeNodeSummary(n *types.Node) []byte {
	buf := make([]byte, 0, 4+1+4+1+nodeNameFieldSize)
	buf = appendU32(buf, uint32(n.NodeID))
	buf = append(buf, n.Votes)
	buf = appendU32(buf, n.ExpectedVotes)
	buf = append(buf, nodeStateCode(n.State))
	name := make([]byte, nodeNameFieldSize)
	copy(name, n.Name)
	buf = append(buf, name...)
	return buf
}

func nodeStateCode(s types.NodeState) byte {
	switch s {
	case types.NodeMember:
		return 1
	case types.NodeDead:
		return 2
	case types.NodeLeaving:
		return 3
	case types.NodeAISOnly:
		return 4
	default:
		return 0 // JOINING
	}
}

func (c *connection) handleExtraInfo() (Status, []byte) {
	view := c.server.Machine.CurrentView()
	buf := appendU32(nil, view.TotalVotes())
	buf = appendU32(buf, view.ExpectedVotesMax())
	buf = appendU32(buf, view.Quorum)
	if view.Quorate {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	if view.TwoNode {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return StatusOK, buf
}

func (c *connection) handleIsListening(body []byte) (Status, []byte) {
	if len(body) < 5 {
		return StatusInvalidArgument, nil
	}
	nodeID := int32(binary.BigEndian.Uint32(body[0:4]))
	port := body[4]

	n, ok := c.server.Registry.FindByID(nodeID)
	if !ok {
		return StatusNoSuchEntity, nil
	}
	if n.Ports.Get(port) {
		return StatusOK, []byte{1}
	}
	_ = c.server.Machine.SendPortEnq(nodeID)
	return StatusOK, []byte{0}
}

func (c *connection) handlePortBind(body []byte) (Status, []byte) {
	if len(body) < 1 {
		return StatusInvalidArgument, nil
	}
	port := body[0]
	binding := &connBinding{conn: c, port: port}
	if err := c.server.Demux.Bind(port, binding); err != nil {
		return StatusAlreadyInUse, nil
	}
	c.mu.Lock()
	c.boundPorts[port] = binding
	c.mu.Unlock()
	_ = c.server.Machine.AnnouncePortOpen(port)
	return StatusOK, nil
}

func (c *connection) handlePortUnbind(body []byte) (Status, []byte) {
	if len(body) < 1 {
		return StatusInvalidArgument, nil
	}
	port := body[0]
	c.mu.Lock()
	_, bound := c.boundPorts[port]
	delete(c.boundPorts, port)
	c.mu.Unlock()
	if !bound {
		return StatusNoSuchEntity, nil
	}
	c.server.Demux.Unbind(port)
	_ = c.server.Machine.AnnouncePortClosed(port)
	return StatusOK, nil
}

func (c *connection) handleSendData(body []byte) (Status, []byte) {
	if len(body) < 6 {
		return StatusInvalidArgument, nil
	}
	srcPort := body[0]
	dstPort := body[1]
	dstNode := int32(binary.BigEndian.Uint32(body[2:6]))
	payload := body[6:]
	if err := c.server.Demux.Send(srcPort, dstPort, dstNode, portmux.TotemAgreed, payload); err != nil {
		return StatusInvalidArgument, nil
	}
	return StatusOK, nil
}

func (c *connection) handleSubscribeEvents() {
	if c.server.Events == nil {
		return
	}
	sub := c.server.Events.Subscribe()
	c.mu.Lock()
	c.eventSub = sub
	c.mu.Unlock()

	go func() {
		for ev := range sub {
			payload := []byte(string(ev.Type) + ":" + ev.Message)
			c.send(buildReply(eventCommand, StatusOK, payload))
		}
	}()
}

func (c *connection) handleBarrierRegister(body []byte) (Status, []byte) {
	if len(body) < 5 {
		return StatusInvalidArgument, nil
	}
	expected := binary.BigEndian.Uint32(body[0:4])
	flags := types.BarrierFlag(body[4])
	name := string(body[5:])
	if err := c.server.Barriers.Register(name, flags, expected); err != nil {
		return StatusAlreadyInUse, nil
	}
	c.mu.Lock()
	c.barriers[name] = true
	c.mu.Unlock()
	return StatusOK, nil
}

const (
	barrierAttrAutoDelete byte = 0
	barrierAttrTimeout    byte = 1
	barrierAttrEnabled    byte = 2
	barrierAttrNodes      byte = 3
)

func (c *connection) handleBarrierSetAttr(body []byte) (Status, []byte) {
	if len(body) < 5 {
		return StatusInvalidArgument, nil
	}
	attr := body[0]
	valueBytes := body[1:5]
	name := string(body[5:])

	var attrName string
	var value interface{}
	switch attr {
	case barrierAttrAutoDelete:
		attrName = "AUTODELETE"
		value = valueBytes[0] != 0
	case barrierAttrTimeout:
		attrName = "TIMEOUT"
		value = timeoutFromMillis(binary.BigEndian.Uint32(valueBytes))
	case barrierAttrEnabled:
		attrName = "ENABLED"
		value = valueBytes[0] != 0
	case barrierAttrNodes:
		attrName = "NODES"
		value = binary.BigEndian.Uint32(valueBytes)
	default:
		return StatusInvalidArgument, nil
	}

	if err := c.server.Barriers.SetAttribute(name, attrName, value); err != nil {
		return StatusNoSuchEntity, nil
	}
	return StatusOK, nil
}

func (c *connection) handleBarrierWait(body []byte) (Status, []byte) {
	name := string(body)
	go func() {
		err := c.server.Barriers.Wait(context.Background(), name)
		status := StatusOK
		switch {
		case errors.Is(err, barrier.ErrSrch):
			status = StatusNoSuchEntity
		case err != nil:
			status = StatusTimedOut
		}
		c.send(buildReply(CmdBarrierWait.WireCode(), status, []byte(name)))
	}()
	return StatusWouldBlock, nil
}

func (c *connection) handleBarrierDelete(body []byte) (Status, []byte) {
	name := string(body)
	if err := c.server.Barriers.Delete(name); err != nil {
		return StatusNoSuchEntity, nil
	}
	c.mu.Lock()
	delete(c.barriers, name)
	c.mu.Unlock()
	return StatusOK, nil
}

func timeoutFromMillis(ms uint32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
