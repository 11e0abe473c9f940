package transition

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/cman/pkg/types"
)

// Internal-protocol command bytes (spec.md §4.5). CmdBarrier is defined
// in pkg/barrier since that package owns BARRIER's body encoding;
// Dispatcher's switch refers to barrier.CmdBarrier directly.
const (
	CmdAck          byte = 1
	CmdPortOpened   byte = 2
	CmdPortClosed   byte = 3
	CmdTransition   byte = 5
	CmdKillNode     byte = 6
	CmdLeave        byte = 7
	CmdReconfigure  byte = 8
	CmdPortEnq      byte = 9
	CmdPortStatus   byte = 10
	CmdHello        byte = 11 // supplements spec.md's prose-only HELLO; see doc.go
	CmdJoinAnnounce byte = 12 // carries a joiner's identity; see doc.go
	clusterNameSize      = 16
	portBitmapSize       = 32
)

func readU16(b []byte, swap bool) uint16 {
	if swap {
		return binary.BigEndian.Uint16(b)
	}
	return binary.LittleEndian.Uint16(b)
}

func readU32(b []byte, swap bool) uint32 {
	if swap {
		return binary.BigEndian.Uint32(b)
	}
	return binary.LittleEndian.Uint32(b)
}

func readU64(b []byte, swap bool) uint64 {
	if swap {
		return binary.BigEndian.Uint64(b)
	}
	return binary.LittleEndian.Uint64(b)
}

func putU16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func putU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func putU64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

// TransitionMsg is cmd 5's payload: a packed snapshot of the view the
// sender wants the cluster to adopt. Nodes is the "packed cluster view"
// spec.md's JOINCONF hands a joiner: every member's identity as the
// sender's own registry currently has it, so a recipient that is
// missing an entry (a fresh joiner, or an existing member that hasn't
// yet heard a peer's JOINANNOUNCE) learns it from whichever TRANSITION
// reaches it next.
type TransitionMsg struct {
	ClusterID     uint16
	HighNodeID    uint32
	ExpectedVotes uint32
	VersionMajor  uint32
	VersionMinor  uint32
	VersionPatch  uint32
	ConfigVersion uint32
	ClusterName   string
	Nodes         []NodeIdentity
}

func encodeTransition(m TransitionMsg) []byte {
	buf := make([]byte, 1+2+4+4+4+4+4+4+clusterNameSize, 1+2+4+4+4+4+4+4+clusterNameSize+64)
	buf[0] = CmdTransition
	putU16(buf[1:3], m.ClusterID)
	putU32(buf[3:7], m.HighNodeID)
	putU32(buf[7:11], m.ExpectedVotes)
	putU32(buf[11:15], m.VersionMajor)
	putU32(buf[15:19], m.VersionMinor)
	putU32(buf[19:23], m.VersionPatch)
	putU32(buf[23:27], m.ConfigVersion)
	copy(buf[27:27+clusterNameSize], m.ClusterName)

	buf = append(buf, byte(len(m.Nodes)))
	for _, n := range m.Nodes {
		buf = appendNodeIdentity(buf, n)
	}
	return buf
}

func decodeTransition(body []byte, swap bool) (TransitionMsg, error) {
	const want = 2 + 4 + 4 + 4 + 4 + 4 + 4 + clusterNameSize
	if len(body) < want {
		return TransitionMsg{}, fmt.Errorf("transition: short TRANSITION body (%d bytes)", len(body))
	}
	name := body[26 : 26+clusterNameSize]
	end := 0
	for end < len(name) && name[end] != 0 {
		end++
	}
	msg := TransitionMsg{
		ClusterID:     readU16(body[0:2], swap),
		HighNodeID:    readU32(body[2:6], swap),
		ExpectedVotes: readU32(body[6:10], swap),
		VersionMajor:  readU32(body[10:14], swap),
		VersionMinor:  readU32(body[14:18], swap),
		VersionPatch:  readU32(body[18:22], swap),
		ConfigVersion: readU32(body[22:26], swap),
		ClusterName:   string(name[:end]),
	}

	if len(body) > want {
		count := int(body[want])
		off := want + 1
		for i := 0; i < count; i++ {
			n, consumed, err := decodeNodeIdentity(body[off:], swap)
			if err != nil {
				return msg, nil // a short or absent node list is tolerated; the sender may predate this field
			}
			msg.Nodes = append(msg.Nodes, n)
			off += consumed
		}
	}
	return msg, nil
}

// KillNodeMsg is cmd 6's payload.
type KillNodeMsg struct {
	Reason     uint16
	TargetNode int32
}

func encodeKillNode(m KillNodeMsg) []byte {
	buf := make([]byte, 1+2+4)
	buf[0] = CmdKillNode
	putU16(buf[1:3], m.Reason)
	putU32(buf[3:7], uint32(m.TargetNode))
	return buf
}

func decodeKillNode(body []byte, swap bool) (KillNodeMsg, error) {
	if len(body) < 6 {
		return KillNodeMsg{}, fmt.Errorf("transition: short KILLNODE body")
	}
	return KillNodeMsg{
		Reason:     readU16(body[0:2], swap),
		TargetNode: int32(readU32(body[2:6], swap)),
	}, nil
}

// LeaveMsg is cmd 7's payload.
type LeaveMsg struct {
	Reason uint16
}

func encodeLeave(m LeaveMsg) []byte {
	buf := make([]byte, 1+2)
	buf[0] = CmdLeave
	putU16(buf[1:3], m.Reason)
	return buf
}

func decodeLeave(body []byte, swap bool) (LeaveMsg, error) {
	if len(body) < 2 {
		return LeaveMsg{}, fmt.Errorf("transition: short LEAVE body")
	}
	return LeaveMsg{Reason: readU16(body[0:2], swap)}, nil
}

// ReconfigureParam selects which field RECONFIGURE updates.
type ReconfigureParam uint8

const (
	ParamExpectedVotes ReconfigureParam = iota
	ParamNodeVotes
	ParamConfigVersion
)

// ReconfigureMsg is cmd 8's payload.
type ReconfigureMsg struct {
	Param  ReconfigureParam
	NodeID int32
	Value  uint32
}

func encodeReconfigure(m ReconfigureMsg) []byte {
	buf := make([]byte, 1+1+4+4)
	buf[0] = CmdReconfigure
	buf[1] = byte(m.Param)
	putU32(buf[2:6], uint32(m.NodeID))
	putU32(buf[6:10], m.Value)
	return buf
}

func decodeReconfigure(body []byte, swap bool) (ReconfigureMsg, error) {
	if len(body) < 9 {
		return ReconfigureMsg{}, fmt.Errorf("transition: short RECONFIGURE body")
	}
	return ReconfigureMsg{
		Param:  ReconfigureParam(body[0]),
		NodeID: int32(readU32(body[1:5], swap)),
		Value:  readU32(body[5:9], swap),
	}, nil
}

func encodePortEnq() []byte {
	return []byte{CmdPortEnq}
}

func encodePortOpened(port uint8) []byte {
	return []byte{CmdPortOpened, port}
}

func encodePortClosed(port uint8) []byte {
	return []byte{CmdPortClosed, port}
}

func decodePort(body []byte) (uint8, error) {
	if len(body) < 1 {
		return 0, fmt.Errorf("transition: short port body")
	}
	return body[0], nil
}

func encodePortStatus(bitmap [portBitmapSize]byte) []byte {
	buf := make([]byte, 1+portBitmapSize)
	buf[0] = CmdPortStatus
	copy(buf[1:], bitmap[:])
	return buf
}

func decodePortStatus(body []byte) ([portBitmapSize]byte, error) {
	var bitmap [portBitmapSize]byte
	if len(body) < portBitmapSize {
		return bitmap, fmt.Errorf("transition: short PORTSTATUS body")
	}
	copy(bitmap[:], body[:portBitmapSize])
	return bitmap, nil
}

// HelloMsg supplements the spec's prose-only HELLO heartbeat (no cmd
// number is assigned in its message table) with a concrete wire form.
type HelloMsg struct {
	Members    uint32
	Quorate    bool
	IsMaster   bool
	Generation uint64
}

const (
	helloFlagQuorate uint8 = 1 << iota
	helloFlagMaster
)

func encodeHello(m HelloMsg) []byte {
	buf := make([]byte, 1+4+1+8)
	buf[0] = CmdHello
	putU32(buf[1:5], m.Members)
	var flags uint8
	if m.Quorate {
		flags |= helloFlagQuorate
	}
	if m.IsMaster {
		flags |= helloFlagMaster
	}
	buf[5] = flags
	putU64(buf[6:14], m.Generation)
	return buf
}

func decodeHello(body []byte, swap bool) (HelloMsg, error) {
	if len(body) < 13 {
		return HelloMsg{}, fmt.Errorf("transition: short HELLO body")
	}
	flags := body[4]
	return HelloMsg{
		Members:    readU32(body[0:4], swap),
		Quorate:    flags&helloFlagQuorate != 0,
		IsMaster:   flags&helloFlagMaster != 0,
		Generation: readU64(body[5:13], swap),
	}, nil
}

// NodeIdentity is one node's name/votes/expected_votes/addresses as the
// registry holds them. It is the payload shared by JOINANNOUNCE (a
// joiner announcing itself) and TRANSITION's Nodes field (a sender's
// whole known view), so both wire forms use the same encode/decode pair
// instead of duplicating the variable-length name/address layout.
type NodeIdentity struct {
	NodeID        int32
	Votes         uint8
	ExpectedVotes uint32
	Name          string
	Addresses     []types.Address
}

func appendNodeIdentity(buf []byte, m NodeIdentity) []byte {
	var idBuf [4]byte
	putU32(idBuf[:], uint32(m.NodeID))
	buf = append(buf, idBuf[:]...)

	buf = append(buf, m.Votes)

	var evBuf [4]byte
	putU32(evBuf[:], m.ExpectedVotes)
	buf = append(buf, evBuf[:]...)

	buf = append(buf, byte(len(m.Name)))
	buf = append(buf, []byte(m.Name)...)

	buf = append(buf, byte(len(m.Addresses)))
	for _, a := range m.Addresses {
		buf = append(buf, byte(len(a)))
		buf = append(buf, a...)
	}
	return buf
}

// decodeNodeIdentity returns the decoded identity and the number of
// bytes of body it consumed, so callers can walk a list of these.
func decodeNodeIdentity(body []byte, swap bool) (NodeIdentity, int, error) {
	if len(body) < 10 {
		return NodeIdentity{}, 0, fmt.Errorf("transition: short node identity")
	}
	nodeID := int32(readU32(body[0:4], swap))
	votes := body[4]
	expectedVotes := readU32(body[5:9], swap)

	nameLen := int(body[9])
	off := 10
	if off+nameLen > len(body) {
		return NodeIdentity{}, 0, fmt.Errorf("transition: short node identity name")
	}
	name := string(body[off : off+nameLen])
	off += nameLen

	if off >= len(body) {
		return NodeIdentity{}, 0, fmt.Errorf("transition: short node identity address count")
	}
	addrCount := int(body[off])
	off++

	addresses := make([]types.Address, 0, addrCount)
	for i := 0; i < addrCount; i++ {
		if off >= len(body) {
			return NodeIdentity{}, 0, fmt.Errorf("transition: short node identity address")
		}
		addrLen := int(body[off])
		off++
		if off+addrLen > len(body) {
			return NodeIdentity{}, 0, fmt.Errorf("transition: short node identity address bytes")
		}
		addr := make(types.Address, addrLen)
		copy(addr, body[off:off+addrLen])
		addresses = append(addresses, addr)
		off += addrLen
	}

	return NodeIdentity{
		NodeID:        nodeID,
		Votes:         votes,
		ExpectedVotes: expectedVotes,
		Name:          name,
		Addresses:     addresses,
	}, off, nil
}

// JoinAnnounceMsg is cmd 12's payload: a joining node's own identity,
// multicast once its conf_change join has been observed (see doc.go). No
// message in spec.md's table carries per-node identity on the wire; a
// joiner learning its own node_id from cluster_nodes config is already
// self-sufficient, but existing members have no other way to learn its
// name/votes/expected_votes/addresses, so the node announces itself.
type JoinAnnounceMsg = NodeIdentity

func encodeJoinAnnounce(m JoinAnnounceMsg) []byte {
	buf := []byte{CmdJoinAnnounce}
	return appendNodeIdentity(buf, m)
}

func decodeJoinAnnounce(body []byte, swap bool) (JoinAnnounceMsg, error) {
	m, _, err := decodeNodeIdentity(body, swap)
	if err != nil {
		return JoinAnnounceMsg{}, fmt.Errorf("transition: short JOINANNOUNCE: %w", err)
	}
	return m, nil
}
