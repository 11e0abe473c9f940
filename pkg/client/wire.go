package client

import (
	"encoding/binary"
	"fmt"
)

// Magic and Version are the fixed constants every request/reply header
// carries (spec.md §4.7).
const (
	Magic   uint32 = 0x434d414e
	Version uint32 = 0x10000003
)

// HeaderSize is the on-wire size of Header, big-endian encoded.
const HeaderSize = 4 + 4 + 4 + 4 + 4

// privilegedBit marks a command as admin-only.
const privilegedBit uint32 = 1 << 31

// Command codes (spec.md §4.7's command list, given concrete numbering).
const (
	CmdVersionGet Command = iota + 1
	CmdVersionSet
	CmdClusterInfo
	CmdNodeGet
	CmdNodeCount
	CmdAllMembers
	CmdExtraInfo
	CmdIsQuorate
	CmdIsActive
	CmdIsListening

	CmdSetExpectedVotes
	CmdSetVotes

	CmdSetNodeName
	CmdSetNodeID
	CmdAddKeyfile
	CmdAddMulticast
	CmdAddInterfaceAddress
	CmdJoinCluster
	CmdLeaveCluster
	CmdKillNode
	CmdTryShutdown
	CmdShutdownReply

	CmdPortBind
	CmdPortUnbind
	CmdSendData

	CmdSubscribeEvents

	CmdBarrierRegister
	CmdBarrierSetAttr
	CmdBarrierWait
	CmdBarrierDelete

	CmdSetDebugMask
	CmdDumpConfiguration
)

// privileged commands require the admin socket; requests for them
// arriving on the regular socket are rejected with StatusPermissionDenied.
var privileged = map[Command]bool{
	CmdSetExpectedVotes: true,
	CmdSetVotes:         true,
	CmdLeaveCluster:     true,
	CmdKillNode:         true,
}

// Command is a client API command code.
type Command uint32

// WireCode returns the command code as it appears on the wire: the high
// bit set when the command is privileged.
func (c Command) WireCode() uint32 {
	code := uint32(c)
	if privileged[c] {
		code |= privilegedBit
	}
	return code
}

func decodeCommand(wire uint32) Command {
	return Command(wire &^ privilegedBit)
}

func isWirePrivileged(wire uint32) bool {
	return wire&privilegedBit != 0
}

// Status mirrors cman's small-negative-integer errno-like reply codes
// (spec.md §7's "user-visible behavior").
type Status int32

const (
	StatusOK               Status = 0
	StatusNotConnected     Status = -1
	StatusInvalidArgument  Status = -2
	StatusAlreadyInUse     Status = -3
	StatusNoSuchEntity     Status = -4
	StatusBusy             Status = -5
	StatusTimedOut         Status = -6
	StatusWouldBlock       Status = -7
	StatusPermissionDenied Status = -8
)

// Header is the fixed request/reply prefix (spec.md §4.7).
type Header struct {
	Magic   uint32
	Version uint32
	Length  uint32 // total message length including this header
	Command uint32 // wire command code, high bit = privileged
	Flags   uint32 // reserved
}

func (h Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint32(buf[8:12], h.Length)
	binary.BigEndian.PutUint32(buf[12:16], h.Command)
	binary.BigEndian.PutUint32(buf[16:20], h.Flags)
	return buf
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("client: short header (%d bytes)", len(b))
	}
	h := Header{
		Magic:   binary.BigEndian.Uint32(b[0:4]),
		Version: binary.BigEndian.Uint32(b[4:8]),
		Length:  binary.BigEndian.Uint32(b[8:12]),
		Command: binary.BigEndian.Uint32(b[12:16]),
		Flags:   binary.BigEndian.Uint32(b[16:20]),
	}
	if h.Magic != Magic {
		return Header{}, fmt.Errorf("client: bad magic %#x", h.Magic)
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("client: unsupported version %#x", h.Version)
	}
	return h, nil
}

// dataPrefixSize is the {node_id:i32, port:u32} pair data messages carry
// immediately after the header (spec.md §4.7).
const dataPrefixSize = 4 + 4

func encodeDataPrefix(nodeID int32, port uint32) []byte {
	buf := make([]byte, dataPrefixSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(nodeID))
	binary.BigEndian.PutUint32(buf[4:8], port)
	return buf
}

func decodeDataPrefix(b []byte) (nodeID int32, port uint32, err error) {
	if len(b) < dataPrefixSize {
		return 0, 0, fmt.Errorf("client: short data prefix")
	}
	return int32(binary.BigEndian.Uint32(b[0:4])), binary.BigEndian.Uint32(b[4:8]), nil
}

// buildReply assembles a reply: header, 32-bit status, then payload.
func buildReply(cmd uint32, status Status, payload []byte) []byte {
	total := HeaderSize + 4 + len(payload)
	h := Header{Magic: Magic, Version: Version, Length: uint32(total), Command: cmd}
	buf := make([]byte, 0, total)
	buf = append(buf, h.encode()...)
	var statusBuf [4]byte
	binary.BigEndian.PutUint32(statusBuf[:], uint32(int32(status)))
	buf = append(buf, statusBuf[:]...)
	buf = append(buf, payload...)
	return buf
}

// eventCommand is the designated "event" command server-pushed messages
// use in their header (spec.md §6's "External interfaces").
const eventCommand uint32 = 0xffffffff
