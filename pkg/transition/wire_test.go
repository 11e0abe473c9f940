package transition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionMsg_Roundtrip(t *testing.T) {
	msg := TransitionMsg{
		ClusterID:     7,
		HighNodeID:    3,
		ExpectedVotes: 3,
		VersionMajor:  1,
		VersionMinor:  2,
		VersionPatch:  3,
		ConfigVersion: 42,
		ClusterName:   "prod-cluster",
	}
	encoded := encodeTransition(msg)
	require.Equal(t, CmdTransition, encoded[0])

	decoded, err := decodeTransition(encoded[1:], false)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestKillNodeMsg_Roundtrip(t *testing.T) {
	msg := KillNodeMsg{Reason: 5, TargetNode: -2}
	encoded := encodeKillNode(msg)
	decoded, err := decodeKillNode(encoded[1:], false)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestLeaveMsg_Roundtrip(t *testing.T) {
	msg := LeaveMsg{Reason: 9}
	encoded := encodeLeave(msg)
	decoded, err := decodeLeave(encoded[1:], false)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestReconfigureMsg_Roundtrip(t *testing.T) {
	msg := ReconfigureMsg{Param: ParamNodeVotes, NodeID: 4, Value: 2}
	encoded := encodeReconfigure(msg)
	decoded, err := decodeReconfigure(encoded[1:], false)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestHelloMsg_Roundtrip(t *testing.T) {
	msg := HelloMsg{Members: 3, Quorate: true, IsMaster: false, Generation: 99}
	encoded := encodeHello(msg)
	decoded, err := decodeHello(encoded[1:], false)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestPortStatus_Roundtrip(t *testing.T) {
	var bitmap [portBitmapSize]byte
	bitmap[0] = 0b00000101
	encoded := encodePortStatus(bitmap)
	decoded, err := decodePortStatus(encoded[1:])
	require.NoError(t, err)
	assert.Equal(t, bitmap, decoded)
}

func TestDecodeTransition_TooShort(t *testing.T) {
	_, err := decodeTransition(make([]byte, 3), false)
	assert.Error(t, err)
}

func TestEndianSwap_AffectsMultiByteFields(t *testing.T) {
	msg := KillNodeMsg{Reason: 0x0102, TargetNode: 0x01020304}
	encoded := encodeKillNode(msg)

	straight, err := decodeKillNode(encoded[1:], false)
	require.NoError(t, err)
	assert.Equal(t, msg, straight)

	swapped, err := decodeKillNode(encoded[1:], true)
	require.NoError(t, err)
	assert.NotEqual(t, msg, swapped, "swap must actually change the interpretation of multi-byte fields")
}
