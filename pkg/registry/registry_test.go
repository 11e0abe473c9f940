package registry

import (
	"testing"

	"github.com/cuemby/cman/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddOrUpdate_NewNode(t *testing.T) {
	r := New()

	n, err := r.AddOrUpdate("node-a", 1, 1, 3, types.NodeMember, []types.Address{{0, 0, 10, 0, 0, 1}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), n.NodeID)
	assert.Equal(t, types.NodeMember, n.State)
	assert.Equal(t, 1, r.Count())
}

func TestAddOrUpdate_UpdatesExistingID(t *testing.T) {
	r := New()
	_, err := r.AddOrUpdate("node-a", 1, 1, 3, types.NodeJoining, nil)
	require.NoError(t, err)

	n, err := r.AddOrUpdate("node-a", 1, 2, 3, types.NodeMember, nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), n.Votes)
	assert.Equal(t, types.NodeMember, n.State)
	assert.Equal(t, 1, r.Count(), "update must not create a second entry")
}

func TestAddOrUpdate_RejectsIDCollisionWithDifferentName(t *testing.T) {
	r := New()
	_, err := r.AddOrUpdate("node-a", 1, 1, 3, types.NodeMember, nil)
	require.NoError(t, err)

	_, err = r.AddOrUpdate("node-b", 1, 1, 3, types.NodeMember, nil)
	assert.Error(t, err, "two distinct names sharing a node_id is a fatal config error")
}

func TestAddOrUpdate_ReplacesStaleJoiner(t *testing.T) {
	r := New()
	_, err := r.AddOrUpdate("stale-joiner", 5, 1, 3, types.NodeJoining, nil)
	require.NoError(t, err)

	n, err := r.AddOrUpdate("real-node", 5, 1, 3, types.NodeMember, nil)
	require.NoError(t, err)
	assert.Equal(t, "real-node", n.Name)

	_, found := r.FindByName("stale-joiner")
	assert.False(t, found, "stale joiner name must no longer resolve")
}

func TestFindByAddress_IgnoresFamilyPrefix(t *testing.T) {
	r := New()
	addr := types.Address{0x00, 0x02, 10, 0, 0, 5}
	_, err := r.AddOrUpdate("node-a", 1, 1, 3, types.NodeMember, []types.Address{addr})
	require.NoError(t, err)

	foreignFamily := types.Address{0x02, 0x00, 10, 0, 0, 5}
	n, found := r.FindByAddress(foreignFamily)
	require.True(t, found)
	assert.Equal(t, int32(1), n.NodeID)
}

func TestMarkDead(t *testing.T) {
	r := New()
	_, err := r.AddOrUpdate("node-a", 1, 1, 3, types.NodeMember, nil)
	require.NoError(t, err)

	require.NoError(t, r.MarkDead(1, types.LeaveNoResponse))

	n, _ := r.FindByID(1)
	assert.Equal(t, types.NodeDead, n.State)
	assert.Equal(t, types.LeaveNoResponse, n.LeaveReason)
}

func TestMarkDead_UnknownNode(t *testing.T) {
	r := New()
	err := r.MarkDead(99, types.LeaveDown)
	assert.Error(t, err)
}

func TestSetPort(t *testing.T) {
	r := New()
	_, err := r.AddOrUpdate("node-a", 1, 1, 3, types.NodeMember, nil)
	require.NoError(t, err)

	require.NoError(t, r.SetPort(1, 11, true))
	n, _ := r.FindByID(1)
	assert.True(t, n.Ports.Get(11))

	require.NoError(t, r.SetPort(1, 11, false))
	n, _ = r.FindByID(1)
	assert.False(t, n.Ports.Get(11))
}

func TestNewTempNode_ReusesSameAddress(t *testing.T) {
	r := New()
	addr := types.Address{0, 0, 192, 168, 1, 1}

	id1 := r.NewTempNode(addr)
	id2 := r.NewTempNode(addr)
	assert.Equal(t, id1, id2)
	assert.Negative(t, id1)
}

func TestNewTempNode_DifferentAddressesGetDifferentIDs(t *testing.T) {
	r := New()
	id1 := r.NewTempNode(types.Address{0, 0, 10, 0, 0, 1})
	id2 := r.NewTempNode(types.Address{0, 0, 10, 0, 0, 2})
	assert.NotEqual(t, id1, id2)
}

func TestListOrdered_AscendingByNodeID(t *testing.T) {
	r := New()
	_, _ = r.AddOrUpdate("c", 3, 1, 3, types.NodeMember, nil)
	_, _ = r.AddOrUpdate("a", 1, 1, 3, types.NodeMember, nil)
	_, _ = r.AddOrUpdate("b", 2, 1, 3, types.NodeMember, nil)

	nodes := r.ListOrdered()
	require.Len(t, nodes, 3)
	assert.Equal(t, []int32{1, 2, 3}, []int32{nodes[0].NodeID, nodes[1].NodeID, nodes[2].NodeID})
}

func TestLowestMemberID(t *testing.T) {
	r := New()
	_, _ = r.AddOrUpdate("a", 3, 1, 3, types.NodeJoining, nil)
	_, _ = r.AddOrUpdate("b", 1, 1, 3, types.NodeMember, nil)
	_, _ = r.AddOrUpdate("c", 2, 1, 3, types.NodeMember, nil)

	id, ok := r.LowestMemberID()
	require.True(t, ok)
	assert.Equal(t, int32(1), id)
}

func TestLowestMemberID_NoMembers(t *testing.T) {
	r := New()
	_, ok := r.LowestMemberID()
	assert.False(t, ok)
}
