package barrier

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/cman/pkg/portmux"
	"github.com/cuemby/cman/pkg/registry"
	"github.com/cuemby/cman/pkg/transport"
	"github.com/cuemby/cman/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback is a fake portmux.Multicaster that immediately redelivers
// whatever is sent back into the same Demux, simulating a single-member
// cluster where C1 always delivers to the sender.
type loopback struct {
	demux *portmux.Demux
}

func (l *loopback) Multicast(payload []byte, mode transport.DeliveryMode) error {
	l.demux.HandleDeliver("self", payload, false)
	return nil
}

func newSingleNodeService(t *testing.T) (*Service, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	_, err := reg.AddOrUpdate("solo", 1, 1, 1, types.NodeMember, nil)
	require.NoError(t, err)

	lb := &loopback{}
	var svc *Service
	demux := portmux.New(lb, 1, func(sourceNode int32, payload []byte, endianSwapRequired bool) {
		if len(payload) > 0 && payload[0] == CmdBarrier {
			svc.HandleMessage(payload[1:])
		}
	})
	lb.demux = demux

	svc = New(demux, reg)
	return svc, reg
}

func TestRegister_RejectsMultistep(t *testing.T) {
	svc, _ := newSingleNodeService(t)
	err := svc.Register("b1", types.BarrierMultistep, 0)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestRegister_Duplicate(t *testing.T) {
	svc, _ := newSingleNodeService(t)
	require.NoError(t, svc.Register("b1", 0, 0))
	err := svc.Register("b1", 0, 0)
	assert.Error(t, err)
}

func TestWait_SingleMemberCompletesImmediately(t *testing.T) {
	svc, _ := newSingleNodeService(t)
	require.NoError(t, svc.Register("b1", 0, 0))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := svc.Wait(ctx, "b1")
	assert.NoError(t, err)
}

func TestWait_UnknownBarrier(t *testing.T) {
	svc, _ := newSingleNodeService(t)
	err := svc.Wait(context.Background(), "missing")
	assert.Error(t, err)
}

func TestWait_AutoDeleteRemovesRecordOnCompletion(t *testing.T) {
	svc, _ := newSingleNodeService(t)
	require.NoError(t, svc.Register("b1", types.BarrierAutoDelete, 0))

	err := svc.Wait(context.Background(), "b1")
	require.NoError(t, err)

	_, getErr := svc.get("b1")
	assert.Error(t, getErr, "autodelete barrier must be gone after completion")
}

func TestMembershipChanged_ExpectedZeroSucceedsWhenRegisteredMatchesMembers(t *testing.T) {
	svc, _ := newSingleNodeService(t)

	require.NoError(t, svc.Register("b1", 0, 0))

	rec, err := svc.get("b1")
	require.NoError(t, err)
	rec.mu.Lock()
	rec.barrier.Phase = types.BarrierWaitingForWaits
	rec.barrier.RegisteredNodes = 1
	rec.mu.Unlock()

	svc.MembershipChanged()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, types.BarrierComplete, rec.barrier.Phase)
	assert.NoError(t, rec.barrier.CompletionErr)
}

func TestMembershipChanged_NonzeroExpectedFailsWithESRCH(t *testing.T) {
	svc, _ := newSingleNodeService(t)
	require.NoError(t, svc.Register("b1", 0, 5))

	rec, err := svc.get("b1")
	require.NoError(t, err)
	rec.mu.Lock()
	rec.barrier.Phase = types.BarrierWaitingForWaits
	rec.mu.Unlock()

	svc.MembershipChanged()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.ErrorIs(t, rec.barrier.CompletionErr, ErrSrch)
}

func TestDelete(t *testing.T) {
	svc, _ := newSingleNodeService(t)
	require.NoError(t, svc.Register("b1", 0, 0))
	require.NoError(t, svc.Delete("b1"))
	_, err := svc.get("b1")
	assert.Error(t, err)
}
