package portmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader_EncodeDecodeRoundtrip(t *testing.T) {
	h := Header{
		TargetPort: 11,
		SourcePort: 7,
		Flags:      TotemSafe | BcastSelf,
		SourceNode: 3,
		TargetNode: 0,
	}

	encoded := h.encode()
	require.Len(t, encoded, HeaderSize)

	decoded, err := decodeHeader(encoded, false)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestDecodeHeader_EndianSwap(t *testing.T) {
	h := Header{TargetPort: 1, SourcePort: 2, Flags: TotemAgreed, SourceNode: 256, TargetNode: 0}
	encoded := h.encode()

	// simulate a foreign-endian sender by byte-reversing the multi-byte fields
	for _, span := range [][2]int{{4, 8}, {8, 12}, {12, 16}} {
		lo, hi := span[0], span[1]
		for i, j := lo, hi-1; i < j; i, j = i+1, j-1 {
			encoded[i], encoded[j] = encoded[j], encoded[i]
		}
	}

	decoded, err := decodeHeader(encoded, true)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestDecodeHeader_TooShort(t *testing.T) {
	_, err := decodeHeader(make([]byte, 4), false)
	assert.Error(t, err)
}

type fakeBinding struct {
	got []byte
	src int32
}

func (f *fakeBinding) Deliver(sourceNode int32, payload []byte) {
	f.src = sourceNode
	f.got = payload
}

func TestDemux_BindRejectsPortZero(t *testing.T) {
	d := New(nil, 1, nil)
	err := d.Bind(InternalPort, &fakeBinding{})
	assert.Error(t, err)
}

func TestDemux_BindRejectsDuplicate(t *testing.T) {
	d := New(nil, 1, nil)
	require.NoError(t, d.Bind(11, &fakeBinding{}))
	err := d.Bind(11, &fakeBinding{})
	assert.Error(t, err)
	assert.Equal(t, 1, d.OpenCount())
}

func TestDemux_UnbindThenRebind(t *testing.T) {
	d := New(nil, 1, nil)
	require.NoError(t, d.Bind(11, &fakeBinding{}))
	d.Unbind(11)
	assert.False(t, d.IsBound(11))
	assert.NoError(t, d.Bind(11, &fakeBinding{}))
}

func TestDemux_HandleDeliver_DropsForeignTarget(t *testing.T) {
	d := New(nil, 1, nil)
	b := &fakeBinding{}
	require.NoError(t, d.Bind(11, b))

	h := Header{TargetPort: 11, SourceNode: 2, TargetNode: 9}
	d.HandleDeliver("peer", append(h.encode(), []byte("hi")...), false)

	assert.Nil(t, b.got, "message targeted at a different node must be dropped")
}

func TestDemux_HandleDeliver_RoutesToBoundPort(t *testing.T) {
	d := New(nil, 1, nil)
	b := &fakeBinding{}
	require.NoError(t, d.Bind(11, b))

	h := Header{TargetPort: 11, SourceNode: 2, TargetNode: 0}
	d.HandleDeliver("peer", append(h.encode(), []byte("payload")...), false)

	require.NotNil(t, b.got)
	assert.Equal(t, "payload", string(b.got))
	assert.Equal(t, int32(2), b.src)
}

func TestDemux_HandleDeliver_DropsUnboundPort(t *testing.T) {
	d := New(nil, 1, nil)
	h := Header{TargetPort: 99, SourceNode: 2, TargetNode: 0}
	// must not panic with no binding registered
	d.HandleDeliver("peer", append(h.encode(), []byte("x")...), false)
}

func TestDemux_HandleDeliver_RoutesInternalPort(t *testing.T) {
	var gotSrc int32
	var gotPayload []byte
	d := New(nil, 1, func(sourceNode int32, payload []byte, _ bool) {
		gotSrc = sourceNode
		gotPayload = payload
	})

	h := Header{TargetPort: InternalPort, SourceNode: 5, TargetNode: 0}
	d.HandleDeliver("peer", append(h.encode(), []byte("cmd")...), false)

	assert.Equal(t, int32(5), gotSrc)
	assert.Equal(t, "cmd", string(gotPayload))
}
