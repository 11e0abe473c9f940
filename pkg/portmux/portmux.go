package portmux

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cuemby/cman/pkg/metrics"
	"github.com/cuemby/cman/pkg/transport"
)

// HeaderSize is the fixed size of the C3 wire header.
const HeaderSize = 16

// InternalPort is the reserved target port for the C5 internal protocol.
const InternalPort uint8 = 0

// Flag is a bitmask of the header's flags field.
type Flag uint32

const (
	// TotemAgreed requests totally-ordered AGREED delivery. It is the
	// default and need not be set explicitly.
	TotemAgreed Flag = 1 << iota
	// TotemSafe requests SAFE delivery (AGREED plus a wait for every
	// reachable member to buffer the message).
	TotemSafe
	// BcastSelf requests a loopback copy to the sender on broadcast
	// (target_node == 0) sends.
	BcastSelf
)

// Header is the 16-byte header prepended to every cluster-sent payload.
type Header struct {
	TargetPort uint8
	SourcePort uint8
	Flags      Flag
	SourceNode int32
	TargetNode int32 // 0 == broadcast to all members
}

func (h Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.TargetPort
	buf[1] = h.SourcePort
	// buf[2:4] left zero (pad)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.Flags))
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.SourceNode))
	binary.BigEndian.PutUint32(buf[12:16], uint32(h.TargetNode))
	return buf
}

func decodeHeader(data []byte, endianSwapRequired bool) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("portmux: short header (%d bytes)", len(data))
	}
	flags := binary.BigEndian.Uint32(data[4:8])
	src := binary.BigEndian.Uint32(data[8:12])
	dst := binary.BigEndian.Uint32(data[12:16])
	if endianSwapRequired {
		flags, src, dst = swap32(flags), swap32(src), swap32(dst)
	}
	return Header{
		TargetPort: data[0],
		SourcePort: data[1],
		Flags:      Flag(flags),
		SourceNode: int32(src),
		TargetNode: int32(dst),
	}, nil
}

func swap32(v uint32) uint32 {
	return (v>>24)&0xff | (v>>8)&0xff00 | (v<<8)&0xff0000 | (v<<24)&0xff000000
}

// Binding is a bound local client's data sink; Deliver is called once per
// message addressed to its port, in the order C1 delivered them.
type Binding interface {
	Deliver(sourceNode int32, payload []byte)
}

// InternalHandler receives messages addressed to port 0 (spec.md §4.5).
// endianSwapRequired mirrors the flag the transport attaches to the
// delivery; the internal protocol's multi-byte body fields are
// little-endian on the wire and must be byte-swapped when it is set.
type InternalHandler func(sourceNode int32, payload []byte, endianSwapRequired bool)

// Multicaster is the slice of *transport.Transport that Demux needs;
// narrowing it to an interface keeps C3 testable without a live raft
// cluster.
type Multicaster interface {
	Multicast(payload []byte, mode transport.DeliveryMode) error
}

// Demux is the port demultiplexer. One Demux serves one local node.
type Demux struct {
	mu          sync.RWMutex
	bindings    map[uint8]Binding
	transport   Multicaster
	localNodeID int32
	internal    InternalHandler
}

// New builds a Demux bound to t, using localNodeID as the node identity
// C3 stamps into outbound headers and matches inbound target_node against.
// internal receives every message addressed to port 0.
func New(t Multicaster, localNodeID int32, internal InternalHandler) *Demux {
	return &Demux{
		bindings:    make(map[uint8]Binding),
		transport:   t,
		localNodeID: localNodeID,
		internal:    internal,
	}
}

// Bind exclusively reserves port for b. Port 0 is reserved and always
// rejected; rebinding an already-bound port is rejected.
func (d *Demux) Bind(port uint8, b Binding) error {
	if port == InternalPort {
		metrics.PortBindsTotal.WithLabelValues("bind", "reserved").Inc()
		return fmt.Errorf("portmux: port %d is reserved for the internal protocol", InternalPort)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.bindings[port]; exists {
		metrics.PortBindsTotal.WithLabelValues("bind", "conflict").Inc()
		return fmt.Errorf("portmux: port %d already bound", port)
	}
	d.bindings[port] = b
	metrics.PortBindsTotal.WithLabelValues("bind", "ok").Inc()
	metrics.PortsOpen.Inc()
	return nil
}

// Unbind releases port, if bound. It is a no-op otherwise.
func (d *Demux) Unbind(port uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.bindings[port]; exists {
		delete(d.bindings, port)
		metrics.PortBindsTotal.WithLabelValues("unbind", "ok").Inc()
		metrics.PortsOpen.Dec()
	}
}

// IsBound reports whether port currently has a local binding.
func (d *Demux) IsBound(port uint8) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.bindings[port]
	return ok
}

// OpenCount returns the number of currently bound ports, for metrics
// collection (pkg/metrics.PortSource).
func (d *Demux) OpenCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.bindings)
}

// Send frames payload behind a C3 header and multicasts it via the
// transport, choosing AGREED or SAFE delivery from flags.
func (d *Demux) Send(srcPort, dstPort uint8, dstNode int32, flags Flag, payload []byte) error {
	h := Header{
		TargetPort: dstPort,
		SourcePort: srcPort,
		Flags:      flags,
		SourceNode: d.localNodeID,
		TargetNode: dstNode,
	}

	mode := transport.Agreed
	if flags&TotemSafe != 0 {
		mode = transport.Safe
	}

	buf := append(h.encode(), payload...)
	if err := d.transport.Multicast(buf, mode); err != nil {
		metrics.MessagesDeliveredTotal.WithLabelValues("send_error").Inc()
		return fmt.Errorf("portmux: multicast: %w", err)
	}

	if flags&BcastSelf != 0 && dstNode == 0 {
		d.dispatch(h, payload, false)
	}
	return nil
}

// HandleDeliver has the shape of transport.DeliverFunc and is meant to be
// wired as a Transport's Deliver callback directly. sourceNode (the raft
// identity string) is not used for dispatch; the header's own source_node
// field, stamped by the sender's Send call, is authoritative.
func (d *Demux) HandleDeliver(sourceNode string, payload []byte, endianSwapRequired bool) {
	h, err := decodeHeader(payload, endianSwapRequired)
	if err != nil {
		metrics.MessagesDeliveredTotal.WithLabelValues("bad_header").Inc()
		return
	}
	d.dispatch(h, payload[HeaderSize:], endianSwapRequired)
}

func (d *Demux) dispatch(h Header, body []byte, endianSwapRequired bool) {
	if h.TargetNode != 0 && h.TargetNode != d.localNodeID {
		metrics.MessagesDeliveredTotal.WithLabelValues("dropped_target").Inc()
		return
	}

	if h.TargetPort == InternalPort {
		if d.internal != nil {
			d.internal(h.SourceNode, body, endianSwapRequired)
		}
		metrics.MessagesDeliveredTotal.WithLabelValues("internal").Inc()
		return
	}

	d.mu.RLock()
	b, ok := d.bindings[h.TargetPort]
	d.mu.RUnlock()
	if !ok {
		metrics.MessagesDeliveredTotal.WithLabelValues("unbound").Inc()
		return
	}
	b.Deliver(h.SourceNode, body)
	metrics.MessagesDeliveredTotal.WithLabelValues("delivered").Inc()
}
