package client

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/cuemby/cman/pkg/barrier"
	"github.com/cuemby/cman/pkg/events"
	"github.com/cuemby/cman/pkg/log"
	"github.com/cuemby/cman/pkg/metrics"
	"github.com/cuemby/cman/pkg/portmux"
	"github.com/cuemby/cman/pkg/registry"
	"github.com/cuemby/cman/pkg/transition"
	"github.com/cuemby/cman/pkg/types"
	"github.com/google/uuid"
)

// outboundQueueSize bounds a connection's pending-write backlog; beyond
// this, new pushes drop the oldest queued message rather than block the
// connection's reader (spec.md §4.7's "send is best-effort non-blocking").
const outboundQueueSize = 256

// Server accepts client API connections on the two endpoints described in
// spec.md §4.7 and dispatches their requests against the running node's
// components.
type Server struct {
	Registry *registry.Registry
	Machine  *transition.Machine
	Demux    *portmux.Demux
	Barriers *barrier.Service
	Events   *events.Broker

	// LocalIdentity is the local node's own name/votes/expected_votes/
	// addresses, used to self-register when CmdJoinCluster triggers
	// Machine.BeginJoin from a client (rather than cmand's --join flag).
	LocalIdentity LocalIdentity

	clientPath string
	adminPath  string

	listeners []net.Listener
	wg        sync.WaitGroup
}

// Endpoints names the two socket paths (spec.md §6's cman_client/cman_admin).
type Endpoints struct {
	ClientPath string // mode 0660
	AdminPath  string // mode 0600
}

// LocalIdentity is the local node's configured name/votes/expected_votes/
// addresses, carried by Server so CmdJoinCluster can hand it to
// Machine.BeginJoin without the client API reaching back into cmd/cmand.
type LocalIdentity struct {
	Name          string
	Votes         uint8
	ExpectedVotes uint32
	Addresses     []types.Address
}

// NewServer builds a Server; call Serve to start accepting.
func NewServer(ep Endpoints) *Server {
	return &Server{clientPath: ep.ClientPath, adminPath: ep.AdminPath}
}

// Serve starts listening on both endpoints. It returns once both
// listeners are bound; accept loops run in background goroutines.
func (s *Server) Serve() error {
	regular, err := s.listen(s.clientPath, 0660)
	if err != nil {
		return fmt.Errorf("client: listen regular socket: %w", err)
	}
	admin, err := s.listen(s.adminPath, 0600)
	if err != nil {
		regular.Close()
		return fmt.Errorf("client: listen admin socket: %w", err)
	}

	s.listeners = []net.Listener{regular, admin}
	s.wg.Add(2)
	go s.acceptLoop(regular, types.ClientRegular)
	go s.acceptLoop(admin, types.ClientAdmin)
	return nil
}

// Close stops accepting new connections.
func (s *Server) Close() {
	for _, l := range s.listeners {
		_ = l.Close()
	}
	s.wg.Wait()
}

func (s *Server) listen(path string, mode os.FileMode) (net.Listener, error) {
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, mode); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (s *Server) acceptLoop(l net.Listener, kind types.ClientKind) {
	defer s.wg.Done()
	kindLabel := "client"
	if kind == types.ClientAdmin {
		kindLabel = "admin"
	}
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		metrics.ClientConnectionsTotal.WithLabelValues(kindLabel).Inc()
		c := &connection{
			server:     s,
			conn:       conn,
			id:         uuid.NewString(),
			kind:       kind,
			kindName:   kindLabel,
			outbound:   make(chan []byte, outboundQueueSize),
			boundPorts: make(map[uint8]*connBinding),
			barriers:   make(map[string]bool),
		}
		s.wg.Add(1)
		go c.writeLoop()
		go func() {
			defer s.wg.Done()
			c.readLoop()
		}()
	}
}

// connection is one accepted client. reads happen on a per-connection
// goroutine running readLoop; writes are serialized by writeLoop reading
// from outbound, so handlers never touch conn.Write directly.
type connection struct {
	server   *Server
	conn     net.Conn
	id       string
	kind     types.ClientKind
	kindName string

	outbound chan []byte

	mu         sync.Mutex
	boundPorts map[uint8]*connBinding
	barriers   map[string]bool
	eventSub   events.Subscriber
	closed     bool
}

// send is non-blocking: a full outbound queue drops the oldest pending
// message to make room, matching the "best-effort" queue policy.
func (c *connection) send(msg []byte) {
	select {
	case c.outbound <- msg:
		return
	default:
	}
	select {
	case <-c.outbound:
	default:
	}
	select {
	case c.outbound <- msg:
	default:
	}
}

func (c *connection) writeLoop() {
	for msg := range c.outbound {
		if _, err := c.conn.Write(msg); err != nil {
			return
		}
	}
}

func (c *connection) readLoop() {
	defer c.cleanup()
	header := make([]byte, HeaderSize)
	for {
		if _, err := io.ReadFull(c.conn, header); err != nil {
			return
		}
		h, err := decodeHeader(header)
		if err != nil {
			log.WithConnectionID(c.id).Warn().Err(err).Msg("bad request header")
			return
		}
		bodyLen := int(h.Length) - HeaderSize
		if bodyLen < 0 {
			return
		}
		body := make([]byte, bodyLen)
		if bodyLen > 0 {
			if _, err := io.ReadFull(c.conn, body); err != nil {
				return
			}
		}
		c.dispatch(h, body)
	}
}

func (c *connection) dispatch(h Header, body []byte) {
	cmd := decodeCommand(h.Command)
	if privileged[cmd] && c.kind != types.ClientAdmin {
		c.reply(h.Command, StatusPermissionDenied, nil)
		return
	}

	timer := metrics.NewTimer()
	status, payload := c.handle(cmd, body)
	timer.ObserveDurationVec(metrics.ClientCommandDuration, cmd.name())
	metrics.ClientCommandsTotal.WithLabelValues(cmd.name(), statusLabel(status)).Inc()
	c.reply(h.Command, status, payload)
}

func (c *connection) reply(cmd uint32, status Status, payload []byte) {
	c.send(buildReply(cmd, status, payload))
}

func (c *connection) cleanup() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ports := c.boundPorts
	names := c.barriers
	sub := c.eventSub
	c.mu.Unlock()
	metrics.ClientConnectionsTotal.WithLabelValues(c.kindName).Dec()

	for port := range ports {
		c.server.Demux.Unbind(port)
	}
	for name := range names {
		_ = c.server.Barriers.Delete(name)
	}
	if sub != nil && c.server.Events != nil {
		c.server.Events.Unsubscribe(sub)
	}
	close(c.outbound)
	_ = c.conn.Close()
}

func statusLabel(s Status) string {
	if s == StatusOK {
		return "ok"
	}
	return "error"
}

// name gives each command a stable metrics label without hand-maintaining
// a separate string table at the call sites.
func (c Command) name() string {
	switch c {
	case CmdVersionGet:
		return "version-get"
	case CmdVersionSet:
		return "version-set"
	case CmdClusterInfo:
		return "cluster-info"
	case CmdNodeGet:
		return "node-get"
	case CmdNodeCount:
		return "node-count"
	case CmdAllMembers:
		return "all-members"
	case CmdExtraInfo:
		return "extra-info"
	case CmdIsQuorate:
		return "is-quorate"
	case CmdIsActive:
		return "is-active"
	case CmdIsListening:
		return "is-listening"
	case CmdSetExpectedVotes:
		return "set-expected-votes"
	case CmdSetVotes:
		return "set-votes"
	case CmdSetNodeName:
		return "set-nodename"
	case CmdSetNodeID:
		return "set-nodeid"
	case CmdAddKeyfile:
		return "add-keyfile"
	case CmdAddMulticast:
		return "add-multicast"
	case CmdAddInterfaceAddress:
		return "add-interface-address"
	case CmdJoinCluster:
		return "join-cluster"
	case CmdLeaveCluster:
		return "leave-cluster"
	case CmdKillNode:
		return "kill-node"
	case CmdTryShutdown:
		return "try-shutdown"
	case CmdShutdownReply:
		return "shutdown-reply"
	case CmdPortBind:
		return "bind"
	case CmdPortUnbind:
		return "unbind"
	case CmdSendData:
		return "send-data"
	case CmdSubscribeEvents:
		return "subscribe-events"
	case CmdBarrierRegister:
		return "barrier-register"
	case CmdBarrierSetAttr:
		return "barrier-change-attribute"
	case CmdBarrierWait:
		return "barrier-wait"
	case CmdBarrierDelete:
		return "barrier-delete"
	case CmdSetDebugMask:
		return "set-debug-mask"
	case CmdDumpConfiguration:
		return "dump-configuration"
	default:
		return "unknown"
	}
}

// connBinding adapts one bound port to portmux.Binding, pushing inbound
// application data to the owning connection as an event message.
type connBinding struct {
	conn *connection
	port uint8
}

func (b *connBinding) Deliver(sourceNode int32, payload []byte) {
	msg := encodeDataPrefix(sourceNode, uint32(b.port))
	msg = append(msg, payload...)
	b.conn.send(buildReply(eventCommand, StatusOK, msg))
}
