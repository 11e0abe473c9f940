package client

import (
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/cman/pkg/barrier"
	"github.com/cuemby/cman/pkg/events"
	"github.com/cuemby/cman/pkg/portmux"
	"github.com/cuemby/cman/pkg/quorum"
	"github.com/cuemby/cman/pkg/registry"
	"github.com/cuemby/cman/pkg/transition"
	"github.com/cuemby/cman/pkg/transport"
	"github.com/cuemby/cman/pkg/types"
	"github.com/stretchr/testify/require"
)

type loopback struct {
	demux *portmux.Demux
}

func (l *loopback) Multicast(payload []byte, mode transport.DeliveryMode) error {
	l.demux.HandleDeliver("self", payload, false)
	return nil
}

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	qc := quorum.NewCalculator(true)

	lb := &loopback{}
	var dispatcher *transition.Dispatcher
	demux := portmux.New(lb, 1, func(sourceNode int32, payload []byte, swap bool) {
		dispatcher.Handle(sourceNode, payload, swap)
	})
	lb.demux = demux

	barriers := barrier.New(demux, reg)
	m := transition.NewMachine(transition.Config{
		LocalNodeID: 1,
		ClusterName: "test-cluster",
		Registry:    reg,
		Quorum:      qc,
		Demux:       demux,
		Barriers:    barriers,
	})
	dispatcher = &transition.Dispatcher{Machine: m, Registry: reg, Barriers: barriers}
	require.NoError(t, m.FormNewCluster(0, 1))

	dir := t.TempDir()
	srv := NewServer(Endpoints{
		ClientPath: filepath.Join(dir, "cman_client"),
		AdminPath:  filepath.Join(dir, "cman_admin"),
	})
	srv.Registry = reg
	srv.Machine = m
	srv.Demux = demux
	srv.Barriers = barriers
	srv.Events = events.NewBroker()
	srv.Events.Start()
	require.NoError(t, srv.Serve())
	t.Cleanup(srv.Close)

	return srv, reg
}

func dialRequest(t *testing.T, path string, cmd Command, body []byte) (Status, []byte) {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	h := Header{Magic: Magic, Version: Version, Command: cmd.WireCode()}
	h.Length = uint32(HeaderSize + len(body))
	_, err = conn.Write(h.encode())
	require.NoError(t, err)
	if len(body) > 0 {
		_, err = conn.Write(body)
		require.NoError(t, err)
	}

	replyHeader := make([]byte, HeaderSize)
	_, err = io.ReadFull(conn, replyHeader)
	require.NoError(t, err)
	rh, err := decodeHeader(replyHeader)
	require.NoError(t, err)

	rest := make([]byte, rh.Length-HeaderSize)
	_, err = io.ReadFull(conn, rest)
	require.NoError(t, err)

	status := Status(int32(binary.BigEndian.Uint32(rest[0:4])))
	return status, rest[4:]
}

func TestVersionGet(t *testing.T) {
	srv, _ := newTestServer(t)
	status, payload := dialRequest(t, srv.clientPath, CmdVersionGet, nil)
	require.Equal(t, StatusOK, status)
	require.Equal(t, Version, binary.BigEndian.Uint32(payload))
}

func TestClusterInfo_ReflectsSingleMemberCluster(t *testing.T) {
	srv, _ := newTestServer(t)
	status, payload := dialRequest(t, srv.clientPath, CmdClusterInfo, nil)
	require.Equal(t, StatusOK, status)
	require.Equal(t, "test-cluster", string(trimNulls(payload[:nodeNameFieldSize])))
}

func TestIsQuorate_SingleMemberIsQuorate(t *testing.T) {
	srv, _ := newTestServer(t)
	status, payload := dialRequest(t, srv.clientPath, CmdIsQuorate, nil)
	require.Equal(t, StatusOK, status)
	require.Equal(t, byte(1), payload[0])
}

func TestPrivilegedCommand_RejectedOnRegularSocket(t *testing.T) {
	srv, _ := newTestServer(t)
	status, _ := dialRequest(t, srv.clientPath, CmdKillNode, make([]byte, 6))
	require.Equal(t, StatusPermissionDenied, status)
}

func TestPrivilegedCommand_AllowedOnAdminSocket(t *testing.T) {
	srv, reg := newTestServer(t)
	_, err := reg.AddOrUpdate("peer", 2, 1, 1, types.NodeMember, nil)
	require.NoError(t, err)

	body := make([]byte, 6)
	binary.BigEndian.PutUint32(body[0:4], 2)
	status, _ := dialRequest(t, srv.adminPath, CmdKillNode, body)
	require.Equal(t, StatusOK, status)
}

func TestNodeCount(t *testing.T) {
	srv, _ := newTestServer(t)
	status, payload := dialRequest(t, srv.clientPath, CmdNodeCount, nil)
	require.Equal(t, StatusOK, status)
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(payload))
}

func TestPortBindThenIsListening(t *testing.T) {
	srv, _ := newTestServer(t)

	conn, err := net.DialTimeout("unix", srv.clientPath, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	h := Header{Magic: Magic, Version: Version, Command: CmdPortBind.WireCode(), Length: uint32(HeaderSize + 1)}
	_, err = conn.Write(h.encode())
	require.NoError(t, err)
	_, err = conn.Write([]byte{11})
	require.NoError(t, err)

	replyHeader := make([]byte, HeaderSize)
	_, err = io.ReadFull(conn, replyHeader)
	require.NoError(t, err)
	rh, _ := decodeHeader(replyHeader)
	rest := make([]byte, rh.Length-HeaderSize)
	_, err = io.ReadFull(conn, rest)
	require.NoError(t, err)
	require.Equal(t, StatusOK, Status(int32(binary.BigEndian.Uint32(rest[0:4]))))

	body := make([]byte, 5)
	binary.BigEndian.PutUint32(body[0:4], 1)
	body[4] = 11
	status, payload := dialRequest(t, srv.clientPath, CmdIsListening, body)
	require.Equal(t, StatusOK, status)
	require.Equal(t, byte(1), payload[0], "AnnouncePortOpen must update our own registry entry synchronously")
}

func trimNulls(b []byte) []byte {
	end := 0
	for end < len(b) && b[end] != 0 {
		end++
	}
	return b[:end]
}
