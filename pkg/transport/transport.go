package transport

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/cman/pkg/log"
	"github.com/cuemby/cman/pkg/metrics"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// DeliveryMode selects how strongly a Multicast waits for acknowledgement
// before returning, per spec.md §4.1.
type DeliveryMode int

const (
	// Agreed is totally-ordered delivery among receivers.
	Agreed DeliveryMode = iota
	// Safe is Agreed plus a wait for all reachable members to buffer it.
	Safe
)

// ConfChangeType distinguishes a settled view from an in-flight one.
type ConfChangeType int

const (
	Regular ConfChangeType = iota
	Transitional
)

// ConfChange is delivered whenever the transport's view of membership
// changes.
type ConfChange struct {
	Type    ConfChangeType
	Members []string // raft ServerIDs of the current configuration
	Left    []string
	Joined  []string
	RingID  uint64 // raft's applied index when the change was observed
}

// DeliverFunc is invoked once per message, in total order, for every
// member live at delivery time.
type DeliverFunc func(sourceNode string, payload []byte, endianSwapRequired bool)

// ConfChangeFunc is invoked whenever the membership view changes.
type ConfChangeFunc func(cc ConfChange)

// Config configures a Transport.
type Config struct {
	LocalID    string
	BindAddr   string
	DataDir    string
	Deliver    DeliverFunc
	ConfChange ConfChangeFunc
}

// Transport adapts hashicorp/raft to the group-communication contract C3,
// C5, and C6 are written against.
type Transport struct {
	localID  string
	bindAddr string

	raft     *raft.Raft
	fsm      *deliverFSM
	observer *raft.Observer
	obsCh    chan raft.Observation

	confChange ConfChangeFunc

	mu          sync.Mutex
	lastMembers map[string]bool
	stopCh      chan struct{}
}

// Initialize builds the raft node backing the transport but does not join
// or bootstrap a cluster; call Bootstrap or wait to be added as a voter by
// an existing coordinator.
func Initialize(cfg Config) (*Transport, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.LocalID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}

	rTransport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "transport-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "transport-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create stable store: %w", err)
	}

	fsm := newDeliverFSM(cfg.Deliver)

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, rTransport)
	if err != nil {
		return nil, fmt.Errorf("create raft node: %w", err)
	}

	t := &Transport{
		localID:     cfg.LocalID,
		bindAddr:    cfg.BindAddr,
		raft:        r,
		fsm:         fsm,
		confChange:  cfg.ConfChange,
		lastMembers: make(map[string]bool),
		stopCh:      make(chan struct{}),
	}

	t.obsCh = make(chan raft.Observation, 16)
	t.observer = raft.NewObserver(t.obsCh, true, nil)
	r.RegisterObserver(t.observer)
	go t.watchObservations()

	return t, nil
}

// Bootstrap forms a brand-new single-node cluster with the local node as
// the only voter. Used by the first node to start a cluster (spec.md §4.5
// STARTING → MASTER).
func (t *Transport) Bootstrap() error {
	cfg := raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(t.localID), Address: raft.ServerAddress(t.bindAddr)}},
	}
	future := t.raft.BootstrapCluster(cfg)
	return future.Error()
}

// AddVoter adds a node as a full voting member. Only the coordinator (raft
// leader) can do this successfully.
func (t *Transport) AddVoter(nodeID, addr string) error {
	future := t.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// RemoveServer evicts a node from the configuration.
func (t *Transport) RemoveServer(nodeID string) error {
	future := t.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	return future.Error()
}

// Leave removes the local node from the configuration gracefully.
func (t *Transport) Leave() error {
	return t.RemoveServer(t.localID)
}

// Multicast submits payload for ordered delivery to every current member,
// tagged with the local node id as source.
func (t *Transport) Multicast(payload []byte, mode DeliveryMode) error {
	timer := metrics.NewTimer()
	modeLabel := "agreed"
	if mode == Safe {
		modeLabel = "safe"
	}
	defer timer.ObserveDurationVec(metrics.DeliverDuration, modeLabel)

	entry := encodeEnvelope(t.localID, payload)
	future := t.raft.Apply(entry, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}

	if mode == Safe {
		return t.waitAllApplied(future.Index(), 5*time.Second)
	}
	return nil
}

// waitAllApplied blocks until the local raft node has applied at least
// index, or the timeout elapses. Other peers' applied indices are not
// observed.
func (t *Transport) waitAllApplied(index uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if t.raft.AppliedIndex() >= index {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("safe delivery timed out waiting for index %d", index)
}

// IsCoordinator reports whether the local node is the raft leader, which
// plays the coordinator role in C5's master-election scheme.
func (t *Transport) IsCoordinator() bool {
	return t.raft.State() == raft.Leader
}

// LeaderAddr returns the current coordinator's bind address, if known.
func (t *Transport) LeaderAddr() string {
	addr, _ := t.raft.LeaderWithID()
	return string(addr)
}

// LocalID returns the transport's local node id (as configured, not the
// registry's numeric node_id).
func (t *Transport) LocalID() string { return t.localID }

// Stats reports a point-in-time snapshot for pkg/metrics.
func (t *Transport) Stats() metrics.TransportStats {
	stats := metrics.TransportStats{
		IsCoordinator: t.IsCoordinator(),
		LogIndex:      t.raft.LastIndex(),
		AppliedIndex:  t.raft.AppliedIndex(),
	}
	if future := t.raft.GetConfiguration(); future.Error() == nil {
		stats.Peers = len(future.Configuration().Servers)
	}
	return stats
}

// Shutdown stops the underlying raft node.
func (t *Transport) Shutdown() error {
	close(t.stopCh)
	return t.raft.Shutdown().Error()
}

func (t *Transport) watchObservations() {
	for {
		select {
		case obs, ok := <-t.obsCh:
			if !ok {
				return
			}
			t.handleObservation(obs)
		case <-t.stopCh:
			return
		}
	}
}

func (t *Transport) handleObservation(obs raft.Observation) {
	switch data := obs.Data.(type) {
	case raft.RaftState:
		// Leadership changed; membership itself did not, but C5's
		// coordinator role may have. Re-announce the current view.
		t.announceConfiguration(Regular)
	case raft.PeerObservation:
		_ = data
		t.announceConfiguration(Regular)
	}
}

func (t *Transport) announceConfiguration(kind ConfChangeType) {
	future := t.raft.GetConfiguration()
	if future.Error() != nil {
		return
	}

	var members []string
	for _, srv := range future.Configuration().Servers {
		members = append(members, string(srv.ID))
	}

	t.mu.Lock()
	current := make(map[string]bool, len(members))
	var joined, left []string
	for _, m := range members {
		current[m] = true
		if !t.lastMembers[m] {
			joined = append(joined, m)
		}
	}
	for m := range t.lastMembers {
		if !current[m] {
			left = append(left, m)
		}
	}
	t.lastMembers = current
	t.mu.Unlock()

	if len(joined) == 0 && len(left) == 0 && kind == Regular {
		return
	}

	ringID := t.raft.AppliedIndex()

	if t.confChange != nil {
		t.confChange(ConfChange{
			Type:    kind,
			Members: members,
			Left:    left,
			Joined:  joined,
			RingID:  ringID,
		})
	}

	for _, kind := range []string{"joined", "left"} {
		n := len(joined)
		if kind == "left" {
			n = len(left)
		}
		if n > 0 {
			metrics.ConfChangesTotal.WithLabelValues(kind).Add(float64(n))
		}
	}

	log.WithComponent("transport").Info().
		Strs("members", members).Strs("joined", joined).Strs("left", left).
		Uint64("ring_id", ringID).Msg("configuration changed")
}
