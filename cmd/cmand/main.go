// Command cmand is the cluster membership daemon: one process per node,
// wiring the transport, registry, quorum, port demultiplexer, barrier
// service, transition state machine and client API into a running node.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/cman/pkg/barrier"
	"github.com/cuemby/cman/pkg/client"
	"github.com/cuemby/cman/pkg/config"
	"github.com/cuemby/cman/pkg/events"
	"github.com/cuemby/cman/pkg/log"
	"github.com/cuemby/cman/pkg/metrics"
	"github.com/cuemby/cman/pkg/portmux"
	"github.com/cuemby/cman/pkg/quorum"
	"github.com/cuemby/cman/pkg/registry"
	"github.com/cuemby/cman/pkg/storage"
	"github.com/cuemby/cman/pkg/transition"
	"github.com/cuemby/cman/pkg/transport"
	"github.com/cuemby/cman/pkg/types"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cmand",
	Short: "cmand - cluster membership daemon",
	Long: `cmand forms and maintains cluster membership: it tracks which nodes
are present, computes quorum, drives the master-coordinated transition
protocol on membership change, and exposes a local client API for
applications that need to synchronize against the cluster view.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("cmand version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the membership daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		bindAddr, _ := cmd.Flags().GetString("raft-addr")
		clientSocket, _ := cmd.Flags().GetString("client-socket")
		adminSocket, _ := cmd.Flags().GetString("admin-socket")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		bootstrap, _ := cmd.Flags().GetBool("bootstrap")
		joinAddr, _ := cmd.Flags().GetString("join")
		snapshotInterval, _ := cmd.Flags().GetDuration("snapshot-interval")

		cfg, err := config.Load(dbPath)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		if err := config.Validate(cfg); err != nil {
			return fmt.Errorf("validate configuration: %w", err)
		}

		return runDaemon(daemonParams{
			cfg:              cfg,
			dataDir:          dataDir,
			bindAddr:         bindAddr,
			clientSocket:     clientSocket,
			adminSocket:      adminSocket,
			metricsAddr:      metricsAddr,
			bootstrap:        bootstrap,
			joinAddr:         joinAddr,
			snapshotInterval: snapshotInterval,
		})
	},
}

func init() {
	startCmd.Flags().String("config", "/etc/cman/cman.yaml", "Path to the configuration database")
	startCmd.Flags().String("data-dir", "/var/lib/cman", "Directory for raft log/snapshot storage")
	startCmd.Flags().String("raft-addr", "0.0.0.0:5405", "Address the transport binds for peer traffic")
	startCmd.Flags().String("client-socket", "/var/run/cman_client", "Client API socket path")
	startCmd.Flags().String("admin-socket", "/var/run/cman_admin", "Privileged client API socket path")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9405", "Prometheus metrics listen address")
	startCmd.Flags().Bool("bootstrap", false, "Form a brand-new cluster with this node as the only voter")
	startCmd.Flags().String("join", "", "host:port of an existing member's raft transport to join through")
	startCmd.Flags().Duration("snapshot-interval", 30*time.Second, "Interval between warm-cache snapshots of the registry to disk (0 disables)")
}

type daemonParams struct {
	cfg              *config.Config
	dataDir          string
	bindAddr         string
	clientSocket     string
	adminSocket      string
	metricsAddr      string
	bootstrap        bool
	joinAddr         string
	snapshotInterval time.Duration
}

// runDaemon wires every component together and blocks until a termination
// signal arrives. The wiring order matters: the transport's Deliver and
// ConfChange callbacks close over demux/machine, which are only assigned
// after Initialize returns, so both must be declared before the call and
// populated before Bootstrap/AddVoter can trigger either callback.
func runDaemon(p daemonParams) error {
	reg := registry.New()
	qc := quorum.NewCalculator(p.cfg.AllowDecrease)

	store, err := storage.NewBoltStore(p.dataDir)
	if err != nil {
		log.WithComponent("cmand").Warn().Err(err).Msg("warm-cache store unavailable, starting with an empty registry")
	} else {
		defer store.Close()
		restoreWarmCache(reg, store)
	}

	var (
		demux      *portmux.Demux
		dispatcher *transition.Dispatcher
		machine    *transition.Machine
	)

	localID := fmt.Sprintf("%d", p.cfg.NodeID)
	t, err := transport.Initialize(transport.Config{
		LocalID:  localID,
		BindAddr: p.bindAddr,
		DataDir:  p.dataDir,
		Deliver: func(sourceNode string, payload []byte, swap bool) {
			demux.HandleDeliver(sourceNode, payload, swap)
		},
		ConfChange: func(cc transport.ConfChange) {
			if machine != nil {
				machine.HandleConfChange(parseNodeIDs(cc.Joined), parseNodeIDs(cc.Left))
			}
		},
	})
	if err != nil {
		return fmt.Errorf("initialize transport: %w", err)
	}

	demux = portmux.New(t, p.cfg.NodeID, func(sourceNode int32, payload []byte, swap bool) {
		dispatcher.Handle(sourceNode, payload, swap)
	})
	barriers := barrier.New(demux, reg)

	machine = transition.NewMachine(transition.Config{
		LocalNodeID:   p.cfg.NodeID,
		ClusterName:   p.cfg.ClusterName,
		ClusterID:     p.cfg.ClusterID,
		TwoNode:       p.cfg.TwoNode,
		DeadNodeAfter: p.cfg.DeadNodeTimeout,
		Registry:      reg,
		Quorum:        qc,
		Demux:         demux,
		Barriers:      barriers,
		OnKilled: func(reason uint16) {
			log.WithComponent("cmand").Error().Uint16("reason", reason).Msg("killed by cluster, exiting")
			os.Exit(1)
		},
		OnRejected: func(reason string) {
			log.WithComponent("cmand").Error().Str("reason", reason).Msg("rejected by cluster, exiting")
			os.Exit(1)
		},
	})
	dispatcher = &transition.Dispatcher{Machine: machine, Registry: reg, Barriers: barriers}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	srv := client.NewServer(client.Endpoints{ClientPath: p.clientSocket, AdminPath: p.adminSocket})
	srv.Registry = reg
	srv.Machine = machine
	srv.Demux = demux
	srv.Barriers = barriers
	srv.Events = broker

	var localAddrs []types.Address
	if p.cfg.LocalNode != nil {
		localAddrs = parseAddresses(p.cfg.LocalNode.Addresses)
	}
	srv.LocalIdentity = client.LocalIdentity{
		Name:          p.cfg.NodeName,
		Votes:         p.cfg.Votes,
		ExpectedVotes: p.cfg.ExpectedVotes,
		Addresses:     localAddrs,
	}
	if err := srv.Serve(); err != nil {
		return fmt.Errorf("start client API: %w", err)
	}
	defer srv.Close()

	switch {
	case p.bootstrap:
		if err := t.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap transport: %w", err)
		}
		if err := machine.FormNewCluster(p.cfg.NodeID, p.cfg.ExpectedVotes); err != nil {
			return fmt.Errorf("form new cluster: %w", err)
		}
		log.WithComponent("cmand").Info().Str("cluster", p.cfg.ClusterName).Msg("formed new cluster")
	case p.joinAddr != "":
		machine.BeginJoin(p.cfg.NodeName, p.cfg.Votes, p.cfg.ExpectedVotes, localAddrs)
		log.WithComponent("cmand").Info().Str("join_addr", p.joinAddr).Msg("joining existing cluster; awaiting AddVoter from the coordinator")
	default:
		return fmt.Errorf("must pass either --bootstrap or --join")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go machine.RunHeartbeat(ctx, heartbeatInterval(p.cfg))
	go reapLoop(ctx, machine, p.cfg.DeadNodeTimeout)
	if store != nil && p.snapshotInterval > 0 {
		go snapshotLoop(ctx, store, reg, machine, p.snapshotInterval)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: p.metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithComponent("cmand").Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	defer metricsSrv.Close()

	log.WithComponent("cmand").Info().
		Str("client_socket", p.clientSocket).
		Str("admin_socket", p.adminSocket).
		Str("metrics_addr", p.metricsAddr).
		Msg("cmand running, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.WithComponent("cmand").Info().Msg("shutting down")
	if store != nil {
		snapshotNow(store, reg, machine)
	}
	if err := machine.LeaveCluster(types.LeaveNone); err != nil {
		log.WithComponent("cmand").Warn().Err(err).Msg("leave announcement failed")
	}
	machine.Stop()
	_ = t.Leave()
	return nil
}

// restoreWarmCache pre-populates the registry from the last snapshot
// before the transport replays any history, so cluster-info/node queries
// return something sensible immediately after a restart (spec.md §6:
// this cache is not authoritative and every entry is overwritten as soon
// as a real conf_change or JOINANNOUNCE is observed).
func restoreWarmCache(reg *registry.Registry, store storage.Store) {
	nodes, err := store.ListNodes()
	if err != nil {
		log.WithComponent("cmand").Warn().Err(err).Msg("failed to read warm-cache nodes")
		return
	}
	for _, n := range nodes {
		if _, err := reg.AddOrUpdate(n.Name, n.NodeID, n.Votes, n.ExpectedVotes, n.State, n.Addresses); err != nil {
			log.WithComponent("cmand").Warn().Err(err).Int32("node_id", n.NodeID).Msg("failed to restore cached node")
		}
	}
	if len(nodes) > 0 {
		log.WithComponent("cmand").Info().Int("count", len(nodes)).Msg("restored warm-cache registry snapshot")
	}
}

// snapshotLoop periodically persists the registry and current cluster
// view to store until ctx is cancelled.
func snapshotLoop(ctx context.Context, store storage.Store, reg *registry.Registry, machine *transition.Machine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshotNow(store, reg, machine)
		}
	}
}

func snapshotNow(store storage.Store, reg *registry.Registry, machine *transition.Machine) {
	for _, n := range reg.ListOrdered() {
		if err := store.SaveNode(n); err != nil {
			log.WithComponent("cmand").Warn().Err(err).Int32("node_id", n.NodeID).Msg("failed to snapshot node")
		}
	}
	if err := store.SaveClusterView(machine.CurrentView()); err != nil {
		log.WithComponent("cmand").Warn().Err(err).Msg("failed to snapshot cluster view")
	}
}

// heartbeatInterval defaults to 5s; spec.md's HELLO cadence is left to
// deployment tuning via hello_timer.
func heartbeatInterval(cfg *config.Config) time.Duration {
	if cfg.HelloTimer > 0 {
		return cfg.HelloTimer
	}
	return 5 * time.Second
}

// reapLoop periodically marks members dead that have gone silent longer
// than deadAfter.
func reapLoop(ctx context.Context, machine *transition.Machine, deadAfter time.Duration) {
	if deadAfter <= 0 {
		deadAfter = 21 * time.Second
	}
	ticker := time.NewTicker(deadAfter / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			machine.ReapDeadNodes(deadAfter)
		}
	}
}

// parseAddresses converts the configured cluster_nodes address strings
// into the registry's family-tagged wire form: two zero bytes (no
// multi-family tagging is needed since this transport is IP-only)
// followed by the parsed IP's bytes.
func parseAddresses(addrs []string) []types.Address {
	out := make([]types.Address, 0, len(addrs))
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		addr := make(types.Address, 2+len(ip))
		copy(addr[2:], ip)
		out = append(out, addr)
	}
	return out
}

// parseNodeIDs converts raft's string ServerIDs (assigned as the decimal
// node id in localID above) back to int32 node ids.
func parseNodeIDs(raftIDs []string) []int32 {
	ids := make([]int32, 0, len(raftIDs))
	for _, s := range raftIDs {
		var id int32
		if _, err := fmt.Sscanf(s, "%d", &id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
