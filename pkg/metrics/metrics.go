package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Membership metrics
	MembersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cman_members_total",
			Help: "Total number of cluster nodes by state",
		},
		[]string{"state"},
	)

	ExpectedVotes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cman_expected_votes",
			Help: "Current expected_votes value for the cluster",
		},
	)

	TotalVotes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cman_total_votes",
			Help: "Sum of votes held by MEMBER nodes and the quorum device",
		},
	)

	// Quorum metrics
	QuorumValue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cman_quorum",
			Help: "Current computed quorum threshold",
		},
	)

	Quorate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cman_quorate",
			Help: "Whether the local view currently holds quorum (1 = quorate, 0 = inquorate)",
		},
	)

	QuorumTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cman_quorum_transitions_total",
			Help: "Total number of quorate/inquorate transitions by direction",
		},
		[]string{"direction"},
	)

	// Transport (C1) metrics
	TransportIsCoordinator = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cman_transport_is_coordinator",
			Help: "Whether this node is the current transport coordinator (1) or not (0)",
		},
	)

	TransportPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cman_transport_peers_total",
			Help: "Total number of transport peers known to the local node",
		},
	)

	TransportLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cman_transport_log_index",
			Help: "Current transport log index (ring sequence source)",
		},
	)

	TransportAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cman_transport_applied_index",
			Help: "Last applied transport log index",
		},
	)

	DeliverDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cman_deliver_duration_seconds",
			Help:    "Time from multicast submission to delivery callback, by delivery mode",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	ConfChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cman_conf_changes_total",
			Help: "Total number of configuration-change callbacks delivered, by kind",
		},
		[]string{"kind"},
	)

	// Transition state machine (C5) metrics
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cman_transitions_total",
			Help: "Total number of membership transitions started, by outcome",
		},
		[]string{"outcome"},
	)

	TransitionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cman_transition_duration_seconds",
			Help:    "Time taken for a membership transition to settle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Port demultiplexer (C3) metrics
	PortBindsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cman_port_binds_total",
			Help: "Total number of port bind/unbind operations by result",
		},
		[]string{"op", "result"},
	)

	PortsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cman_ports_open",
			Help: "Number of application ports currently open on the local node",
		},
	)

	MessagesDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cman_messages_delivered_total",
			Help: "Total number of application messages demultiplexed to a listener, by result",
		},
		[]string{"result"},
	)

	// Barrier service (C6) metrics
	BarriersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cman_barriers_active",
			Help: "Number of barriers currently registered",
		},
	)

	BarrierCompletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cman_barrier_completions_total",
			Help: "Total number of barrier completions by result",
		},
		[]string{"result"},
	)

	BarrierWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cman_barrier_wait_duration_seconds",
			Help:    "Time from WAIT registration to barrier completion",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Client API (C7) metrics
	ClientConnectionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cman_client_connections",
			Help: "Number of open client API connections by socket kind",
		},
		[]string{"kind"},
	)

	ClientCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cman_client_commands_total",
			Help: "Total number of client API commands handled by command and status",
		},
		[]string{"command", "status"},
	)

	ClientCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cman_client_command_duration_seconds",
			Help:    "Client API command handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)
)

func init() {
	prometheus.MustRegister(
		MembersTotal,
		ExpectedVotes,
		TotalVotes,
		QuorumValue,
		Quorate,
		QuorumTransitionsTotal,
		TransportIsCoordinator,
		TransportPeers,
		TransportLogIndex,
		TransportAppliedIndex,
		DeliverDuration,
		ConfChangesTotal,
		TransitionsTotal,
		TransitionDuration,
		PortBindsTotal,
		PortsOpen,
		MessagesDeliveredTotal,
		BarriersActive,
		BarrierCompletionsTotal,
		BarrierWaitDuration,
		ClientConnectionsTotal,
		ClientCommandsTotal,
		ClientCommandDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
