package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Granted counts lock grants, immediate or after queuing.
	Granted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockerd_locks_granted_total",
		Help: "Total number of lock grants",
	})
	// Released counts explicit releases of held locks.
	Released = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockerd_locks_released_total",
		Help: "Total number of held locks released",
	})
	// AcquireTimeouts counts waiters whose wait budget ran out.
	AcquireTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockerd_acquire_timeouts_total",
		Help: "Total number of lock requests that gave up waiting",
	})
	// LeasesLapsed counts holders forcibly released by their hold timeout.
	LeasesLapsed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockerd_leases_lapsed_total",
		Help: "Total number of leases revoked by hold timeout",
	})
	// Waiters reports the number of queued waiters across all names.
	Waiters = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lockerd_waiters",
		Help: "Current number of queued waiters",
	})
	// Queues reports the number of live per-name queues.
	Queues = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lockerd_queues",
		Help: "Current number of per-name lock queues",
	})
	// Connections reports the number of live client connections.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lockerd_connections",
		Help: "Current number of client connections",
	})
	// Frames counts decoded request frames by action.
	Frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockerd_frames_total",
		Help: "Total number of request frames by action",
	}, []string{"action"})
	// SnapshotSaves counts snapshot writes.
	SnapshotSaves = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockerd_snapshot_saves_total",
		Help: "Total number of snapshot documents written",
	})
	// SnapshotErrors counts failed snapshot operations by op (load, save).
	SnapshotErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockerd_snapshot_errors_total",
		Help: "Total number of failed snapshot operations",
	}, []string{"op"})
	// SnapshotSaveSeconds observes the latency of snapshot writes.
	SnapshotSaveSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lockerd_snapshot_save_seconds",
		Help:    "Latency of snapshot writes",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	// Replayed counts lock requests re-issued on reconnect.
	Replayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockerd_replayed_locks_total",
		Help: "Total number of lock requests replayed from a snapshot",
	}, []string{"state"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Register registers all lockerd collectors on reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		Granted, Released, AcquireTimeouts, LeasesLapsed,
		Waiters, Queues, Connections, Frames,
		SnapshotSaves, SnapshotErrors, SnapshotSaveSeconds, Replayed,
	)
}
