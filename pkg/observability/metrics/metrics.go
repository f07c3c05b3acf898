package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	DispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_broker",
		Subsystem: "dispatch",
		Name:      "commands_total",
		Help:      "Total dispatched commands by type and response status",
	}, []string{"type", "status"})

	DispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "go_broker",
		Subsystem: "dispatch",
		Name:      "duration_seconds",
		Help:      "Handler execution time by command type",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type"})

	HandlerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_broker",
		Subsystem: "dispatch",
		Name:      "handler_failures_total",
		Help:      "Handler errors and panics converted into failure responses",
	}, []string{"type"})

	MissingCommands = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_broker",
		Subsystem: "dispatch",
		Name:      "missing_commands_total",
		Help:      "Dispatch calls made without a command",
	})

	CodecErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_broker",
		Subsystem: "codec",
		Name:      "errors_total",
		Help:      "Frames that failed to encode or decode",
	}, []string{"version", "op"})

	LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_broker",
		Subsystem: "election",
		Name:      "leader_changes_total",
		Help:      "Partition group leader changes applied to the local table",
	})

	LeaderChangeDuplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_broker",
		Subsystem: "election",
		Name:      "leader_change_duplicates_total",
		Help:      "Leader change notifications that repeated the known leader",
	})

	PartitionGroups = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_broker",
		Subsystem: "election",
		Name:      "partition_groups",
		Help:      "Partition groups with an assigned leader",
	})

	IsController = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_broker",
		Subsystem: "election",
		Name:      "is_controller",
		Help:      "1 if this node leads the raft group replicating leadership, else 0",
	})

	AnnounceTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go_broker",
		Subsystem: "announce",
		Name:      "requests_total",
		Help:      "Leader change announcements sent to peers by result",
	}, []string{"result"})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_broker",
		Subsystem: "grpc_conn",
		Name:      "dials_total",
		Help:      "Total number of new gRPC connections dialed",
	})
	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_broker",
		Subsystem: "grpc_conn",
		Name:      "reuse_total",
		Help:      "Total number of gRPC connection reuses from cache",
	})
	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "go_broker",
		Subsystem: "grpc_conn",
		Name:      "evictions_total",
		Help:      "Total number of cached gRPC connections evicted",
	})
	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "go_broker",
		Subsystem: "grpc_conn",
		Name:      "active",
		Help:      "Number of active cached gRPC connections",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			DispatchTotal,
			DispatchDuration,
			HandlerFailures,
			MissingCommands,
			CodecErrors,
			LeaderChanges,
			LeaderChangeDuplicates,
			PartitionGroups,
			IsController,
			AnnounceTotal,
			GRPCConnDials,
			GRPCConnReuse,
			GRPCConnEvictions,
			GRPCConnActive,
		)
	})
}
