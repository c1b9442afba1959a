package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the shared tracer for resolution pass spans. SetupTracing swaps
// it once the OTLP provider is installed.
var Tracer trace.Tracer = otel.Tracer("semlink")

// Metrics definitions
var (
	PassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "semlink_pass_seconds",
		Help:    "Time spent on one incremental resolution pass.",
		Buckets: prometheus.DefBuckets,
	})

	FilesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "semlink_files_ingested_total",
		Help: "Total number of fact bundles ingested into the symbol index.",
	})

	FilesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "semlink_files_skipped_total",
		Help: "Total number of files skipped because their content hash was unchanged.",
	})

	IndexClasses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "semlink_index_classes_total",
		Help: "Current number of class symbols in the index.",
	})

	IndexMethods = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "semlink_index_methods_total",
		Help: "Current number of method symbols in the index.",
	})

	EdgesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semlink_edges_resolved_total",
		Help: "Total number of call edges emitted, by resolution kind.",
	}, []string{"kind"})

	UnresolvedCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "semlink_unresolved_calls_total",
		Help: "Total number of call sites with zero applicable candidates.",
	})

	HierarchyErrors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "semlink_hierarchy_errors_total",
		Help: "Current number of classes excluded from dispatch pruning.",
	})

	RTAIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "semlink_rta_iterations",
		Help:    "Number of fixed-point iterations per RTA computation.",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
	})

	EpochConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "semlink_epoch_conflicts_total",
		Help: "Total number of resolution batches retried due to epoch conflicts.",
	})

	WatcherEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "semlink_watcher_events_total",
		Help: "Total number of file system events received by the watcher.",
	})
)
