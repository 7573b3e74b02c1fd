package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every msgstore collector. It is private so tests and
// embedders do not collide on the default registerer.
var Registry = prometheus.NewRegistry()

var (
	MaskedReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgstore_masked_reads_total",
			Help: "Typed reads that fell back to the default or absent result.",
		},
		[]string{"kind", "reason"},
	)

	ExtensionMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgstore_extension_misses_total",
			Help: "Extension lookups that returned absent.",
		},
		[]string{"kind", "reason"},
	)

	DecodeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgstore_decode_failures_total",
			Help: "Record decodes that failed closed.",
		},
		[]string{"record_type", "reason"},
	)
)

func init() {
	Registry.MustRegister(MaskedReads)
	Registry.MustRegister(ExtensionMisses)
	Registry.MustRegister(DecodeFailures)
}

// Reasons shared by the counters above.
const (
	ReasonMissing      = "missing"
	ReasonKindMismatch = "kind_mismatch"
	ReasonMalformed    = "malformed"
	ReasonStorage      = "storage"
	ReasonUnregistered = "unregistered"
)

// EngineStats is implemented by the storage engine.
type EngineStats interface {
	DiskUsage() uint64
	L0Files() int64
	MemTableSize() uint64
	ExtensionCount() int
}

var (
	engineMu   sync.Mutex
	engineOnce bool
)

// RegisterEngine exposes engine gauges. Only the first engine is registered.
func RegisterEngine(db EngineStats) {
	engineMu.Lock()
	defer engineMu.Unlock()
	if engineOnce {
		return
	}
	engineOnce = true

	Registry.MustRegister(
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "msgstore_disk_usage_bytes",
				Help: "Bytes used by the store on disk.",
			},
			func() float64 { return float64(db.DiskUsage()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "msgstore_l0_files",
				Help: "Number of files in level 0.",
			},
			func() float64 { return float64(db.L0Files()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "msgstore_memtable_size_bytes",
				Help: "Current memtable size in bytes.",
			},
			func() float64 { return float64(db.MemTableSize()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "msgstore_registered_extensions",
				Help: "Number of registered extensions.",
			},
			func() float64 { return float64(db.ExtensionCount()) },
		),
	)
}
