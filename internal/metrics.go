package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// VFS callback metrics.
var (
	VFSCallCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "litevfs",
		Subsystem: "vfs",
		Name:      "call_total",
		Help:      "The number of VFS callbacks by result code",
	}, []string{"vfs", "op", "code"})

	VFSOpenFilesGaugeVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "litevfs",
		Subsystem: "vfs",
		Name:      "open_files",
		Help:      "The number of files currently open through a VFS",
	}, []string{"vfs"})
)

// Shared replica metrics.
var (
	OperationTotalCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "litevfs",
		Subsystem: "replica",
		Name:      "operation_total",
		Help:      "The number of replica operations performed",
	}, []string{"type", "op"})

	OperationBytesCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "litevfs",
		Subsystem: "replica",
		Name:      "operation_bytes",
		Help:      "The number of bytes used by replica operations",
	}, []string{"type", "op"})

	ReplicaCacheCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "litevfs",
		Subsystem: "replica",
		Name:      "cache_total",
		Help:      "The number of page cache lookups by result",
	}, []string{"result"})

	ReplicaTXIDGaugeVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "litevfs",
		Subsystem: "replica",
		Name:      "txid",
		Help:      "The latest transaction ID seen for a replicated database",
	}, []string{"name"})
)
