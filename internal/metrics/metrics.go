package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Download metrics
var (
	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segfetch_downloads_total",
			Help: "Total number of downloads by transfer mode and result.",
		},
		[]string{"mode", "status"},
	)

	BytesDownloadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "segfetch_bytes_downloaded_total",
			Help: "Total number of body bytes read from servers, retried attempts included.",
		},
	)

	ChunkRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segfetch_chunk_retries_total",
			Help: "Total number of chunk attempts that were retried, by reason.",
		},
		[]string{"reason"},
	)

	ChunkFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "segfetch_chunk_failures_total",
			Help: "Total number of chunks that ended in failure.",
		},
	)

	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "segfetch_active_chunk_workers",
			Help: "Number of chunk workers currently running.",
		},
	)
)

// Transfer modes and results used as label values.
const (
	ModeChunked  = "chunked"
	ModeFallback = "fallback"
	ModeEmpty    = "empty"
	ModeProbe    = "probe" // failed before a mode was chosen

	StatusSuccess = "success"
	StatusError   = "error"
)

func init() {
	prometheus.MustRegister(
		DownloadsTotal,
		BytesDownloadedTotal,
		ChunkRetriesTotal,
		ChunkFailuresTotal,
		ActiveWorkers,
	)
}
