package segfetchhttp

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"os"
	"time"

	"github.com/04041b/segfetch/internal/metrics"
	"github.com/04041b/segfetch/internal/progress"
	"github.com/04041b/segfetch/internal/utils"
	"github.com/rs/zerolog/log"
)

// DownloadRequest names one resource, where it goes, and how many chunk workers
// may fetch it.
type DownloadRequest struct {
	URL        string
	OutputPath string
	Workers    int
}

type Options struct {
	HTTPClientConfig utils.HTTPClientConfig
	MaxAttempts      int // per chunk, first attempt included
	RetryBackoff     time.Duration
	RetryMaxBackoff  time.Duration
	MinChunkSize     uint64 // 0 plans exactly Workers chunks
	MaxBufferSize    uint64 // largest chunked download held in memory; 0 means the default
	CancelOnFailure  bool
	CollectErrors    bool
	Probe            *SizeProbe // skips the HEAD request when the caller already probed
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:     3,
		RetryBackoff:    utils.DefaultRetryBackoff,
		RetryMaxBackoff: utils.DefaultRetryMaxBackoff,
		MaxBufferSize:   utils.DefaultMaxBufferSize,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.MaxBufferSize == 0 {
		o.MaxBufferSize = utils.DefaultMaxBufferSize
	}
	return o
}

// Download fetches req.URL into req.OutputPath. Ranged servers are fetched in
// req.Workers concurrent chunks; others get a single streamed GET. The output
// path is only replaced once the whole content is in hand.
func Download(ctx context.Context, req DownloadRequest, sink progress.Sink, opts Options) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	opts = opts.withDefaults()
	if sink == nil {
		sink = progress.Discard
	}
	sink = progress.Multi(sink, progress.SinkFunc(func(delta int64) {
		metrics.BytesDownloadedTotal.Add(float64(delta))
	}))

	pool := utils.NewClientPool(opts.HTTPClientConfig)
	defer pool.Release()

	probe, err := probeOnce(ctx, req.URL, opts)
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues(metrics.ModeProbe, metrics.StatusError).Inc()
		return err
	}
	mode, err := transfer(ctx, pool, req, probe, sink, opts)
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	metrics.DownloadsTotal.WithLabelValues(mode, status).Inc()
	return err
}

func probeOnce(ctx context.Context, link string, opts Options) (SizeProbe, error) {
	if opts.Probe != nil {
		return *opts.Probe, nil
	}
	probeClient := utils.NewHTTPClient(opts.HTTPClientConfig)
	defer probeClient.CloseIdleConnections()
	return Probe(ctx, probeClient, link)
}

// assemblyLimit is the largest size a chunked download may buffer.
func assemblyLimit(opts Options) uint64 {
	return min(opts.MaxBufferSize, uint64(math.MaxInt))
}

func validateRequest(req DownloadRequest) error {
	if req.Workers < 1 {
		return ErrInvalidWorkerCount
	}
	parsedURL, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, parsedURL.Scheme)
	}
	if req.OutputPath == "" {
		return fmt.Errorf("output path is required")
	}
	return nil
}

func transfer(ctx context.Context, pool *utils.ClientPool, req DownloadRequest, probe SizeProbe, sink progress.Sink, opts Options) (string, error) {
	logger := log.With().Str("op", "http/download").Str("url", req.URL).Logger()

	if probe.TotalSize == 0 {
		logger.Info().Msgf("Empty resource, creating %s", req.OutputPath)
		return metrics.ModeEmpty, writeOutput(req.OutputPath, func(*os.File) error { return nil })
	}

	if !probe.SupportsRanges {
		logger.Warn().Msg("Server does not support range requests, falling back to a single stream")
		return metrics.ModeFallback, performSimpleDownload(ctx, pool.Acquire(), req.URL, req.OutputPath, probe, sink)
	}

	if limit := assemblyLimit(opts); probe.TotalSize > limit {
		return metrics.ModeChunked, fmt.Errorf("%w: %s advertised, limit is %s", ErrResourceTooLarge, utils.FormatBytes(probe.TotalSize), utils.FormatBytes(limit))
	}

	workers := effectiveWorkers(probe.TotalSize, req.Workers, opts.MinChunkSize)
	chunks, err := Plan(probe.TotalSize, workers)
	if err != nil {
		return metrics.ModeChunked, err
	}
	logger.Info().Msgf("Downloading %s using %d connections", utils.FormatBytes(probe.TotalSize), len(chunks))
	return metrics.ModeChunked, performMultiDownload(ctx, pool, req.URL, req.OutputPath, probe.TotalSize, chunks, sink, opts)
}
