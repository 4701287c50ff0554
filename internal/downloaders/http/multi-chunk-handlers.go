package segfetchhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/04041b/segfetch/internal/metrics"
	"github.com/04041b/segfetch/internal/progress"
	"github.com/04041b/segfetch/internal/utils"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ChunkResult holds the bytes of one completed chunk.
type ChunkResult struct {
	Start uint64
	Data  []byte
}

type chunkState int

const (
	chunkPending chunkState = iota
	chunkRequesting
	chunkReading
	chunkComplete
	chunkFailed
)

func (s chunkState) String() string {
	switch s {
	case chunkPending:
		return "pending"
	case chunkRequesting:
		return "requesting"
	case chunkReading:
		return "reading"
	case chunkComplete:
		return "complete"
	case chunkFailed:
		return "failed"
	}
	return "unknown"
}

type chunkWorker struct {
	client utils.HTTPDoer
	url    string
	spec   ChunkSpec
	sink   progress.Sink
	opts   Options
	state  chunkState
	logger zerolog.Logger
}

func newChunkWorker(client utils.HTTPDoer, link string, spec ChunkSpec, sink progress.Sink, opts Options) *chunkWorker {
	return &chunkWorker{
		client: client,
		url:    link,
		spec:   spec,
		sink:   sink,
		opts:   opts,
		state:  chunkPending,
		logger: log.With().Str("op", "http/chunk").Int("chunk", spec.Index).Logger(),
	}
}

func (w *chunkWorker) setState(s chunkState) {
	w.logger.Debug().Stringer("from", w.state).Stringer("to", s).Msg("chunk state")
	w.state = s
}

// run fetches the chunk, retrying the whole request on transient faults and
// unexpected statuses until MaxAttempts is used up.
func (w *chunkWorker) run(ctx context.Context) (ChunkResult, error) {
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= w.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := backoff(ctx, w.opts, attempt-1); err != nil {
				lastErr = err
				break
			}
		}
		attempts = attempt
		w.setState(chunkRequesting)
		data, err := w.attempt(ctx)
		if err == nil {
			w.setState(chunkComplete)
			return ChunkResult{Start: w.spec.Start, Data: data}, nil
		}
		lastErr = err
		if !retryable(err) || attempt == w.opts.MaxAttempts {
			break
		}
		metrics.ChunkRetriesTotal.WithLabelValues(retryReason(err)).Inc()
		w.logger.Warn().Err(err).Msgf("Attempt %d/%d for range %d-%d failed, retrying", attempt, w.opts.MaxAttempts, w.spec.Start, w.spec.End)
	}
	w.setState(chunkFailed)
	metrics.ChunkFailuresTotal.Inc()
	w.logger.Error().Err(lastErr).Msgf("Range %d-%d failed", w.spec.Start, w.spec.End)
	return ChunkResult{}, &ChunkError{
		Index:    w.spec.Index,
		Start:    w.spec.Start,
		End:      w.spec.End,
		Attempts: attempts,
		Err:      lastErr,
	}
}

func (w *chunkWorker) attempt(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", w.spec.Start, w.spec.End))
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}
	if err := w.checkRange(resp); err != nil {
		return nil, err
	}

	w.setState(chunkReading)
	expected := w.spec.Size()
	data := make([]byte, 0, expected)
	buffer := make([]byte, utils.DefaultBufferSize)
	for {
		bytesRead, readErr := resp.Body.Read(buffer)
		if bytesRead > 0 {
			if uint64(len(data)+bytesRead) > expected {
				w.discard(int64(len(data)))
				return nil, &TransportError{Err: ErrRangeIgnored}
			}
			data = append(data, buffer[:bytesRead]...)
			w.sink.ObserveBytes(int64(bytesRead))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			w.discard(int64(len(data)))
			return nil, classifyTransport(readErr)
		}
	}
	if uint64(len(data)) != expected {
		w.discard(int64(len(data)))
		return nil, &TransportError{Transient: true, Err: fmt.Errorf("%w: got %d of %d bytes", ErrShortChunk, len(data), expected)}
	}
	return data, nil
}

// checkRange rejects replies that carry bytes from somewhere other than the
// requested range: a 206 with a different Content-Range, or a whole-resource
// 200 for a chunk that does not start at offset 0.
func (w *chunkWorker) checkRange(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		if w.spec.Start != 0 {
			return &TransportError{Err: fmt.Errorf("%w: got 200 for range starting at %d", ErrRangeIgnored, w.spec.Start)}
		}
		return nil
	}
	contentRange := resp.Header.Get("Content-Range")
	if contentRange == "" {
		return nil
	}
	var start, end uint64
	if _, err := fmt.Sscanf(contentRange, "bytes %d-%d/", &start, &end); err != nil || start != w.spec.Start || end != w.spec.End {
		return &TransportError{Err: fmt.Errorf("%w: requested %d-%d, got %q", ErrRangeIgnored, w.spec.Start, w.spec.End, contentRange)}
	}
	return nil
}

// discard tells the sink that bytes it already saw will not be kept.
func (w *chunkWorker) discard(n int64) {
	if n == 0 {
		return
	}
	if r, ok := w.sink.(progress.RetryObserver); ok {
		r.ObserveRetry(n)
	}
}

func retryReason(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return "status"
	}
	return "transient"
}

// backoffDelay doubles RetryBackoff once per earlier retry, stopping at
// RetryMaxBackoff and never overflowing.
func backoffDelay(opts Options, retry int) time.Duration {
	delay := opts.RetryBackoff
	for i := 1; i < retry; i++ {
		if delay > math.MaxInt64/2 || (opts.RetryMaxBackoff > 0 && delay >= opts.RetryMaxBackoff) {
			break
		}
		delay *= 2
	}
	if opts.RetryMaxBackoff > 0 && delay > opts.RetryMaxBackoff {
		delay = opts.RetryMaxBackoff
	}
	return delay
}

// backoff waits for an exponentially increasing duration with jitter.
func backoff(ctx context.Context, opts Options, retry int) error {
	if opts.RetryBackoff <= 0 {
		return ctx.Err()
	}
	delay := backoffDelay(opts, retry)
	// 0.5 to 1.5 of the delay
	jitter := time.Duration(float64(delay) * (0.5 + rand.Float64()))
	if jitter <= 0 {
		jitter = delay
	}
	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
