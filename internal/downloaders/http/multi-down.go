package segfetchhttp

import (
	"context"
	"errors"
	"os"

	"github.com/04041b/segfetch/internal/metrics"
	"github.com/04041b/segfetch/internal/progress"
	"github.com/04041b/segfetch/internal/utils"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// performMultiDownload runs one worker per chunk and waits for all of them
// before looking at any result. Unless CancelOnFailure is set, a failing chunk
// does not stop its siblings.
func performMultiDownload(ctx context.Context, pool *utils.ClientPool, link, outputPath string, totalSize uint64, chunks []ChunkSpec, sink progress.Sink, opts Options) error {
	var g *errgroup.Group
	workerCtx := ctx
	if opts.CancelOnFailure {
		g, workerCtx = errgroup.WithContext(ctx)
	} else {
		g = new(errgroup.Group)
	}

	results := make([]ChunkResult, len(chunks))
	failures := make([]error, len(chunks))
	for i, spec := range chunks {
		worker := newChunkWorker(pool.Acquire(), link, spec, sink, opts)
		g.Go(func() error {
			metrics.ActiveWorkers.Inc()
			defer metrics.ActiveWorkers.Dec()
			result, err := worker.run(workerCtx)
			if err != nil {
				failures[i] = err
				return err
			}
			results[i] = result
			return nil
		})
	}
	firstErr := g.Wait()
	if firstErr != nil {
		return chunkFailure(ctx, failures, firstErr, opts.CollectErrors)
	}

	log.Debug().Str("op", "http/assemble").Int("chunks", len(chunks)).Msgf("Assembling %s", outputPath)
	return assemble(outputPath, totalSize, results)
}

// chunkFailure picks the error to surface: the lowest-index failure that was
// not just a sibling's cancellation, or all of them joined.
func chunkFailure(ctx context.Context, failures []error, fallback error, collect bool) error {
	var causes []error
	for _, err := range failures {
		if err == nil {
			continue
		}
		if ctx.Err() == nil && errors.Is(err, context.Canceled) {
			continue
		}
		causes = append(causes, err)
	}
	if len(causes) == 0 {
		return fallback
	}
	if collect {
		return errors.Join(causes...)
	}
	return causes[0]
}

// assemble copies every result to its offset in one buffer and writes it out.
func assemble(outputPath string, totalSize uint64, results []ChunkResult) error {
	buffer := make([]byte, totalSize)
	for _, r := range results {
		copy(buffer[r.Start:r.Start+uint64(len(r.Data))], r.Data)
	}
	return writeOutput(outputPath, func(f *os.File) error {
		if _, err := f.Write(buffer); err != nil {
			return &IOError{Op: "write", Path: f.Name(), Err: err}
		}
		return nil
	})
}
