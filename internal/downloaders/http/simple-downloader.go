package segfetchhttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/04041b/segfetch/internal/progress"
	"github.com/04041b/segfetch/internal/utils"
	"github.com/rs/zerolog/log"
)

// performSimpleDownload streams one unranged GET straight into the output file.
// There is no retry: no chunk work is at stake on this path.
func performSimpleDownload(ctx context.Context, client utils.HTTPDoer, link, outputPath string, probe SizeProbe, sink progress.Sink) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return fmt.Errorf("error creating GET request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("error executing GET request: %w", classifyTransport(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}

	var written int64
	err = writeOutput(outputPath, func(f *os.File) error {
		buffer := make([]byte, utils.DefaultBufferSize)
		for {
			bytesRead, readErr := resp.Body.Read(buffer)
			if bytesRead > 0 {
				if _, writeErr := f.Write(buffer[:bytesRead]); writeErr != nil {
					return &IOError{Op: "write", Path: f.Name(), Err: writeErr}
				}
				written += int64(bytesRead)
				sink.ObserveBytes(int64(bytesRead))
			}
			if readErr == io.EOF {
				return nil
			}
			if readErr != nil {
				return fmt.Errorf("error reading response body: %w", classifyTransport(readErr))
			}
		}
	})
	if err != nil {
		return err
	}
	log.Info().Str("op", "http/simple-downloader").
		Uint64("expected", probe.TotalSize).Int64("written", written).
		Msgf("Simple download successful for %s", outputPath)
	return nil
}
