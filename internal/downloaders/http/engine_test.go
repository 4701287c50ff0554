package segfetchhttp

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/04041b/segfetch/internal/metrics"
	"github.com/04041b/segfetch/internal/progress"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDownload_ChunkedMatchesSource(t *testing.T) {
	data := testData(100_003)
	server := newRangeServer(t, data, "bytes")
	out := filepath.Join(t.TempDir(), "file.bin")

	counter := &progress.Counter{}
	err := Download(context.Background(), DownloadRequest{URL: server.URL, OutputPath: out, Workers: 4}, counter, testOptions())
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("downloaded content does not match source")
	}
	if server.totalRangedGets() != 4 {
		t.Errorf("expected 4 ranged requests, got %d", server.totalRangedGets())
	}
	if server.plainGetCount() != 0 {
		t.Errorf("expected no unranged request, got %d", server.plainGetCount())
	}
	if counter.Total() != int64(len(data)) {
		t.Errorf("expected %d bytes reported, got %d", len(data), counter.Total())
	}
}

func TestDownload_ChunkedEqualsFallback(t *testing.T) {
	data := testData(65_537)
	dir := t.TempDir()

	ranged := newRangeServer(t, data, "bytes")
	chunkedOut := filepath.Join(dir, "chunked.bin")
	if err := Download(context.Background(), DownloadRequest{URL: ranged.URL, OutputPath: chunkedOut, Workers: 7}, nil, testOptions()); err != nil {
		t.Fatalf("chunked Download: %v", err)
	}

	plain := newRangeServer(t, data, "")
	fallbackOut := filepath.Join(dir, "fallback.bin")
	if err := Download(context.Background(), DownloadRequest{URL: plain.URL, OutputPath: fallbackOut, Workers: 7}, nil, testOptions()); err != nil {
		t.Fatalf("fallback Download: %v", err)
	}

	chunked, _ := os.ReadFile(chunkedOut)
	fallback, _ := os.ReadFile(fallbackOut)
	if !bytes.Equal(chunked, fallback) {
		t.Fatal("chunked and fallback outputs differ")
	}
	if !bytes.Equal(chunked, data) {
		t.Fatal("output differs from source")
	}
}

func TestDownload_FallbackWhenRangesUnsupported(t *testing.T) {
	for _, acceptRanges := range []string{"", "none", "items"} {
		data := testData(4000)
		server := newRangeServer(t, data, acceptRanges)
		out := filepath.Join(t.TempDir(), "file.bin")

		counter := &progress.Counter{}
		if err := Download(context.Background(), DownloadRequest{URL: server.URL, OutputPath: out, Workers: 4}, counter, testOptions()); err != nil {
			t.Fatalf("Accept-Ranges %q: Download: %v", acceptRanges, err)
		}
		if server.plainGetCount() != 1 {
			t.Errorf("Accept-Ranges %q: expected exactly 1 unranged GET, got %d", acceptRanges, server.plainGetCount())
		}
		if server.totalRangedGets() != 0 {
			t.Errorf("Accept-Ranges %q: expected no ranged GET, got %d", acceptRanges, server.totalRangedGets())
		}
		got, _ := os.ReadFile(out)
		if !bytes.Equal(got, data) {
			t.Errorf("Accept-Ranges %q: content mismatch", acceptRanges)
		}
		if counter.Total() != int64(len(data)) {
			t.Errorf("Accept-Ranges %q: expected %d bytes reported, got %d", acceptRanges, len(data), counter.Total())
		}
	}
}

func TestDownload_EmptyResource(t *testing.T) {
	server := newRangeServer(t, nil, "bytes")
	out := filepath.Join(t.TempDir(), "empty.bin")

	if err := Download(context.Background(), DownloadRequest{URL: server.URL, OutputPath: out, Workers: 3}, nil, testOptions()); err != nil {
		t.Fatalf("Download: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("expected output file, got %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("expected empty file, got %d bytes", info.Size())
	}
	if server.totalRangedGets() != 0 || server.plainGetCount() != 0 {
		t.Error("expected no GET for an empty resource")
	}
}

func TestDownload_ProbeFailureStopsBeforeRanges(t *testing.T) {
	server := newRangeServer(t, testData(100), "bytes")
	server.configure(func(s *rangeServer) { s.headStatus = 500 })
	out := filepath.Join(t.TempDir(), "file.bin")

	err := Download(context.Background(), DownloadRequest{URL: server.URL, OutputPath: out, Workers: 3}, nil, testOptions())
	var probeErr *ProbeError
	if !errors.As(err, &probeErr) {
		t.Fatalf("expected *ProbeError, got %v", err)
	}
	if server.totalRangedGets() != 0 || server.plainGetCount() != 0 {
		t.Error("expected no GET after a failed probe")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("expected no output file, got %v", err)
	}
}

func TestDownload_RejectsZeroWorkers(t *testing.T) {
	server := newRangeServer(t, testData(100), "bytes")
	err := Download(context.Background(), DownloadRequest{URL: server.URL, OutputPath: filepath.Join(t.TempDir(), "x"), Workers: 0}, nil, testOptions())
	if !errors.Is(err, ErrInvalidWorkerCount) {
		t.Fatalf("expected ErrInvalidWorkerCount, got %v", err)
	}
	server.mu.Lock()
	heads := server.heads
	server.mu.Unlock()
	if heads != 0 {
		t.Errorf("expected validation before probing, got %d HEAD requests", heads)
	}
}

func TestDownload_RejectsUnsupportedScheme(t *testing.T) {
	err := Download(context.Background(), DownloadRequest{URL: "ftp://example.com/file", OutputPath: "x", Workers: 1}, nil, testOptions())
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("expected ErrUnsupportedScheme, got %v", err)
	}
}

func TestDownload_FailedChunkLeavesOutputUntouched(t *testing.T) {
	data := testData(3000)
	server := newRangeServer(t, data, "bytes")
	server.configure(func(s *rangeServer) { s.alwaysFail[rangeHeader(1000, 1999)] = true })
	dir := t.TempDir()
	out := filepath.Join(dir, "file.bin")
	original := []byte("previous content")
	if err := os.WriteFile(out, original, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	err := Download(context.Background(), DownloadRequest{URL: server.URL, OutputPath: out, Workers: 3}, nil, testOptions())
	var chunkErr *ChunkError
	if !errors.As(err, &chunkErr) {
		t.Fatalf("expected *ChunkError, got %v", err)
	}
	if chunkErr.Index != 1 {
		t.Errorf("expected chunk 1 to fail, got %d", chunkErr.Index)
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got, original) {
		t.Error("output file was modified by a failed download")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected no leftover part files, found %d entries", len(entries))
	}
	// Siblings ran to completion.
	if server.rangedGetsFor(rangeHeader(0, 999)) != 1 || server.rangedGetsFor(rangeHeader(2000, 2999)) != 1 {
		t.Error("expected sibling chunks to be fetched")
	}
}

func TestDownload_FailedChunkNeverCreatesOutput(t *testing.T) {
	server := newRangeServer(t, testData(3000), "bytes")
	server.configure(func(s *rangeServer) { s.alwaysFail[rangeHeader(0, 999)] = true })
	out := filepath.Join(t.TempDir(), "file.bin")

	if err := Download(context.Background(), DownloadRequest{URL: server.URL, OutputPath: out, Workers: 3}, nil, testOptions()); err == nil {
		t.Fatal("expected failure")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("expected no output file, got %v", err)
	}
}

func TestDownload_CollectErrors(t *testing.T) {
	server := newRangeServer(t, testData(3000), "bytes")
	server.configure(func(s *rangeServer) {
		s.alwaysFail[rangeHeader(0, 999)] = true
		s.alwaysFail[rangeHeader(2000, 2999)] = true
	})
	opts := testOptions()
	opts.CollectErrors = true

	err := Download(context.Background(), DownloadRequest{URL: server.URL, OutputPath: filepath.Join(t.TempDir(), "f"), Workers: 3}, nil, opts)
	if err == nil {
		t.Fatal("expected failure")
	}
	msg := err.Error()
	if !strings.Contains(msg, "chunk 0") || !strings.Contains(msg, "chunk 2") {
		t.Errorf("expected both chunk failures in %q", msg)
	}
}

func TestDownload_CancelOnFailureStopsSiblings(t *testing.T) {
	server := newRangeServer(t, testData(2000), "bytes")
	server.configure(func(s *rangeServer) {
		s.alwaysFail[rangeHeader(0, 999)] = true
		s.hang[rangeHeader(1000, 1999)] = true
	})
	opts := testOptions()
	opts.CancelOnFailure = true

	start := time.Now()
	err := Download(context.Background(), DownloadRequest{URL: server.URL, OutputPath: filepath.Join(t.TempDir(), "f"), Workers: 2}, nil, opts)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected the failing chunk's *StatusError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("expected the hanging sibling to be cancelled, took %s", elapsed)
	}
}

func TestDownload_MinChunkSizeReducesWorkers(t *testing.T) {
	data := testData(1000)
	server := newRangeServer(t, data, "bytes")
	opts := testOptions()
	opts.MinChunkSize = 400
	out := filepath.Join(t.TempDir(), "f")

	if err := Download(context.Background(), DownloadRequest{URL: server.URL, OutputPath: out, Workers: 8}, nil, opts); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got := server.totalRangedGets(); got != 2 {
		t.Errorf("expected 2 chunks of at least 400 bytes, got %d requests", got)
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got, data) {
		t.Error("content mismatch")
	}
}

func TestDownload_TransientFaultsRecovered(t *testing.T) {
	data := testData(9000)
	server := newRangeServer(t, data, "bytes")
	server.configure(func(s *rangeServer) {
		s.truncate[rangeHeader(0, 2999)] = 2
		s.truncate[rangeHeader(6000, 8999)] = 1
	})
	out := filepath.Join(t.TempDir(), "f")

	if err := Download(context.Background(), DownloadRequest{URL: server.URL, OutputPath: out, Workers: 3}, nil, testOptions()); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got, data) {
		t.Error("content mismatch after retries")
	}
}

func TestDownload_OversizedResourceIsRejected(t *testing.T) {
	server := newRangeServer(t, testData(100), "bytes")
	server.configure(func(s *rangeServer) { s.headLength = "9223372036854775807" })
	out := filepath.Join(t.TempDir(), "huge.bin")

	err := Download(context.Background(), DownloadRequest{URL: server.URL, OutputPath: out, Workers: 1}, nil, testOptions())
	if !errors.Is(err, ErrResourceTooLarge) {
		t.Fatalf("expected ErrResourceTooLarge, got %v", err)
	}
	if server.totalRangedGets() != 0 || server.plainGetCount() != 0 {
		t.Error("expected no GET for an oversized resource")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("expected no output file, got %v", err)
	}
}

func TestDownload_MaxBufferSizeBoundsChunkedPath(t *testing.T) {
	data := testData(1000)
	opts := testOptions()
	opts.MaxBufferSize = 999

	ranged := newRangeServer(t, data, "bytes")
	err := Download(context.Background(), DownloadRequest{URL: ranged.URL, OutputPath: filepath.Join(t.TempDir(), "a"), Workers: 2}, nil, opts)
	if !errors.Is(err, ErrResourceTooLarge) {
		t.Fatalf("expected ErrResourceTooLarge, got %v", err)
	}

	// The streamed path never buffers the whole resource, so the limit does not apply.
	plain := newRangeServer(t, data, "")
	out := filepath.Join(t.TempDir(), "b")
	if err := Download(context.Background(), DownloadRequest{URL: plain.URL, OutputPath: out, Workers: 2}, nil, opts); err != nil {
		t.Fatalf("fallback Download: %v", err)
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got, data) {
		t.Error("content mismatch")
	}
}

func TestDownload_FallbackFailureIsFatalAndLeavesOutput(t *testing.T) {
	tests := []struct {
		name   string
		fault  func(s *rangeServer)
		expect func(err error) bool
	}{
		{
			name:  "status",
			fault: func(s *rangeServer) { s.plainFail = http.StatusServiceUnavailable },
			expect: func(err error) bool {
				var statusErr *StatusError
				return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusServiceUnavailable
			},
		},
		{
			name:  "truncated body",
			fault: func(s *rangeServer) { s.plainCut = true },
			expect: func(err error) bool {
				var transportErr *TransportError
				return errors.As(err, &transportErr)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newRangeServer(t, testData(50_000), "")
			server.configure(tt.fault)
			dir := t.TempDir()
			out := filepath.Join(dir, "file.bin")
			original := []byte("previous content")
			if err := os.WriteFile(out, original, 0644); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}

			err := Download(context.Background(), DownloadRequest{URL: server.URL, OutputPath: out, Workers: 4}, nil, testOptions())
			if err == nil || !tt.expect(err) {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := server.plainGetCount(); got != 1 {
				t.Errorf("expected exactly 1 unranged GET, got %d", got)
			}
			if server.totalRangedGets() != 0 {
				t.Error("expected no ranged GET")
			}
			got, _ := os.ReadFile(out)
			if !bytes.Equal(got, original) {
				t.Error("output file was modified by a failed download")
			}
			entries, _ := os.ReadDir(dir)
			if len(entries) != 1 {
				t.Errorf("expected no leftover part files, found %d entries", len(entries))
			}
		})
	}
}

func TestDownload_UsesSuppliedProbe(t *testing.T) {
	data := testData(5000)
	server := newRangeServer(t, data, "bytes")
	opts := testOptions()
	opts.Probe = &SizeProbe{TotalSize: uint64(len(data)), SupportsRanges: true}
	out := filepath.Join(t.TempDir(), "f")

	if err := Download(context.Background(), DownloadRequest{URL: server.URL, OutputPath: out, Workers: 2}, nil, opts); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got := server.headCount(); got != 0 {
		t.Errorf("expected no HEAD request, got %d", got)
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got, data) {
		t.Error("content mismatch")
	}
}

func TestDownload_ProbeFailureIsCounted(t *testing.T) {
	server := newRangeServer(t, testData(100), "bytes")
	server.configure(func(s *rangeServer) { s.headStatus = http.StatusNotFound })
	counter := metrics.DownloadsTotal.WithLabelValues(metrics.ModeProbe, metrics.StatusError)
	before := testutil.ToFloat64(counter)

	err := Download(context.Background(), DownloadRequest{URL: server.URL, OutputPath: filepath.Join(t.TempDir(), "f"), Workers: 2}, nil, testOptions())
	if err == nil {
		t.Fatal("expected failure")
	}
	if after := testutil.ToFloat64(counter); after != before+1 {
		t.Errorf("expected probe failures to increment by 1, got diff %.0f", after-before)
	}
}
