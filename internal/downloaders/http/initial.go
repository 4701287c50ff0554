package segfetchhttp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/04041b/segfetch/internal/progress"
	"github.com/04041b/segfetch/internal/utils"
)

// HTTPDownloader runs segmented downloads as scheduler jobs.
type HTTPDownloader struct {
	Ctx context.Context
}

func (d *HTTPDownloader) context() context.Context {
	if d.Ctx != nil {
		return d.Ctx
	}
	return context.Background()
}

func (d *HTTPDownloader) ValidateJob(job *utils.Job) error {
	if job.Connections < 1 {
		return ErrInvalidWorkerCount
	}
	return validateRequest(DownloadRequest{URL: job.URL, OutputPath: "-", Workers: job.Connections})
}

// BuildJob probes the resource and settles the output path: the
// Content-Disposition name or the URL's last segment when none was given, and a
// "name-(n).ext" variant when the path already exists.
func (d *HTTPDownloader) BuildJob(job *utils.Job) error {
	job.HTTPClientConfig.HighThreadMode = job.Connections > utils.HighThreadModeThreshold

	client := utils.NewHTTPClient(job.HTTPClientConfig)
	defer client.CloseIdleConnections()
	probe, err := Probe(d.context(), client, job.URL)
	if err != nil {
		return err
	}

	if job.OutputPath == "" {
		job.OutputPath = probe.FileName
		if job.OutputPath == "" {
			job.OutputPath = utils.OutputNameFromURL(job.URL)
		}
	} else if info, err := os.Stat(job.OutputPath); err == nil && info.IsDir() {
		name := probe.FileName
		if name == "" {
			name = utils.OutputNameFromURL(job.URL)
		}
		job.OutputPath = filepath.Join(job.OutputPath, name)
	}

	if existingFile, err := os.Stat(job.OutputPath); err == nil {
		if probe.TotalSize > 0 && uint64(existingFile.Size()) == probe.TotalSize {
			return fmt.Errorf("file already exists with same size: %s", job.OutputPath)
		}
		job.OutputPath = utils.RenewOutputPath(job.OutputPath)
	}

	if job.Metadata == nil {
		job.Metadata = make(map[string]any)
	}
	job.Metadata["probe"] = probe
	job.Metadata["fileSize"] = probe.TotalSize
	job.Metadata["rangeSupported"] = probe.SupportsRanges
	return nil
}

func (d *HTTPDownloader) Download(job *utils.Job) error {
	fileSize, _ := job.Metadata["fileSize"].(uint64)
	startTime := time.Now()

	tracker := progress.NewTracker(int64(fileSize), 100*time.Millisecond, func(downloaded, total int64, speed float64) {
		job.Metadata["downloadSpeed"] = speed
		if job.ProgressFunc != nil {
			job.ProgressFunc(downloaded, total)
		}
	})
	tracker.Start()

	opts := DefaultOptions()
	opts.HTTPClientConfig = job.HTTPClientConfig
	if job.Engine.RetryBackoff > 0 {
		opts.RetryBackoff = job.Engine.RetryBackoff
	}
	opts.MinChunkSize = job.Engine.MinChunkSize
	if job.Engine.MaxBufferSize > 0 {
		opts.MaxBufferSize = job.Engine.MaxBufferSize
	}
	if probe, ok := job.Metadata["probe"].(SizeProbe); ok {
		opts.Probe = &probe
	}
	opts.CancelOnFailure = job.Engine.CancelOnFailure
	opts.CollectErrors = job.Engine.CollectErrors

	err := Download(d.context(), DownloadRequest{
		URL:        job.URL,
		OutputPath: job.OutputPath,
		Workers:    job.Connections,
	}, tracker, opts)
	tracker.Stop()

	job.Metadata["totalDownloaded"] = tracker.Effective()
	job.Metadata["totalTime"] = time.Since(startTime).Seconds()
	return err
}
