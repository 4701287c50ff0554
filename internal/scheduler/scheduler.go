package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	segfetchhttp "github.com/04041b/segfetch/internal/downloaders/http"
	"github.com/04041b/segfetch/internal/output"
	"github.com/04041b/segfetch/internal/utils"
	"github.com/google/uuid"
)

var ErrJobsFailed = errors.New("one or more jobs failed")

// Registry maps job types to their downloader implementations.
type Registry map[string]utils.Downloader

func DefaultRegistry(ctx context.Context) Registry {
	return Registry{
		"http": &segfetchhttp.HTTPDownloader{Ctx: ctx},
	}
}

// Run executes jobs with numWorkers concurrent jobs and returns ErrJobsFailed
// when any of them did not complete.
func Run(ctx context.Context, jobs []utils.Job, numWorkers int) error {
	outputMgr := output.NewManager()
	return RunWith(ctx, DefaultRegistry(ctx), outputMgr, jobs, numWorkers)
}

func RunWith(ctx context.Context, registry Registry, outputMgr *output.Manager, jobs []utils.Job, numWorkers int) error {
	if numWorkers < 1 {
		numWorkers = 1
	}
	outputMgr.StartDisplay()
	defer outputMgr.StopDisplay()

	jobCh := make(chan utils.Job, len(jobs))
	for _, job := range jobs {
		if job.ID == "" {
			job.ID = uuid.New().String()
		}
		jobCh <- job
	}
	close(jobCh)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := processJobs(ctx, registry, jobCh, outputMgr)
			mu.Lock()
			failed += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrJobsFailed, failed, len(jobs))
	}
	return nil
}

func processJobs(ctx context.Context, registry Registry, jobCh <-chan utils.Job, outputMgr *output.Manager) int {
	failed := 0
	for job := range jobCh {
		if err := processJob(ctx, registry, job, outputMgr); err != nil {
			failed++
		}
	}
	return failed
}

func processJob(ctx context.Context, registry Registry, job utils.Job, outputMgr *output.Manager) error {
	logger := utils.GetLogger("scheduler").With().Str("job", job.ID).Str("type", job.JobType).Logger()
	label := job.OutputPath
	if label == "" {
		label = job.URL
	}
	jobID := outputMgr.Register(label)

	fail := func(stage string, err error) error {
		err = fmt.Errorf("%s failed: %w", stage, err)
		logger.Debug().Err(err).Msg("job failed")
		outputMgr.ReportError(jobID, err)
		outputMgr.SetMessage(jobID, fmt.Sprintf("%s failed for %s", stage, label))
		return err
	}

	downloader, exists := registry[job.JobType]
	if !exists {
		return fail("Lookup", fmt.Errorf("unknown job type: %s", job.JobType))
	}
	if err := ctx.Err(); err != nil {
		return fail("Start", err)
	}

	outputMgr.SetMessage(jobID, fmt.Sprintf("Validating %s job", job.JobType))
	if err := downloader.ValidateJob(&job); err != nil {
		return fail("Validation", err)
	}

	outputMgr.SetMessage(jobID, fmt.Sprintf("Probing %s", job.URL))
	if err := downloader.BuildJob(&job); err != nil {
		return fail("Build", err)
	}
	label = job.OutputPath
	outputMgr.SetLabel(jobID, label)

	outputMgr.SetMessage(jobID, fmt.Sprintf("Downloading %s", label))
	job.ProgressFunc = func(downloaded, total int64) {
		speed, _ := job.Metadata["downloadSpeed"].(float64)
		outputMgr.SetProgress(jobID, downloaded, total, speed)
	}
	if err := downloader.Download(&job); err != nil {
		return fail("Download", err)
	}

	total, _ := job.Metadata["totalDownloaded"].(int64)
	elapsed, _ := job.Metadata["totalTime"].(float64)
	outputMgr.Complete(jobID, fmt.Sprintf("Completed %s (%s at %s)", label, utils.FormatBytes(uint64(max(total, 0))), utils.FormatSpeed(total, elapsed)))
	logger.Debug().Str("output", label).Msg("job complete")
	return nil
}
