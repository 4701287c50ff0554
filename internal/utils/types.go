package utils

import "time"

type Downloader interface {
	Download(job *Job) error
	BuildJob(job *Job) error
	ValidateJob(job *Job) error
}

type Job struct {
	ID               string
	JobType          string
	OutputPath       string
	ProgressFunc     func(downloaded, total int64)
	URL              string
	Connections      int
	Metadata         map[string]any
	HTTPClientConfig HTTPClientConfig
	Engine           EngineConfig
}

// EngineConfig carries the chunking knobs that are not part of the HTTP client.
type EngineConfig struct {
	RetryBackoff    time.Duration
	MinChunkSize    uint64
	MaxBufferSize   uint64
	CancelOnFailure bool
	CollectErrors   bool
}

type DownloadEntry struct {
	OutputPath string `yaml:"op"`
	URL        string `yaml:"link"`
}
