package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/04041b/segfetch/internal/output"
	"github.com/04041b/segfetch/internal/scheduler"
	"github.com/04041b/segfetch/internal/utils"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// maxTotalConnections caps connections across all parallel batch jobs.
const maxTotalConnections = 64

// BatchFile groups entries by job type:
//
//	http:
//	  - link: https://example.com/a.iso
//	    op: downloads/a.iso
type BatchFile map[string][]utils.DownloadEntry

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [YAML_FILE] [OPTIONS]",
		Short: "Process multiple downloads from a YAML file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			data, err := os.ReadFile(args[0])
			if err != nil {
				output.PrintError(fmt.Sprintf("Error reading YAML file: %v", err))
				os.Exit(1)
			}
			jobs, err := parseBatchFile(data, workers, connections)
			if err != nil {
				output.PrintError(fmt.Sprintf("Error parsing YAML file: %v", err))
				os.Exit(1)
			}
			if len(jobs) == 0 {
				output.PrintError("No valid jobs found in the batch file")
				os.Exit(1)
			}
			runJobs(func(ctx context.Context) error {
				return scheduler.Run(ctx, jobs, workers)
			})
		},
	}
	return cmd
}

func parseBatchFile(data []byte, parallel, conns int) ([]utils.Job, error) {
	var batchFile BatchFile
	if err := yaml.Unmarshal(data, &batchFile); err != nil {
		return nil, err
	}
	perJob := conns
	if parallel > 0 && parallel*perJob > maxTotalConnections {
		perJob = max(maxTotalConnections/parallel, 1)
	}

	sections := make([]string, 0, len(batchFile))
	for section := range batchFile {
		sections = append(sections, section)
	}
	sort.Strings(sections)

	var jobs []utils.Job
	for _, section := range sections {
		if normalizeJobType(section) == "" {
			log.Warn().Str("section", section).Msg("Unknown job type, skipping")
			continue
		}
		for _, entry := range batchFile[section] {
			if entry.URL == "" {
				log.Warn().Str("section", section).Msg("Empty link, skipping")
				continue
			}
			jobs = append(jobs, newHTTPJob(entry.URL, entry.OutputPath, perJob))
		}
	}
	return jobs, nil
}

func normalizeJobType(jobType string) string {
	switch strings.ToLower(jobType) {
	case "http", "https":
		return "http"
	}
	return ""
}
