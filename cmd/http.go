package cmd

import (
	"context"

	"github.com/04041b/segfetch/internal/scheduler"
	"github.com/04041b/segfetch/internal/utils"
	"github.com/spf13/cobra"
)

func newHTTPCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "http [URL] [--output OUTPUT_PATH]",
		Short: "Download file via HTTP/HTTPS",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			job := newHTTPJob(args[0], outputPath, connections)
			runJobs(func(ctx context.Context) error {
				return scheduler.Run(ctx, []utils.Job{job}, 1)
			})
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (inferred from the server or URL if omitted)")
	return cmd
}

func newHTTPJob(link, outputPath string, conns int) utils.Job {
	return utils.Job{
		JobType:          "http",
		URL:              link,
		OutputPath:       outputPath,
		Connections:      conns,
		HTTPClientConfig: globalHTTPConfig,
		Engine:           globalEngine,
		Metadata:         make(map[string]any),
	}
}
