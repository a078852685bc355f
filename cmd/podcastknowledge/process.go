package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/sblumenf/podcastknowledge-sub012/internal/pipeline"
)

func newProcessCmd(opts *rootOptions) *cobra.Command {
	var (
		podcast     string
		title       string
		description string
		published   string
		url         string
		timeoutSec  int
	)

	cmd := &cobra.Command{
		Use:   "process <vtt_path>",
		Short: "Ingest one episode transcript into the knowledge graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(opts)
			if err != nil {
				return &exitError{code: pipeline.ExitInvalidInput, err: err}
			}
			if timeoutSec > 0 {
				cfg.Pipeline.EpisodeTimeoutSec = timeoutSec
			}

			shutdown, err := initTelemetry(ctx, opts)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := shutdown(sctx); err != nil {
					slog.Warn("telemetry shutdown failed", "error", err)
				}
			}()

			p, cleanup, err := buildPipeline(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup(context.WithoutCancel(ctx))

			rep, err := p.Process(ctx, pipeline.Request{
				PodcastName:        podcast,
				PodcastDescription: description,
				EpisodeTitle:       title,
				PublishedDate:      published,
				YouTubeURL:         url,
				VTTPath:            args[0],
			})
			if rep != nil {
				printReport(cmd, rep)
			}
			return reportExit(rep, err)
		},
	}

	cmd.Flags().StringVar(&podcast, "podcast", "", "podcast name (required)")
	cmd.Flags().StringVar(&title, "title", "", "episode title (required)")
	cmd.Flags().StringVar(&description, "description", "", "podcast/episode description for speaker identification")
	cmd.Flags().StringVar(&published, "published", "", "publication date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&url, "url", "", "episode video URL")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 0, "episode timeout in seconds (overrides config)")
	_ = cmd.MarkFlagRequired("podcast")
	_ = cmd.MarkFlagRequired("title")

	return cmd
}

func printReport(cmd *cobra.Command, rep *pipeline.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "episode:            %s\n", rep.EpisodeID)
	fmt.Fprintf(out, "status:             %s\n", rep.Status)
	fmt.Fprintf(out, "units:              %d\n", rep.UnitsTotal)
	fmt.Fprintf(out, "committed:          %d\n", rep.UnitsCommitted)
	fmt.Fprintf(out, "extraction failed:  %d\n", rep.UnitsExtractionFailed)
	fmt.Fprintf(out, "skipped:            %d\n", rep.UnitsSkipped)
	if rep.Resumed {
		fmt.Fprintln(out, "resumed:            yes")
	}
	fmt.Fprintf(out, "elapsed:            %s\n", rep.Elapsed.Round(time.Millisecond))
}
