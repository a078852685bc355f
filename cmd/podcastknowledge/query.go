package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sblumenf/podcastknowledge-sub012/pkg/graph"
)

func newQueryCmd(opts *rootOptions) *cobra.Command {
	var topK int

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Find the units most similar to a phrase",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			p, cleanup, err := buildPipeline(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup(context.WithoutCancel(ctx))

			results, err := p.Query(ctx, strings.Join(args, " "), topK)
			if err != nil {
				return err
			}
			printResults(cmd, results)
			return nil
		},
	}

	cmd.Flags().IntVar(&topK, "top-k", graph.DefaultTopK, "number of results to return")
	return cmd
}

func printResults(cmd *cobra.Command, results []graph.SearchResult) {
	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "no matches")
		return
	}
	for i, r := range results {
		fmt.Fprintf(out, "%d. [%.3f] %s (%s – %s)\n", i+1, r.Score, r.EpisodeTitle,
			formatOffset(r.StartTime), formatOffset(r.EndTime))
		fmt.Fprintf(out, "   %s\n", snippet(r.Text, 240))
	}
}

// formatOffset renders seconds as H:MM:SS.
func formatOffset(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second)).Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// snippet truncates s to at most n bytes on a rune boundary.
func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "…"
}
