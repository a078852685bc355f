// Command podcastknowledge ingests podcast transcripts into a Neo4j
// knowledge graph and answers vector-similarity queries over the result.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sblumenf/podcastknowledge-sub012/internal/config"
	"github.com/sblumenf/podcastknowledge-sub012/internal/observe"
	"github.com/sblumenf/podcastknowledge-sub012/internal/pipeline"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// exitError carries a process exit code through cobra's error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintf(os.Stderr, "podcastknowledge: %v\n", ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "podcastknowledge: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions holds flags shared by all subcommands.
type rootOptions struct {
	configPath  string
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "podcastknowledge",
		Short:         "Podcast transcript → knowledge graph pipeline",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")

	root.AddCommand(newProcessCmd(opts))
	root.AddCommand(newQueryCmd(opts))
	return root
}

// loadConfig resolves the effective configuration: defaults, then the YAML
// file, then environment variables (including a .env file when present).
func loadConfig(opts *rootOptions) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not read .env file", "error", err)
	}

	cfg := config.Default()
	if opts.configPath != "" {
		if err := config.Load(opts.configPath, cfg); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	slog.SetDefault(newLogger(cfg.LogLevel))
	return cfg, nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// initTelemetry sets up the OTel providers and, when requested, a /metrics
// endpoint. The returned shutdown flushes exporters.
func initTelemetry(ctx context.Context, opts *rootOptions) (func(context.Context) error, error) {
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "podcastknowledge",
		ServiceVersion: version,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: opts.metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "addr", opts.metricsAddr, "error", err)
			}
		}()
		inner := shutdown
		shutdown = func(ctx context.Context) error {
			sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return errors.Join(srv.Shutdown(sctx), inner(ctx))
		}
	}
	return shutdown, nil
}

// reportExit converts a pipeline outcome into cobra's error path.
func reportExit(rep *pipeline.Report, err error) error {
	code := pipeline.ExitCode(rep, err)
	if code == pipeline.ExitOK {
		return nil
	}
	return &exitError{code: code, err: err}
}
