package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	apihttp "github.com/veranemoloko/gator/internal/api/http"
	cfgpkg "github.com/veranemoloko/gator/internal/config"
	"github.com/veranemoloko/gator/internal/domain"
	errpkg "github.com/veranemoloko/gator/internal/errors"
	"github.com/veranemoloko/gator/internal/progress"
	"github.com/veranemoloko/gator/internal/service"
	"github.com/veranemoloko/gator/internal/storage"
	"github.com/veranemoloko/gator/internal/transport"
	"github.com/veranemoloko/gator/internal/validation"
	"github.com/veranemoloko/gator/internal/worker"
)

type rootOptions struct {
	output      string
	quiet       bool
	workers     int
	segmentSize string
	statusAddr  string
	envFile     string
}

func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "gator: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func newRootCmd() *cobra.Command {
	var opts rootOptions

	cmd := &cobra.Command{
		Use:   "gator <URL>",
		Short: "Download a file over HTTP(S) using parallel range requests",
		Long: "gator splits a remote file into segments, downloads them in parallel\n" +
			"straight into the destination file and resumes interrupted downloads.",
		Args:          cobra.ExactArgs(1),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownload(cmd, args[0], opts)
		},
	}

	cmd.SetVersionTemplate("gator {{.Version}}\n")

	flags := cmd.Flags()
	flags.StringVarP(&opts.output, "output", "o", "", "output file (default: last path segment of the URL)")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress the progress bar and informational logs")
	flags.IntVar(&opts.workers, "workers", 0, "number of parallel connections (default: max(16, 4*CPUs))")
	flags.StringVar(&opts.segmentSize, "segment-size", "", "segment size, e.g. 1MiB or 4MB")
	flags.StringVar(&opts.statusAddr, "status-addr", "", "serve /status, /health and /metrics on this address")
	flags.StringVar(&opts.envFile, "env-file", ".env", "optional file with GATOR_* settings")
	flags.BoolP("version", "V", false, "print version and exit")

	return cmd
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(cmd *cobra.Command, opts rootOptions) (*cfgpkg.Config, error) {
	cfg, err := cfgpkg.Load(opts.envFile)
	if err != nil {
		return nil, withCode(exitGeneral, err)
	}

	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.Workers = opts.workers
	}
	if flags.Changed("segment-size") {
		size, err := humanize.ParseBytes(opts.segmentSize)
		if err != nil {
			return nil, withCode(exitUsage, fmt.Errorf("invalid --segment-size: %w", err))
		}
		cfg.SegmentSize = int64(size)
	}
	if flags.Changed("status-addr") {
		cfg.StatusAddr = opts.statusAddr
	}
	if opts.quiet {
		cfg.LogLevel = "error"
	}

	if err := cfg.Validate(); err != nil {
		return nil, withCode(exitUsage, err)
	}
	return cfg, nil
}

func runDownload(cmd *cobra.Command, rawURL string, opts rootOptions) error {
	if err := validation.ValidateURL(rawURL); err != nil {
		return withCode(exitUsage, err)
	}

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	logger := cfgpkg.SetupLogger(cfg, cmd.ErrOrStderr())

	dest := opts.output
	if dest == "" {
		dest = domain.FilenameFromURL(rawURL)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workers := cfg.WorkerCount()
	sink := progress.NewChannelSink(cfg.ProgressBuffer)

	coordinator := service.NewJobCoordinator(service.Deps{
		Transport: transport.NewHTTPTransport(transport.Options{
			MaxIdleConnsPerHost: workers,
			UserAgent:           cfg.UserAgent,
		}),
		Files: storage.NewFileStorage(),
		Sink:  sink,
	}, service.Options{
		SegmentSize:        cfg.SegmentSize,
		SmallFileThreshold: cfg.SmallFileThreshold,
		ProbeTimeout:       cfg.ProbeTimeout,
		Worker: worker.Options{
			Workers:         workers,
			RetryAttempts:   cfg.RetryAttempts,
			RetryBackoff:    cfg.RetryBackoff,
			RetryMaxBackoff: cfg.RetryMaxBackoff,
			AttemptTimeout:  cfg.AttemptTimeout,
		},
	}, logger)

	if cfg.StatusAddr != "" {
		srv, err := apihttp.Listen(cfg.StatusAddr, apihttp.NewRouter(coordinator, logger), logger)
		if err != nil {
			return withCode(exitGeneral, fmt.Errorf("status server: %w", err))
		}
		go srv.Serve()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("status server shutdown failed", "error", err)
			}
		}()
	}

	logger.Info("fetching", "url", rawURL, "dest", dest)

	job, err := coordinator.Probe(ctx, rawURL, dest)
	if err != nil {
		sink.Close()
		return withCode(exitCodeForKind(errpkg.KindOf(err)), err)
	}

	rendered := make(chan struct{})
	var bar *progress.Bar
	if opts.quiet {
		go func() {
			progress.Drain(sink.Events())
			close(rendered)
		}()
	} else {
		bar = progress.NewBar(cmd.OutOrStdout(), job.TotalSize, filepath.Base(dest))
		go func() {
			bar.Consume(sink.Events())
			close(rendered)
		}()
	}

	outcome := coordinator.Run(ctx, job)
	sink.Close()
	<-rendered

	if bar != nil {
		bar.Finish(outcome.Duration)
	}

	if !outcome.Success {
		kind := errpkg.KindOf(outcome.Err)
		return withCode(exitCodeForKind(kind), fmt.Errorf("%s: %w (%d of %d segments incomplete)",
			outcome.Kind, outcome.Err, len(outcome.Incomplete), outcome.TotalSegments))
	}

	return nil
}
