package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alvmarrod/wiki-harvester/internal/checkpoint"
	"github.com/alvmarrod/wiki-harvester/internal/clock"
	"github.com/alvmarrod/wiki-harvester/internal/config"
	"github.com/alvmarrod/wiki-harvester/internal/fetcher"
	"github.com/alvmarrod/wiki-harvester/internal/metrics"
	"github.com/alvmarrod/wiki-harvester/internal/normalize"
	"github.com/alvmarrod/wiki-harvester/internal/pipeline"
	"github.com/alvmarrod/wiki-harvester/internal/ratelimit"
	"github.com/alvmarrod/wiki-harvester/internal/retry"
	"github.com/alvmarrod/wiki-harvester/internal/storage"
	"github.com/alvmarrod/wiki-harvester/internal/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	var (
		target int
		fresh  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Walk the content graph, resuming from the latest checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("target") {
				cfg.TargetTotal = target
				if err := config.Validate(cfg); err != nil {
					return err
				}
			}
			return runHarvest(cmd.Context(), cfg, fresh)
		},
	}

	cmd.Flags().IntVar(&target, "target", 0, "stop after this many pages (0 walks to the end)")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "delete existing checkpoints and start from the beginning")
	return cmd
}

func runHarvest(parent context.Context, cfg *config.Config, fresh bool) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := logrus.StandardLogger()

	logrus.Infof("Wiki Harvester v%s starting...", version.Version)
	logrus.Infof("Configuration loaded: endpoint=%s, site=%s, batch=%d, target=%d, rps=%d",
		cfg.APIEndpoint, normalize.Site(cfg.BaseURLFilter), cfg.BatchSize, cfg.TargetTotal, cfg.MaxRequestsPerSecond)

	store := checkpoint.NewStore(cfg.CheckpointDir, logger)
	if fresh {
		removed, err := store.Clear()
		if err != nil {
			return fmt.Errorf("failed to clear checkpoints: %w", err)
		}
		logrus.Infof("Fresh run: removed %d checkpoints", removed)
	}

	client, err := fetcher.NewClient(fetcher.Options{
		Endpoint:           cfg.APIEndpoint,
		Token:              cfg.APIToken,
		UserAgent:          cfg.UserAgent,
		BaseURLFilter:      cfg.BaseURLFilter,
		IncludeUserDetails: cfg.IncludeUserDetails,
		Timeout:            cfg.RequestTimeout(),
		MaxBodyBytes:       cfg.MaxBodyBytes,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	var sink storage.Sink
	sqlSink, err := openSink(parent, cfg)
	if err != nil {
		return err
	}
	if sqlSink != nil {
		defer sqlSink.Close()
		sink = sqlSink
	}

	registry := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(registry)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, registry)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	clk := clock.Real{}
	bar := newProgressBar(newProgressConfig(quiet), cfg.TargetTotal)

	driver, err := pipeline.New(pipeline.Options{
		BatchSize:          cfg.BatchSize,
		Target:             cfg.TargetTotal,
		CheckpointInterval: cfg.CheckpointInterval,
		OutputPath:         cfg.OutputPath,
		SinkChunkSize:      cfg.SinkChunkSize,
	}, pipeline.Deps{
		Fetcher: client,
		Limiter: ratelimit.NewLimiter(ratelimit.Options{
			MaxPerSecond:      cfg.MaxRequestsPerSecond,
			WindowBuffer:      cfg.WindowBuffer(),
			QuotaThreshold:    cfg.QuotaThreshold,
			QuotaSafetyMargin: cfg.QuotaSafetyMargin(),
			QuotaMinWait:      cfg.QuotaMinWait(),
		}, clk, logger),
		Retry: retry.NewPolicy(retry.Options{
			Threshold:      cfg.RetryThreshold,
			Window:         cfg.RetryWindow(),
			InitialBackoff: cfg.RetryInitialBackoff(),
			MaxBackoff:     cfg.RetryMaxBackoff(),
			Multiplier:     cfg.RetryMultiplier,
		}, clk, logger),
		Store:      store,
		Sink:       sink,
		Clock:      clk,
		Logger:     logger,
		Collectors: collectors,
		OnProgress: progressObserver(bar),
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup
	done := make(chan struct{})
	defer func() {
		close(done)
		wg.Wait()
	}()

	// First signal stops after the current batch; a second one forces exit
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case sig := <-sigChan:
			logrus.Infof("Received signal: %v, finishing current batch...", sig)
			cancel()
		case <-done:
			return
		}

		select {
		case sig := <-sigChan:
			logrus.Warnf("Received second signal (%v) - forcing immediate exit!", sig)
			if tracker := driver.Tracker(); tracker != nil {
				if err := tracker.WriteToFile(cfg.MetricsPath, "forced_exit"); err != nil {
					logrus.Errorf("Emergency metrics save failed: %v", err)
				}
			}
			os.Exit(1)
		case <-done:
		}
	}()

	// Periodic progress log when no bar is drawn
	if bar == nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					if tracker := driver.Tracker(); tracker != nil {
						logrus.Info(tracker.LogProgress())
					}
				case <-done:
					return
				}
			}
		}()
	}

	res, runErr := driver.Run(ctx)
	if bar != nil {
		_ = bar.Finish()
	}

	if tracker := driver.Tracker(); tracker != nil {
		if err := tracker.WriteToFile(cfg.MetricsPath, ""); err != nil {
			logrus.Errorf("Failed to write metrics: %v", err)
		} else {
			logrus.Infof("Metrics written to %s", cfg.MetricsPath)
		}
	}

	if res != nil {
		logSummary(res)
	}
	if runErr != nil {
		return runErr
	}
	if res.SinkErr != nil {
		return fmt.Errorf("sink handoff incomplete: %w", res.SinkErr)
	}
	return nil
}

func logSummary(res *pipeline.Result) {
	s := res.Stats
	c := res.Records.Counts()
	logrus.Infof("Run %s finished (%s): progress=%d, pages this run=%d, batches=%d, quota used=%d, errors=%d, duration=%s",
		res.RunID, s.TerminationReason, res.Progress, s.PagesProcessed, s.BatchesCompleted,
		s.QuotaUsed, s.ErrorCount(), metrics.FormatDuration(s.EndTime.Sub(s.StartTime)))
	logrus.Infof("Records: %d pages, %d votes, %d revisions, %d attributions, %d relations, %d alternate titles",
		c.Pages, c.Votes, c.Revisions, c.Attributions, c.Relations, c.AlternateTitles)
	if res.Output != "" {
		logrus.Infof("Output written to %s", res.Output)
	}
}

func serveMetrics(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logrus.Infof("Serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("Metrics server failed: %v", err)
		}
	}()
	return srv
}
