// reconcile copies the newest activity timestamp of every device from the
// push-telemetry store into the relational device store. By default it runs
// one batch and prints the run as JSON; with --interval it keeps running
// until interrupted.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"powerverter-monitor/internal/config"
	devicerepo "powerverter-monitor/internal/devices/infrastructure/postgres"
	"powerverter-monitor/internal/logging"
	"powerverter-monitor/internal/observability/metrics"
	"powerverter-monitor/internal/pushchannel/redis"
	"powerverter-monitor/internal/reconcile/application"
	reconcile "powerverter-monitor/internal/reconcile/domain"
	reconcilerepo "powerverter-monitor/internal/reconcile/infrastructure/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		interval  time.Duration
		batchSize int
		noPersist   bool
		metricsAddr string
	)
	flagSet := pflag.NewFlagSet("reconcile", pflag.ContinueOnError)
	flagSet.DurationVar(&interval, "interval", 0, "run repeatedly on this interval instead of once")
	flagSet.IntVar(&batchSize, "batch-size", 0, "devices examined per run (default from config)")
	flagSet.BoolVar(&noPersist, "no-persist", false, "do not record runs in reconcile_runs")
	flagSet.StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address in --interval mode")
	flagSet.StringP("config", "c", "", "yaml config file (overrides MONITOR_CONFIG)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if path, _ := flagSet.GetString("config"); path != "" {
		if err := os.Setenv("MONITOR_CONFIG", path); err != nil {
			return err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if batchSize > 0 {
		cfg.Reconcile.BatchSize = batchSize
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if cfg.Redis.Addr == "" {
		return errors.New("REDIS_ADDR is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}

	activity, err := redis.NewActivityStore(cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer activity.Close()
	if err := activity.Ping(ctx); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	metrics.Init(nil, logger)
	opts := []application.Option{
		application.WithBatchSize(cfg.Reconcile.BatchSize),
		application.WithMetrics(metrics.ReconcileMetrics{}),
	}
	if !noPersist {
		opts = append(opts, application.WithRunRepository(reconcilerepo.NewRunRepository(db)))
	}
	job, err := application.NewJob(devicerepo.NewDeviceRepository(db), activity, logger, opts...)
	if err != nil {
		return err
	}

	if interval <= 0 {
		result, err := job.Run(ctx, reconcile.TriggerManual)
		if result != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(result); encErr != nil {
				return encErr
			}
		}
		return err
	}

	scheduler, err := application.NewScheduler(job, interval, logger)
	if err != nil {
		return err
	}
	logger.Info().Dur("interval", interval).Int("batch_size", cfg.Reconcile.BatchSize).Msg("reconcile scheduler started")
	return serveScheduled(ctx, scheduler.Start, metricsAddr, logger)
}

// serveScheduled runs start until ctx ends. With a metrics address it also
// serves the prometheus registry and stops both together.
func serveScheduled(ctx context.Context, start func(context.Context), metricsAddr string, logger zerolog.Logger) error {
	if metricsAddr == "" {
		start(ctx)
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", metricsAddr).Msg("metrics listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
