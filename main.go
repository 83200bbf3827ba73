package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"powerverter-monitor/internal/audit"
	"powerverter-monitor/internal/auth"
	"powerverter-monitor/internal/config"
	devicerepo "powerverter-monitor/internal/devices/infrastructure/postgres"
	liveapp "powerverter-monitor/internal/liveness/application"
	livekafka "powerverter-monitor/internal/liveness/interfaces/kafka"
	livews "powerverter-monitor/internal/liveness/interfaces/ws"
	"powerverter-monitor/internal/logging"
	"powerverter-monitor/internal/observability/metrics"
	"powerverter-monitor/internal/pushchannel/mqtt"
	"powerverter-monitor/internal/pushchannel/redis"
	reconcileapp "powerverter-monitor/internal/reconcile/application"
	reconcilerepo "powerverter-monitor/internal/reconcile/infrastructure/postgres"
	reconcilehttp "powerverter-monitor/internal/reconcile/interfaces/http"
	scheduleapp "powerverter-monitor/internal/schedules/application"
	schedules "powerverter-monitor/internal/schedules/domain"
	schedulerepo "powerverter-monitor/internal/schedules/infrastructure/postgres"
	schedulehttp "powerverter-monitor/internal/schedules/interfaces/http"
	"powerverter-monitor/internal/telemetry/infrastructure/influx"
	telemetrypostgres "powerverter-monitor/internal/telemetry/infrastructure/postgres"
	"powerverter-monitor/internal/telemetry/interfaces/ingest"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if cfg.JWTSecret == "" {
		return errors.New("AUTH_JWT_SECRET is required")
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

	metrics.Init(db, logger)
	auditRepo := audit.NewRepository(db)

	deviceRepo := devicerepo.NewDeviceRepository(db)
	deviceDataRepo := telemetrypostgres.NewDeviceDataRepository(db)
	guard, err := auth.NewDeviceGuard(deviceRepo)
	if err != nil {
		return err
	}

	deps := liveapp.SessionDeps{
		Store:    deviceRepo,
		Samples:  deviceDataRepo,
		Recorder: metrics.LivenessRecorder{},
		Logger:   logging.WithComponent(logger, "liveness"),
	}

	var channel *mqtt.Channel
	if cfg.MQTT.BrokerURL != "" {
		channel, err = mqtt.New(cfg.MQTT, logger)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		if err := channel.Connect(ctx); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
		defer channel.Close()
		deps.Push = channel
	} else {
		logger.Warn().Msg("MQTT_BROKER_URL not set, push evidence and load control disabled")
	}

	if cfg.Influx.URL != "" {
		sampleLog, err := influx.NewSampleLogger(cfg.Influx, logger)
		if err != nil {
			return fmt.Errorf("influx: %w", err)
		}
		defer sampleLog.Close()
		deps.DataLog = sampleLog
	}

	manager, err := liveapp.NewManager(deps, cfg.Liveness)
	if err != nil {
		return fmt.Errorf("liveness manager: %w", err)
	}
	defer manager.CloseAll()

	wsOpts := []livews.Option{livews.WithGuard(guard)}
	if len(cfg.Kafka.Brokers) > 0 {
		statusPublisher, err := livekafka.NewPublisher(cfg.Kafka, logger)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer func() {
			if err := statusPublisher.Close(); err != nil {
				logger.Warn().Err(err).Msg("kafka publisher close failed")
			}
		}()
		wsOpts = append(wsOpts, livews.WithWatcher(statusPublisher.Watch))
	}
	wsHandler, err := livews.NewHandler(manager, logger, wsOpts...)
	if err != nil {
		return fmt.Errorf("ws handler: %w", err)
	}

	ingestHandler, err := ingest.NewHandler(deviceDataRepo, logger)
	if err != nil {
		return fmt.Errorf("ingest handler: %w", err)
	}

	var publisher schedules.ControlPublisher = unavailablePublisher{}
	if channel != nil {
		publisher = channel
	}
	scheduleService, err := scheduleapp.NewService(schedulerepo.NewScheduleRepository(db), deviceRepo, publisher, logger)
	if err != nil {
		return fmt.Errorf("schedule service: %w", err)
	}
	scheduleHandler, err := schedulehttp.NewHandler(scheduleService, guard, auditRepo, logger)
	if err != nil {
		return fmt.Errorf("schedule handler: %w", err)
	}
	executor, err := scheduleapp.NewExecutor(scheduleService, cfg.Schedules.TickInterval, logger)
	if err != nil {
		return fmt.Errorf("schedule executor: %w", err)
	}

	router := chi.NewRouter()
	router.Handle("/ws/monitor", wsHandler)
	router.Handle("/api/v1/ingest", ingestHandler)
	router.Get("/api/v1/time", scheduleHandler.ServeTime)
	router.Mount("/api/v1/devices/{deviceID}", scheduleHandler.Routes())
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	var scheduler *reconcileapp.Scheduler
	if cfg.Redis.Addr != "" {
		activity, err := redis.NewActivityStore(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer activity.Close()
		if err := activity.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("push-telemetry store unreachable at startup")
		}
		runRepo := reconcilerepo.NewRunRepository(db)
		job, err := reconcileapp.NewJob(deviceRepo, activity, logger,
			reconcileapp.WithBatchSize(cfg.Reconcile.BatchSize),
			reconcileapp.WithRunRepository(runRepo),
			reconcileapp.WithMetrics(metrics.ReconcileMetrics{}),
		)
		if err != nil {
			return fmt.Errorf("reconcile job: %w", err)
		}
		reconcileHandler, err := reconcilehttp.NewHandler(job, runRepo, logger)
		if err != nil {
			return fmt.Errorf("reconcile handler: %w", err)
		}
		router.Mount("/api/v1/reconcile", reconcileHandler.Routes())
		if cfg.Reconcile.Interval > 0 {
			scheduler, err = reconcileapp.NewScheduler(job, cfg.Reconcile.Interval, logger)
			if err != nil {
				return fmt.Errorf("reconcile scheduler: %w", err)
			}
		}
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, reconciliation disabled")
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(authMiddleware.Wrap(router), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		executor.Start(gctx)
		return nil
	})
	if scheduler != nil {
		g.Go(func() error {
			scheduler.Start(gctx)
			return nil
		})
	}

	err = g.Wait()
	logger.Info().Msg("monitor stopped")
	return err
}

func loggingMiddleware(next http.Handler, logger zerolog.Logger) http.Handler {
	logger = logging.WithComponent(logger, "http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", resp.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades through the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

// ---- Adapters ----

type unavailablePublisher struct{}

func (unavailablePublisher) Publish(context.Context, string, []byte) error {
	return mqtt.ErrNotConnected
}
