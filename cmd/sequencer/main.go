package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/sequenced-messaging/internal/api"
	"github.com/LeventeLantos/sequenced-messaging/internal/cache"
	"github.com/LeventeLantos/sequenced-messaging/internal/client"
	"github.com/LeventeLantos/sequenced-messaging/internal/config"
	"github.com/LeventeLantos/sequenced-messaging/internal/db"
	"github.com/LeventeLantos/sequenced-messaging/internal/lock"
	"github.com/LeventeLantos/sequenced-messaging/internal/logging"
	"github.com/LeventeLantos/sequenced-messaging/internal/metrics"
	"github.com/LeventeLantos/sequenced-messaging/internal/model"
	"github.com/LeventeLantos/sequenced-messaging/internal/queue"
	"github.com/LeventeLantos/sequenced-messaging/internal/repo"
	"github.com/LeventeLantos/sequenced-messaging/internal/scheduler"
	"github.com/LeventeLantos/sequenced-messaging/internal/segments"
	"github.com/LeventeLantos/sequenced-messaging/internal/service"
)

const dispatchLeaseName = "sequencer:dispatch"

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	slog.SetDefault(logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("sequencer exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("sequencer starting",
		"addr", cfg.Server.Address,
		"interval", cfg.Scheduler.Interval.String(),
		"batch_limit", cfg.Dispatch.BatchLimit,
		"queue", cfg.Queue.Driver,
		"redis", cfg.Redis.Enabled,
	)

	conn, err := db.Open(ctx, cfg.Database.PostgresURL, db.Options{MaxOpenConns: cfg.Database.MaxOpenConns})
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		return err
	}

	segs := segments.Default()
	if cfg.Segments.File != "" {
		if segs, err = segments.Load(cfg.Segments.File); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sequences := repo.NewPostgresSequenceRepo(conn)
	enrollments := repo.NewPostgresEnrollmentRepo(conn)
	stores := service.Stores{
		Subscribers: repo.NewPostgresSubscriberRepo(conn),
		Sequences:   sequences,
		Suppression: repo.NewPostgresSuppressionRepo(conn),
		Enrollments: enrollments,
		Steps:       sequences,
	}

	enroller := service.NewEnroller(stores, segs, cfg.Dispatch.StoreTimeout).WithMetrics(m)
	progress := service.NewProgress(enrollments, cfg.Dispatch.StoreTimeout).WithMetrics(m)

	var locker lock.Locker = lock.NewPGAdvisoryLock(conn, dispatchLeaseName)
	if cfg.Redis.Enabled {
		rdb, err := openRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()

		enroller.WithCache(cache.NewRedisCache(rdb, cfg.Redis.TTL))
		locker = lock.NewRedisLock(rdb, dispatchLeaseName, cfg.Lock.TTL)
	}

	publisher, closePublisher, err := openPublisher(cfg.Queue, progress)
	if err != nil {
		return err
	}
	defer closePublisher()

	dispatcher := service.NewDispatcher(enrollments, sequences, publisher, service.DispatchOptions{
		BatchLimit:    cfg.Dispatch.BatchLimit,
		SendBatchSize: cfg.Dispatch.SendBatchSize,
		StoreTimeout:  cfg.Dispatch.StoreTimeout,
		QueueTimeout:  cfg.Queue.Timeout,
	}).WithLocker(locker).WithMetrics(m)

	sched, err := scheduler.New(cfg.Scheduler.Interval, func(ctx context.Context) error {
		_, err := dispatcher.DispatchDueMessages(ctx, time.Now().UTC())
		return err
	})
	if err != nil {
		return err
	}

	h := api.NewHandler(sched, enroller, dispatcher, progress)
	srv := &http.Server{
		Addr: cfg.Server.Address,
		Handler: api.Router(h, api.RouterOptions{
			CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
			Metrics:            promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			Middleware:         []func(http.Handler) http.Handler{loggingMiddleware},
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.Scheduler.AutoStart {
		sched.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		sched.Stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		slog.Info("sequencer stopped")
		return nil
	})

	return g.Wait()
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// openPublisher builds the queue driver. The memory driver loops deliveries
// back into progress so a local run walks enrollments through their steps.
func openPublisher(cfg config.QueueConfig, progress *service.Progress) (queue.Publisher, func(), error) {
	switch cfg.Driver {
	case config.QueueAMQP:
		p, err := queue.DialAMQP(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil

	case config.QueueWebhook:
		return client.NewWebhookPublisher(cfg.WebhookURL, cfg.Timeout), func() {}, nil

	case config.QueueMemory:
		q := queue.NewMemoryQueue()
		q.Subscribe(func(ctx context.Context, msg model.DispatchMessage) error {
			slog.Info("memory delivery", "enrollment_id", msg.EnrollmentID, "to_email", msg.ToEmail, "subject", msg.Subject)
			_, err := progress.Delivered(ctx, service.DeliveryOutcome{
				EnrollmentID:  msg.EnrollmentID,
				NextStepID:    msg.NextStepID,
				NextStepDelay: msg.NextStepDelay,
			})
			return err
		})
		return q, q.Wait, nil

	default:
		return nil, nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

