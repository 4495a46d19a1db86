// Command server runs the whole registration pipeline in one process: the
// HTTP API, the queue consumers, and the retry scheduler. With no external
// services configured it is fully self-contained (in-memory store, in-process
// queue); Postgres, Redis, and Kafka are enabled individually through the
// environment.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"checkpoint/internal/admin"
	"checkpoint/internal/artifacts"
	"checkpoint/internal/auth"
	"checkpoint/internal/chunks"
	"checkpoint/internal/identity"
	"checkpoint/internal/importer"
	"checkpoint/internal/notify"
	"checkpoint/internal/objstore"
	"checkpoint/internal/platform/config"
	"checkpoint/internal/platform/httpserver"
	"checkpoint/internal/platform/logger"
	"checkpoint/internal/platform/metrics"
	platformredis "checkpoint/internal/platform/redis"
	"checkpoint/internal/progress"
	"checkpoint/internal/queue"
	"checkpoint/internal/redemption"
	"checkpoint/internal/retry"
	"checkpoint/internal/store"
	"checkpoint/internal/store/memory"
	"checkpoint/internal/store/postgres"
	httptransport "checkpoint/internal/transport/http"
)

// transport is satisfied by both queue backends.
type transport interface {
	queue.Publisher
	Run(ctx context.Context) error
	Close()
}

func main() {
	log := logger.New()
	if err := run(log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()

	var st store.Store
	if cfg.PostgresDSN != "" {
		pg, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		st = pg
		log.Info("using postgres store")
	} else {
		st = memory.New()
		log.Warn("no CHECKPOINT_POSTGRES_DSN set, using in-memory store")
	}

	var tracker progress.Tracker
	redisClient, err := platformredis.New(cfg)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		tracker = progress.NewRedis(redisClient)
		log.Info("using redis progress tracker")
	} else {
		tracker = progress.NewMemory()
	}

	hasher, err := identity.NewHasher(cfg.QRSecret)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenService(cfg.JWTSigningKey, cfg.AgentTokenLifetime)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	objects := objstore.NewFilesystem(cfg.ArtifactRoot, cfg.ArtifactBaseURL)

	// The consumers and the publisher meet in the topic router, so the router
	// exists before either side: the transport delivers into it, handlers are
	// registered onto it once the services they need are built.
	router := queue.NewRouter(log, nil)
	var bus transport
	if len(cfg.KafkaBrokers) > 0 {
		topics := []string{queue.TopicChunkReady, queue.TopicCodesToGenerate, queue.TopicEmailToSend}
		kafka, err := queue.NewKafka(ctx, cfg.KafkaBrokers, cfg.KafkaGroup, topics, router, log)
		if err != nil {
			return err
		}
		bus = kafka
		log.Info("using kafka transport", "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	} else {
		bus = queue.NewMemory(router, log)
		log.Warn("no CHECKPOINT_KAFKA_BROKERS set, using in-process queue")
	}
	defer bus.Close()

	sched := retry.NewScheduler(bus, log, retry.WithMaxRetries(cfg.MaxRetries))

	processor := chunks.NewProcessor(st, bus, hasher, tracker, sched, m, log, cfg.TxBatchSize, cfg.GenerateBatchSize)
	generator := artifacts.NewGenerator(st, objects, sched, m, log)
	notifier := notify.New(st, notify.NewLogDispatcher(log), m, log)

	router.Register(queue.TopicChunkReady, queue.HandlerFunc(processor.HandleChunkReady))
	router.Register(queue.TopicCodesToGenerate, queue.HandlerFunc(generator.HandleGenerationRequest))
	router.Register(queue.TopicEmailToSend, queue.HandlerFunc(notifier.HandleNotification))

	handler := httptransport.NewHandler(
		auth.NewAuthenticator(st.Agents(), tokens, log),
		tokens,
		redemption.NewService(st, bus, m, log),
		importer.New(st, bus, tracker, m, log, cfg.ChunkSize),
		admin.NewService(st, bus, log, cfg.GenerateBatchSize),
		tracker,
		log,
	)
	server := httpserver.New(cfg.Addr, httptransport.NewRouter(handler, registry))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bus.Run(gctx)
	})
	g.Go(func() error {
		log.Info("listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
