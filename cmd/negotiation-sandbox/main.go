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

	"golang.org/x/sync/errgroup"

	"gigdeal/internal/app/commands"
	chatapp "gigdeal/internal/app/handlers/chat"
	"gigdeal/internal/app/middleware"
	appoutbox "gigdeal/internal/app/outbox"
	"gigdeal/internal/app/uow"
	"gigdeal/internal/domain/negotiation"
	"gigdeal/internal/infra/broker/kafka"
	"gigdeal/internal/infra/config"
	mongostore "gigdeal/internal/infra/db/mongo"
	ginserver "gigdeal/internal/infra/http/gin"
	"gigdeal/internal/infra/obs"
	"gigdeal/internal/infra/outbox"
	"gigdeal/internal/infra/security"
	"gigdeal/internal/infra/storage/memory"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(""); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.LoadSandbox()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env, cfg.LogLevel, os.Stdout)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sandbox stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("sandbox stopped")
}

// storage bundles the persistence a sandbox instance runs on.
type storage struct {
	conversations negotiation.Repository
	idempotency   middleware.IdempotencyStore
	outbox        appoutbox.Queue
	units         uow.Factory
	ready func(ctx context.Context) error
	close func(ctx context.Context) error
}

func openStorage(ctx context.Context, cfg config.Sandbox, logger *slog.Logger) (*storage, error) {
	if cfg.Store != "mongo" {
		logger.Info("using in-memory storage")
		conversations := memory.NewConversationRepository()
		box := memory.NewOutbox()
		return &storage{
			conversations: conversations,
			idempotency:   memory.NewIdempotencyStore(cfg.IdempotencyTTL),
			outbox:        box,
			units:         memory.Factory{Conversations: conversations, Outbox: box},
			ready:         func(context.Context) error { return nil },
			close:         func(context.Context) error { return nil },
		}, nil
	}
	client, err := mongostore.New(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	conversations, err := mongostore.NewConversationRepository(ctx, client.DB)
	if err != nil {
		return nil, fmt.Errorf("prepare conversations: %w", err)
	}
	idem, err := mongostore.NewIdempotencyStore(ctx, client.DB, cfg.IdempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("prepare idempotency store: %w", err)
	}
	box, err := mongostore.NewOutboxStore(ctx, client.DB)
	if err != nil {
		return nil, fmt.Errorf("prepare outbox: %w", err)
	}
	logger.Info("using mongo storage", "database", cfg.MongoDB)
	return &storage{
		conversations: conversations,
		idempotency:   idem,
		outbox:        box,
		units:         mongostore.Factory{DB: client.DB, Conversations: conversations, Outbox: box},
		ready:         client.Ping,
		close:         client.Close,
	}, nil
}

func openProducer(cfg config.Sandbox, logger *slog.Logger) (outbox.Producer, func() error, error) {
	if len(cfg.KafkaBrokers) == 0 {
		logger.Info("no kafka brokers configured, logging outbox events")
		return outbox.LogProducer{Logger: logger}, func() error { return nil }, nil
	}
	producer, err := kafka.NewProducer(cfg.KafkaBrokers, "gigdeal-sandbox")
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, producer.Close, nil
}

func run(ctx context.Context, cfg config.Sandbox, logger *slog.Logger) error {
	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.close(closeCtx); err != nil {
			logger.Warn("storage close failed", "error", err)
		}
	}()

	producer, closeProducer, err := openProducer(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeProducer(); err != nil {
			logger.Warn("producer close failed", "error", err)
		}
	}()

	issuer, err := security.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	hub := ginserver.NewPushHub(logger)
	deps := &chatapp.Deps{
		Conversations: store.conversations,
		Units:         store.units,
		Encoder:       appoutbox.JSONEncoder{},
		Notifier:      hub,
		Logger:        logger,
	}
	bus := commands.NewInMemoryBus()
	chatapp.Register(bus, deps)
	logger.Debug("commands registered", "keys", bus.Keys())
	pipeline := middleware.ChainCommands(bus,
		middleware.Logging(logger),
		middleware.RequireActor(),
		middleware.Idempotency(store.idempotency, nil),
	)

	server := ginserver.NewServer(cfg, obs.Middleware{Logger: logger}, obs.HealthHandlers{Ready: store.ready}, ginserver.Handlers{
		Chat:           ginserver.ChatHandler{Commands: pipeline, Reader: &chatapp.GetChatHandler{Deps: deps}, Logger: logger},
		Auth:           ginserver.AuthHandler{Issuer: issuer, Logger: logger},
		Push:           hub.Serve,
		AuthMiddleware: ginserver.AuthMiddleware{Tokens: issuer, Logger: logger}.Handle,
	})

	worker := &outbox.Worker{
		Queue:       store.outbox,
		Producer:    producer,
		Interval:    cfg.OutboxPollInterval,
		TopicPrefix: cfg.KafkaTopicPrefix,
		Source:      "gigdeal/negotiation-sandbox",
		Backoff:     cfg.OutboxBackoff,
		Logger:      logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server starting", "addr", cfg.HTTPAddr, "store", cfg.Store)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("outbox worker: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
		return nil
	})
	return g.Wait()
}
