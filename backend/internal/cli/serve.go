package cli

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

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"collabsync/backend/config"
	"collabsync/backend/internal/authn"
	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/httpapi/handlers"
	"collabsync/backend/internal/httpapi/middleware"
	"collabsync/backend/internal/presence"
	"collabsync/backend/internal/store"
	"collabsync/backend/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), opts, cfg)
		},
	}
}

func serve(ctx context.Context, opts *RootOptions, cfg *config.Config) error {
	logger := opts.logger
	db, err := opts.db(cfg)
	if err != nil {
		return fmt.Errorf("mysql: %w", err)
	}

	var (
		bus    cache.Bus    = cache.NewNoopBus()
		roster cache.Roster = cache.NewNoopRoster()
	)
	if len(cfg.Redis.Addrs) > 0 {
		// more than one addr yields a cluster client
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		bus = cache.NewRedisBus(ctx, rdb, logger)
		roster = cache.NewRedisRoster(rdb)
	} else {
		logger.Warn("redis not configured, fan-out is process local")
	}

	regOpts := collab.Options{
		Debounce: cfg.Collab.Debounce,
		Bus:      bus,
		Logger:   logger,
		Instance: instanceName(cfg),
	}
	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer needs Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer producer.Close()
		dispatcher = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(collab.DefaultSemaphore),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  time.Second,
				Logger:      logger,
			})
		regOpts.Events = dispatcher
	}

	oplog := store.NewOpLog(db)
	docs := store.NewDocumentStore(db)
	reg := collab.NewRegistry(oplog, store.NewSnapshotStore(db), regOpts)
	bus.OnMessage(reg.HandleBusMessage)

	verifier, err := newVerifier(cfg)
	if err != nil {
		return err
	}
	manager := ws.NewManager(reg, presence.NewTracker(), roster, docs,
		collab.NewSemaphoreControl(cfg.Collab.MaxConnections),
		ws.ManagerOptions{
			PingInterval:   cfg.Collab.PingInterval,
			AllowedOrigins: cfg.Collab.AllowedOrigins,
			Logger:         logger,
		})

	r := newRouter(verifier, manager, handlers.NewDocumentHandler(docs, oplog, roster, reg, logger))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: r}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(exit)
	select {
	case sig := <-exit:
		logger.Info("signal caught", "sig", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	// sessions first so their last edits land in the rooms we flush next
	errs := []error{srv.Shutdown(sctx), manager.CloseAll(sctx), reg.Shutdown(sctx)}
	if dispatcher != nil {
		errs = append(errs, dispatcher.Close(sctx))
	}
	errs = append(errs, bus.Close())
	if err := errors.Join(errs...); err != nil {
		logger.Error("shutdown", "err", err)
		return err
	}
	logger.Info("stopped")
	return nil
}

func newVerifier(cfg *config.Config) (authn.Verifier, error) {
	switch cfg.Auth.Mode {
	case config.AuthJWT:
		return authn.NewJWTVerifier(cfg.Auth.Secret), nil
	case config.AuthRemote:
		return authn.NewRemoteVerifier(cfg.Auth.Path, &http.Client{Timeout: 2 * time.Second}), nil
	}
	return nil, fmt.Errorf("unknown auth.mode %q", cfg.Auth.Mode)
}

func newRouter(verifier authn.Verifier, manager *ws.Manager, docs *handlers.DocumentHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/collab/healthz", handlers.Healthz)
	g := r.Group("/collab")
	g.Use(middleware.AuthMiddleware(verifier))
	g.GET("/ws/:docId", manager.WebSocketConnect)
	docs.Register(g)
	return r
}

func instanceName(cfg *config.Config) string {
	if cfg.Collab.Instance != "" {
		return cfg.Collab.Instance
	}
	host, err := os.Hostname()
	if err != nil {
		slog.Warn("hostname", "err", err)
		return "collab"
	}
	return host
}
