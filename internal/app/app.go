// Package app builds the chat components from a Config.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/suPer8Hu/marketplace-chat/internal/auth"
	"github.com/suPer8Hu/marketplace-chat/internal/broadcast"
	"github.com/suPer8Hu/marketplace-chat/internal/channel"
	"github.com/suPer8Hu/marketplace-chat/internal/chat"
	"github.com/suPer8Hu/marketplace-chat/internal/config"
	"github.com/suPer8Hu/marketplace-chat/internal/db"
	"github.com/suPer8Hu/marketplace-chat/internal/httpapi"
	"github.com/suPer8Hu/marketplace-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/marketplace-chat/internal/identity"
	"github.com/suPer8Hu/marketplace-chat/internal/jobs"
	"github.com/suPer8Hu/marketplace-chat/internal/kv"
	"github.com/suPer8Hu/marketplace-chat/internal/logging"
	"github.com/suPer8Hu/marketplace-chat/internal/pipeline"
	"github.com/suPer8Hu/marketplace-chat/internal/presence"
	"github.com/suPer8Hu/marketplace-chat/internal/ratelimit"
	"github.com/suPer8Hu/marketplace-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/marketplace-chat/internal/store/redisstore"
)

type App struct {
	Cfg    config.Config
	Logger zerolog.Logger

	DB    *gorm.DB
	Store kv.Store
	Redis *redisstore.Store // nil with STORE_BACKEND=memory
	Bus   broadcast.Bus
	Queue jobs.Queue
	// MemQueue is set with QUEUE_BACKEND=memory; the server then runs the
	// worker pool in-process.
	MemQueue *jobs.MemoryQueue

	Resolver *identity.Resolver
	Repo     *chat.Repo
	Auth     *auth.Authenticator
	Pipeline *pipeline.Pipeline
	Handler  *handlers.Handler

	closers []func() error
}

// Options lets callers (tests, tools) supply pre-built dependencies.
type Options struct {
	DB    *gorm.DB
	Store kv.Store
	Bus   broadcast.Bus
	Queue jobs.Queue
}

// New connects every backend named by cfg and wires the components.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	a := &App{Cfg: cfg, Logger: logger}
	if err := a.connect(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.wire()
	return a, nil
}

func (a *App) connect(ctx context.Context, opts Options) error {
	cfg := a.Cfg

	a.DB = opts.DB
	if a.DB == nil {
		gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			return fmt.Errorf("db connect (%s): %w", cfg.DBDriver, err)
		}
		a.DB = gdb
		a.closers = append(a.closers, func() error {
			sqlDB, err := gdb.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		})
	}
	if err := Migrate(a.DB); err != nil {
		return err
	}

	a.Store, a.Bus = opts.Store, opts.Bus
	if a.Store == nil || a.Bus == nil {
		switch cfg.StoreBackend {
		case "memory":
			a.Store = kv.NewMemory()
			bus := broadcast.NewMemoryBus()
			a.Bus = bus
			a.closers = append(a.closers, bus.Close)
		case "", "redis":
			rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
			if err := rds.Ping(ctx); err != nil {
				_ = rds.Close()
				return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
			}
			a.Redis = rds
			a.Store = rds
			a.Bus = redisstore.NewBus(rds.Client())
			a.closers = append(a.closers, rds.Close)
		default:
			return fmt.Errorf("unsupported STORE_BACKEND=%q", cfg.StoreBackend)
		}
	}

	a.Queue = opts.Queue
	if a.Queue == nil {
		switch cfg.QueueBackend {
		case "memory":
			q := jobs.NewMemoryQueue(0)
			a.MemQueue = q
			a.Queue = q
			a.closers = append(a.closers, func() error { q.Close(); return nil })
		case "", "rabbitmq":
			pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
			if err != nil {
				return fmt.Errorf("rabbit publisher: %w", err)
			}
			a.Queue = pub
			a.closers = append(a.closers, pub.Close)
		default:
			return fmt.Errorf("unsupported QUEUE_BACKEND=%q", cfg.QueueBackend)
		}
	} else if q, ok := a.Queue.(*jobs.MemoryQueue); ok {
		a.MemQueue = q
	}
	return nil
}

func (a *App) wire() {
	cfg, logger := a.Cfg, a.Logger

	a.Repo = chat.NewRepo(a.DB)
	a.Resolver = identity.NewResolver(identity.NewAccountRepo(a.DB).Lookups()...)
	tracker := presence.NewTracker(a.Store, cfg.PresenceTTL)
	broadcaster := broadcast.NewBroadcaster(a.Bus, cfg.BroadcastBaseDelay, logging.Component(logger, "broadcast"))

	a.Auth = auth.NewAuthenticator(
		cfg.JWTSecret,
		cfg.CookieSecret,
		a.Resolver,
		auth.NewSessionStore(a.Store, cfg.SessionTTL),
		a.Store,
		logging.Component(logger, "auth"),
	)

	a.Pipeline = pipeline.New(pipeline.Deps{
		Repo:        a.Repo,
		Resolver:    a.Resolver,
		Presence:    tracker,
		Broadcaster: broadcaster,
		Store:       a.Store,
		Queue:       a.Queue,
		Logger:      logging.Component(logger, "pipeline"),
	}, pipeline.Options{
		DeliveryRetryDelay: cfg.DeliveryRetryDelay,
		DeliveryMaxWait:    cfg.DeliveryMaxWait,
		ReadMarkerTTL:      cfg.ReadMarkerTTL,
		ModerationEnabled:  cfg.ContentModerationEnabled,
	})

	deps := channel.Deps{
		Resolver:    a.Resolver,
		Repo:        a.Repo,
		Limiter:     ratelimit.New(a.Store, cfg.RateLimitWindow, cfg.RateLimitMax, logging.Component(logger, "ratelimit")),
		Broadcaster: broadcaster,
		Presence:    tracker,
		Pipeline:    a.Pipeline,
		Connections: a.Auth,
		Logger:      logger,
	}

	var redis handlers.Pinger
	if a.Redis != nil {
		redis = a.Redis
	}
	a.Handler = handlers.NewHandler(handlers.Deps{
		DB:       a.DB,
		Redis:    redis,
		Cfg:      cfg,
		Auth:     a.Auth,
		Bus:      a.Bus,
		Channels: []channel.Channel{channel.NewConversations(deps), channel.NewPresence(deps)},
		Logger:   logging.Component(logger, "http"),
	})
}

// Router returns the HTTP handler for the socket server.
func (a *App) Router() *gin.Engine {
	return httpapi.NewRouter(a.Handler)
}

// Pool returns a worker pool with every pipeline handler registered.
// Retries are re-enqueued on the app queue.
func (a *App) Pool() *jobs.Pool {
	pool := jobs.NewPool(a.Queue, logging.Component(a.Logger, "worker"))
	a.Pipeline.Register(pool)
	return pool
}

// Close releases backends in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Migrate creates the chat and account tables.
func Migrate(gdb *gorm.DB) error {
	if err := identity.AutoMigrate(gdb); err != nil {
		return fmt.Errorf("migrate accounts: %w", err)
	}
	if err := chat.AutoMigrate(gdb); err != nil {
		return fmt.Errorf("migrate chat: %w", err)
	}
	return nil
}
