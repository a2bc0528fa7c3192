package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"misorachat/internal/api"
	"misorachat/internal/chat"
	"misorachat/internal/config"
	"misorachat/internal/conversation"
	"misorachat/internal/gateway"
	"misorachat/internal/redis"
	"misorachat/internal/session"
	"misorachat/internal/storage"
	"misorachat/internal/store"
	"misorachat/internal/store/cache"
	"misorachat/internal/store/dynamo"
	"misorachat/internal/store/memory"
	"misorachat/internal/store/sqlstore"
	"misorachat/internal/worker"
)

// app is the fully wired service.
type app struct {
	handler http.Handler
	queue   *worker.Manager
	closers []func() error
}

func (a *app) Close() error {
	if a.queue != nil {
		a.queue.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
	}

	backend, err := openBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, backend.Close)
	if rdb != nil && cfg.Store.Driver != config.StoreMemory {
		backend = cache.New(backend, rdb, cfg.Redis.CacheTTL, log)
		log.Info("caching conversations in redis", zap.Duration("ttl", cfg.Redis.CacheTTL))
	}

	var sessions session.Store
	if rdb != nil {
		sessions = session.NewRedisStore(rdb, cfg.User.DefaultUserName)
	} else {
		sessions = session.NewMemoryStore(cfg.User.DefaultUserName)
	}

	gw, err := gateway.New(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}
	log.Info("gateway ready",
		zap.String("mode", cfg.GatewayMode()),
		zap.String("provider", cfg.Gateway.Provider),
		zap.String("model", cfg.GatewayModel()))

	convs := conversation.New(backend, sessions, conversation.Options{
		SelectNew: cfg.Store.SelectNewConversation,
		Logger:    log,
	})
	a.queue = worker.NewManager(worker.Config{
		QueueSize: cfg.BasicConfig.TurnQueueSize,
		Idle:      cfg.BasicConfig.WorkerIdle,
		Logger:    log,
	})
	svc := chat.NewService(convs, sessions, gw, a.queue, log)
	a.handler = api.NewRouter(api.NewHandler(svc, log), log)
	return a, nil
}

func openBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Backend, error) {
	switch cfg.Store.Driver {
	case config.StoreMemory:
		log.Info("using in-memory storage")
		return memory.New(), nil
	case config.StoreSQLite, config.StoreMySQL:
		db, err := storage.Open(cfg.Store.Driver, cfg)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := storage.Migrate(db, cfg.Store.Driver); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		log.Info("using SQL storage", zap.String("driver", cfg.Store.Driver))
		return sqlstore.New(db), nil
	case config.StoreDynamoDB:
		b, err := dynamo.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create dynamodb backend: %w", err)
		}
		log.Info("using DynamoDB storage",
			zap.String("conversations", cfg.Store.DynamoDB.ConversationsTable),
			zap.String("messages", cfg.Store.DynamoDB.MessagesTable))
		return b, nil
	default:
		return nil, fmt.Errorf("%w: unsupported store driver %q", config.ErrInvalid, cfg.Store.Driver)
	}
}
