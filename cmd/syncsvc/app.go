package main

import (
	"errors"

	"github.com/dhawalhost/dirsync/internal/config"
	"github.com/dhawalhost/dirsync/internal/connector/engine"
	"github.com/dhawalhost/dirsync/internal/connector/keycloak"
	"github.com/dhawalhost/dirsync/internal/credential"
	"github.com/dhawalhost/dirsync/internal/events"
	"github.com/dhawalhost/dirsync/internal/syncstate"
	"github.com/dhawalhost/dirsync/internal/synchronizer"
	"github.com/dhawalhost/dirsync/pkg/database"
	"github.com/dhawalhost/dirsync/pkg/observability"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app holds the wired components of one process.
type app struct {
	svc        *synchronizer.Service
	dispatcher *events.Dispatcher
	metrics    *observability.Metrics
	db         *sqlx.DB
	redis      *redis.Client
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &app{db: db, metrics: observability.NewMetrics(nil)}

	kc := keycloak.New(keycloak.Config{
		BaseURL:  cfg.Keycloak.URL,
		Realm:    cfg.Keycloak.Realm,
		ClientID: cfg.Keycloak.ClientID,
		Username: cfg.Keycloak.AdminUsername,
		Password: cfg.Keycloak.AdminPassword,
		Timeout:  cfg.HTTP.Timeout,
	}, logger.Named("keycloak"))
	eng := engine.New(engine.Config{
		BaseURL:   cfg.Engine.URL,
		Login:     cfg.Engine.Login,
		Password:  cfg.Engine.Password,
		App:       cfg.Engine.App,
		RateLimit: cfg.Engine.RateLimit,
		Timeout:   cfg.HTTP.Timeout,
	}, logger.Named("engine"))

	var cache syncstate.Cache = syncstate.NewMemoryCache()
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = syncstate.NewRedisCache(a.redis)
	}

	hooks := make([]events.Webhook, 0, len(cfg.Webhooks.URLs))
	for _, u := range cfg.Webhooks.URLs {
		hooks = append(hooks, events.Webhook{URL: u, Secret: cfg.Webhooks.Secret})
	}
	a.dispatcher = events.NewDispatcher(hooks, logger.Named("events"))

	materializer := credential.NewMaterializer(eng, credential.NewStore(db), cfg.Sync.Concurrency, logger.Named("credential"))
	a.svc = synchronizer.NewService(
		kc,
		eng,
		materializer,
		syncstate.NewStore(cache),
		a.dispatcher,
		synchronizer.Config{
			Concurrency: cfg.Sync.Concurrency,
			UserTimeout: cfg.Sync.UserTimeout,
			DefaultRole: cfg.Keycloak.DefaultRole,
		},
		logger.Named("synchronizer"),
		synchronizer.WithRecorder(a.metrics),
	)
	return a, nil
}

// Close waits for pending event deliveries and releases connections.
func (a *app) Close() error {
	a.dispatcher.Wait()
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.db.Close())
	return errors.Join(errs...)
}
