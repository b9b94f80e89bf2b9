// Package app wires the application graph.
package app

import (
	"context"
	"database/sql"
	"errors"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tactcharge/internal/config"
	"tactcharge/internal/csms"
	"tactcharge/internal/db"
	httpserver "tactcharge/internal/http"
	"tactcharge/internal/http/handlers"
	"tactcharge/internal/notifier"
	"tactcharge/internal/reconciler"
	"tactcharge/internal/redisclient"
	"tactcharge/internal/registry"
	"tactcharge/internal/repository"
	"tactcharge/internal/service"
)

// Sized so a controller restart cannot stall the feed reader while the
// reconciler catches up.
const eventBufferSize = 256

// App holds the assembled application.
type App struct {
	server      *httpserver.Server
	listener    *csms.Listener
	reconciler  *reconciler.Reconciler
	events      chan csms.Event
	db          *sql.DB
	redisClient *goredis.Client
	logger      *zap.Logger
}

// New constructs the application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	sqlDB, err := db.NewPostgres(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	sessionRepo := repository.NewSessionRepository(sqlDB)
	stationRepo := repository.NewStationRepository(sqlDB)

	// The identity registry lives in Redis when configured, so a restart
	// keeps tag and transaction bindings; otherwise it is rebuilt from the
	// active sessions below.
	var (
		reg         registry.Registry
		redisClient *goredis.Client
	)
	if cfg.Redis.Addr != "" {
		redisClient, err = redisclient.New(cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			sqlDB.Close()
			return nil, err
		}
		reg = registry.NewRedis(redisClient)
	} else {
		logger.Warn("redis not configured, using in-memory identity registry")
		reg = registry.NewMemory()
	}

	if err := rebuildRegistry(context.Background(), reg, sessionRepo, logger); err != nil {
		logger.Warn("registry rebuild failed", zap.Error(err))
	}

	hub := notifier.NewHub(logger)
	gateway := csms.NewClient(cfg.CSMS.HTTPURL, cfg.CSMS.ChargePointID, cfg.CSMS.CommandTimeout, logger)

	events := make(chan csms.Event, eventBufferSize)
	listener := csms.NewListener(cfg.CSMS.WSURL, events, gateway, logger)
	rec := reconciler.New(sessionRepo, stationRepo, reg, hub, logger)

	chargingService := service.NewChargingService(
		sessionRepo,
		stationRepo,
		gateway,
		reg,
		hub,
		cfg.CSMS.ChargePointID,
		cfg.Pricing.DefaultPricePerKwh,
		logger,
	)

	charging := handlers.NewChargingHandler(chargingService, logger)
	routes := httpserver.Routes{
		Charging: &httpserver.ChargingRoutes{
			Start:     charging.Start,
			Stop:      charging.Stop,
			Fault:     charging.Fault,
			Active:    charging.Active,
			Get:       charging.Get,
			History:   charging.History,
			CancelAll: charging.CancelAll,
		},
		ConnectorStatus: charging.ConnectorStatus,
		Health:          handlers.NewHealthHandler(sqlDB),
		WS:              handlers.NewWSHandler(hub, logger),
	}

	router := httpserver.NewRouter(routes, cfg.Auth.JWTSecret)
	server := httpserver.NewServer(cfg.HTTPAddress(), router, logger)

	return &App{
		server:      server,
		listener:    listener,
		reconciler:  rec,
		events:      events,
		db:          sqlDB,
		redisClient: redisClient,
		logger:      logger,
	}, nil
}

// Run starts the HTTP server, the feed listener and the reconciler, and
// blocks until the context is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Run(ctx)
	})
	g.Go(func() error {
		defer close(a.events)
		err := a.listener.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.reconciler.Run(ctx, a.events)
		return nil
	})

	return g.Wait()
}

// Close releases resources.
func (a *App) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}

// rebuildRegistry restores tag and transaction bindings from active sessions,
// so in-flight charging survives a process restart even without Redis.
func rebuildRegistry(ctx context.Context, reg registry.Registry, sessions *repository.SessionRepository, logger *zap.Logger) error {
	active, err := sessions.ListActive(ctx)
	if err != nil {
		return err
	}
	for i := range active {
		session := &active[i]
		if err := reg.RegisterTag(ctx, session.IDTag, session.UserID); err != nil {
			return err
		}
		if session.TransactionID != nil {
			if err := reg.BindTransaction(ctx, *session.TransactionID, session.ID); err != nil {
				return err
			}
		}
	}
	if len(active) > 0 {
		logger.Info("identity registry rebuilt", zap.Int("active_sessions", len(active)))
	}
	return nil
}
