// Package app assembles the services every binary shares from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/otpcare/takehome/internal/config"
	"github.com/otpcare/takehome/internal/directory"
	"github.com/otpcare/takehome/internal/domain/takehome"
	"github.com/otpcare/takehome/internal/holds"
	"github.com/otpcare/takehome/internal/infrastructure/postgres"
	"github.com/otpcare/takehome/internal/infrastructure/redpanda"
	"github.com/otpcare/takehome/internal/observability/metrics"
	"github.com/otpcare/takehome/internal/order"
	"github.com/otpcare/takehome/internal/reporting"
	"github.com/otpcare/takehome/internal/returns"
	"github.com/otpcare/takehome/internal/risk"
	"github.com/otpcare/takehome/internal/store/memory"
	"github.com/otpcare/takehome/internal/verification"
	"github.com/otpcare/takehome/pkg/circuitbreaker"
)

// Directory is the patient and staff directory pair
type Directory interface {
	directory.Patients
	directory.Roles
}

// App holds the wired services
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	Store takehome.Store
	// Pool is nil when running on the in-memory store
	Pool  *pgxpool.Pool
	Redis *redis.Client

	Patients directory.Patients
	Roles    directory.Roles

	Orders  *order.Manager
	Expirer *order.Expirer
	Scans   *verification.Engine
	Returns *returns.Inspector
	Holds   *holds.Manager
	Risk    *risk.Engine
	Reports *reporting.Sync
}

// New wires the store, directory and domain services. Close releases what it opened.
func New(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if reg != nil {
		a.Metrics = metrics.New(reg)
	}

	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.Pool())
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.Pool = pool
		sc := postgres.DefaultStoreConfig()
		sc.EventsTopic = redpanda.TopicTakehomeEvents
		a.Store = postgres.NewStore(pool, sc, logger.Named("store"))
		logger.Info("connected to database")
	} else {
		a.Store = memory.New()
		logger.Warn("DATABASE_URL not set, using the in-memory store")
	}

	dir, err := a.directory(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Patients = dir
	a.Roles = dir
	if a.Redis != nil {
		a.Patients = directory.NewCachedPatients(dir, a.Redis, cfg.ProfileCacheTTL, logger.Named("profile-cache"))
	}

	riskPolicy, err := cfg.Risk()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Risk, err = risk.NewEngine(a.Store, riskPolicy, a.Metrics, logger.Named("risk"))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Orders = order.NewManager(a.Store, cfg.Order(), a.Metrics, logger.Named("order"))
	a.Expirer = order.NewExpirer(a.Store, a.Patients, cfg.Expiry(), a.Metrics, logger.Named("expiry"))
	a.Scans = verification.NewEngine(a.Store, a.Patients, cfg.Verification(), a.Metrics, logger.Named("verification"))
	a.Returns = returns.NewInspector(a.Store, a.Metrics, logger.Named("returns"))
	a.Holds = holds.NewManager(a.Store, a.Roles, a.Metrics, logger.Named("holds"))
	a.Reports = reporting.NewSync(a.Store, cfg.Reporting(), a.Metrics, logger.Named("reporting"))
	return a, nil
}

func (a *App) directory(ctx context.Context) (Directory, error) {
	cfg := a.Config
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Logger.Warn("redis unreachable, profile lookups will bypass the cache", zap.Error(err))
		}
	}
	if cfg.DirectoryURL == "" {
		a.Logger.Warn("DIRECTORY_URL not set, using an empty static directory")
		return directory.NewStatic(), nil
	}
	return directory.NewHTTPClient(cfg.Directory(), a.Logger.Named("directory")), nil
}

// Breaker builds a circuit breaker whose transitions feed the breaker gauge
func (a *App) Breaker(name string) (*circuitbreaker.CircuitBreaker, error) {
	bc := circuitbreaker.DefaultConfig(name)
	bc.OnStateChange = func(name string, to circuitbreaker.State) {
		a.Metrics.SetBreakerState(name, circuitbreaker.StateValue(to))
	}
	return circuitbreaker.New(bc, a.Logger.Named("breaker"))
}

// Relay builds the regulatory report relay over the HTTP channel
func (a *App) Relay() (*reporting.Relay, error) {
	breaker, err := a.Breaker("regulator")
	if err != nil {
		return nil, err
	}
	channel := reporting.NewHTTPChannel(a.Config.Channel(), a.Logger.Named("regulator"))
	return reporting.NewRelay(a.Reports, channel, breaker, a.Config.Relay(), a.Metrics, a.Logger.Named("relay")), nil
}

// Ready pings the backing stores
func (a *App) Ready(ctx context.Context) error {
	if a.Pool != nil {
		if err := a.Pool.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases connections
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
