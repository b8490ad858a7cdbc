// Package postgres is the PostgreSQL implementation of the take-home store,
// plus the transactional outbox that publishes its domain events.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/otpcare/takehome/internal/domain/takehome"
)

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StoreConfig holds store settings
type StoreConfig struct {
	// EventsTopic is the topic outbox entries are addressed to
	EventsTopic string
	// TxTimeout bounds a single unit of work
	TxTimeout time.Duration
}

// DefaultStoreConfig returns defaults
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		EventsTopic: "takehome.events",
		TxTimeout:   10 * time.Second,
	}
}

// PoolConfig holds connection pool settings
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPool opens a pgx pool and verifies connectivity
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Store implements takehome.Store on PostgreSQL
type Store struct {
	reader
	pool   *pgxpool.Pool
	config StoreConfig
	logger *zap.Logger
	tracer trace.Tracer
}

var _ takehome.Store = (*Store)(nil)

// NewStore creates a store over pool
func NewStore(pool *pgxpool.Pool, cfg StoreConfig, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EventsTopic == "" {
		cfg.EventsTopic = DefaultStoreConfig().EventsTopic
	}
	return &Store{
		reader: reader{q: pool},
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("postgres-store"),
	}
}

// WithTx runs fn in a read-committed transaction. Unique violations and
// serialization failures surface as takehome.ErrConflict.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx takehome.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "postgres.WithTx")
	defer span.End()

	if s.config.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.TxTimeout)
		defer cancel()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{reader: reader{q: tx}, tx: tx, topic: s.config.EventsTopic}); err != nil {
		span.RecordError(err)
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return mapError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%w: %s", takehome.ErrConflict, pgErr.Message)
		}
	}
	return err
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return takehome.NotFoundf(format, args...)
	}
	return err
}
