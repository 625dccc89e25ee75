package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"turtle-futures-bot/config"
	"turtle-futures-bot/internal/logging"
	"turtle-futures-bot/internal/strategy"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg config.PostgresConfig, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	l := logging.DatabaseContext(logger, "postgres", "contexts")
	l.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")
	return &DB{Pool: pool, logger: l}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
	return nil
}

// RunMigrations creates the context tables
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS strategy_contexts (
			instrument_id VARCHAR(32) PRIMARY KEY,
			state VARCHAR(20) NOT NULL,
			side VARCHAR(8) NOT NULL,
			units INTEGER NOT NULL DEFAULT 0,
			quantity BIGINT NOT NULL DEFAULT 0,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_strategy_contexts_state ON strategy_contexts(state)`,

		// Every saved version, for post-trade review
		`CREATE TABLE IF NOT EXISTS strategy_context_history (
			id BIGSERIAL PRIMARY KEY,
			instrument_id VARCHAR(32) NOT NULL,
			last_action VARCHAR(20) NOT NULL,
			data JSONB NOT NULL,
			saved_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_strategy_context_history_instrument ON strategy_context_history(instrument_id, saved_at)`,
	}

	for i, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("count", len(migrations)).Msg("Database migrations completed")
	return nil
}

// PostgresContextRepository stores contexts as JSONB rows
type PostgresContextRepository struct {
	db *DB
}

func NewPostgresContextRepository(db *DB) *PostgresContextRepository {
	return &PostgresContextRepository{db: db}
}

func (r *PostgresContextRepository) Load(ctx context.Context, instrumentID string) (*strategy.Context, error) {
	var data []byte
	err := r.db.Pool.QueryRow(ctx,
		`SELECT data FROM strategy_contexts WHERE instrument_id = $1`, instrumentID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load context %s: %w", instrumentID, err)
	}
	return decodeContext(data)
}

func (r *PostgresContextRepository) Save(ctx context.Context, sc *strategy.Context) error {
	data, err := encodeContext(sc)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO strategy_contexts (instrument_id, state, side, units, quantity, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (instrument_id) DO UPDATE SET
			state = EXCLUDED.state,
			side = EXCLUDED.side,
			units = EXCLUDED.units,
			quantity = EXCLUDED.quantity,
			data = EXCLUDED.data,
			updated_at = NOW()`,
		sc.Instrument.Symbol, string(sc.State), string(sc.Side), sc.Units, sc.Quantity, data)
	batch.Queue(`
		INSERT INTO strategy_context_history (instrument_id, last_action, data)
		VALUES ($1, $2, $3)`,
		sc.Instrument.Symbol, string(sc.LastAction), data)

	if err := r.db.Pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save context %s: %w", sc.Instrument.Symbol, err)
	}
	return nil
}

func (r *PostgresContextRepository) Delete(ctx context.Context, instrumentID string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM strategy_contexts WHERE instrument_id = $1`, instrumentID); err != nil {
		return fmt.Errorf("failed to delete context %s: %w", instrumentID, err)
	}
	return nil
}

func (r *PostgresContextRepository) List(ctx context.Context) ([]*strategy.Context, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT data FROM strategy_contexts ORDER BY instrument_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list contexts: %w", err)
	}
	defer rows.Close()

	var list []*strategy.Context
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan context: %w", err)
		}
		sc, err := decodeContext(data)
		if err != nil {
			return nil, err
		}
		list = append(list, sc)
	}
	return list, rows.Err()
}

func (r *PostgresContextRepository) Close() error {
	return r.db.Close()
}

// Open builds the repository selected by cfg.Backend
func Open(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (ContextRepository, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryRepository(), nil
	case "redis":
		return NewRedisContextRepository(NewRedisClient(cfg.RedisConfig), cfg.RedisConfig.TTL.Std(), logger), nil
	case "postgres":
		db, err := NewDB(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return NewPostgresContextRepository(db), nil
	default:
		return nil, fmt.Errorf("%w: %s", config.ErrUnknownBackend, cfg.Backend)
	}
}

// HealthCheck pings the pool
func (r *PostgresContextRepository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}
