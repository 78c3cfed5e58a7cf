// Package db provides the PostgreSQL pool behind the postgres claim ledger.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/saltfish/spdispatch/internal/config"
)

const (
	// applicationName tags dispatcher sessions in pg_stat_activity.
	applicationName = "spdispatch"

	connectTimeout = 10 * time.Second
	healthTimeout  = 5 * time.Second
)

// Pool is a pgx pool shared by the ledger and the status server health check.
type Pool struct {
	*pgxpool.Pool
	logger *zap.Logger
}

// NewPool connects with the settings of cfg.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	return NewPoolFromURL(ctx, cfg.ConnectionString(), cfg, logger)
}

// NewPoolFromURL connects to connString and sizes the pool from cfg.
func NewPoolFromURL(ctx context.Context, connString string, cfg *config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	pc, err := poolConfig(connString, cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach %s/%s: %w", pc.ConnConfig.Host, pc.ConnConfig.Database, err)
	}

	logger = logger.With(
		zap.String("host", pc.ConnConfig.Host),
		zap.String("database", pc.ConnConfig.Database),
	)
	logger.Info("Connected to PostgreSQL", zap.Int32("max_connections", pc.MaxConns))

	return &Pool{Pool: pool, logger: logger}, nil
}

func poolConfig(connString string, cfg *config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// a dispatcher needs one connection per ledger call
	if cfg.MaxConnections > 0 {
		pc.MaxConns = int32(cfg.MaxConnections)
	}
	if cfg.MaxIdleConnections > 0 {
		pc.MinConns = int32(min(cfg.MaxIdleConnections, int(pc.MaxConns)))
	}
	if cfg.ConnMaxLifetime != "" {
		d, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("invalid conn_max_lifetime: %w", err)
		}
		pc.MaxConnLifetime = d
	}

	pc.ConnConfig.ConnectTimeout = connectTimeout
	if _, ok := pc.ConnConfig.RuntimeParams["application_name"]; !ok {
		pc.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	return pc, nil
}

// Close closes all connections in the pool.
func (p *Pool) Close() {
	p.Pool.Close()
	p.logger.Info("PostgreSQL pool closed")
}

// HealthCheck pings the server. It satisfies the status server's checker.
func (p *Pool) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
