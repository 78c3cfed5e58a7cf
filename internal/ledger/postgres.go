package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/saltfish/spdispatch/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS experiment_claims (
	problem_type TEXT        NOT NULL,
	param_key    TEXT        NOT NULL,
	worker       TEXT        NOT NULL,
	claimed_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (problem_type, param_key)
)`

// PgxQuerier is the subset of pgxpool.Pool used by PostgresLedger.
type PgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresLedger stores claims in a PostgreSQL table. Each statement is
// atomic, so claims never clobber unrelated keys the way concurrent file
// rewrites can.
type PostgresLedger struct {
	db      PgxQuerier
	problem domain.ProblemType
	retry   RetryPolicy
	logger  *zap.Logger

	onMissing func(key string)
}

// NewPostgresLedger creates a PostgresLedger and ensures its table exists.
func NewPostgresLedger(ctx context.Context, db PgxQuerier, problem domain.ProblemType, retry RetryPolicy, logger *zap.Logger) (*PostgresLedger, error) {
	if _, err := db.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to create experiment_claims table: %w", err)
	}

	return &PostgresLedger{
		db:      db,
		problem: problem,
		retry:   retry,
		logger:  logger.With(zap.String("ledger", "postgres"), zap.String("prob_type", string(problem))),
	}, nil
}

// Load returns every claim of the ledger's problem type.
func (l *PostgresLedger) Load(ctx context.Context) (Entries, error) {
	var entries Entries

	err := l.do(ctx, "read ledger", func() error {
		rows, err := l.db.Query(ctx,
			`SELECT param_key, worker FROM experiment_claims WHERE problem_type = $1`,
			string(l.problem),
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		loaded := make(Entries)
		for rows.Next() {
			var key, worker string
			if err := rows.Scan(&key, &worker); err != nil {
				return err
			}
			loaded[key] = worker
		}
		if err := rows.Err(); err != nil {
			return err
		}

		entries = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Claim upserts the claim on p.
func (l *PostgresLedger) Claim(ctx context.Context, p domain.ExperimentParameter, worker string) error {
	return l.do(ctx, "write claim", func() error {
		_, err := l.db.Exec(ctx, `
			INSERT INTO experiment_claims (problem_type, param_key, worker, claimed_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (problem_type, param_key)
			DO UPDATE SET worker = EXCLUDED.worker, claimed_at = EXCLUDED.claimed_at`,
			string(l.problem), p.Key(), worker,
		)
		return err
	})
}

// Release deletes the claim on p.
func (l *PostgresLedger) Release(ctx context.Context, p domain.ExperimentParameter) error {
	return l.releaseKey(ctx, p.Key())
}

func (l *PostgresLedger) releaseKey(ctx context.Context, key string) error {
	return l.do(ctx, "write release", func() error {
		tag, err := l.db.Exec(ctx,
			`DELETE FROM experiment_claims WHERE problem_type = $1 AND param_key = $2`,
			string(l.problem), key,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			l.logger.Warn("Can't find key in working ledger", zap.String("key", key))
			l.missing(key)
		}
		return nil
	})
}

// do runs fn under the retry policy. Errors the server reports as
// permanent are returned on the first attempt.
func (l *PostgresLedger) do(ctx context.Context, op string, fn func() error) error {
	return l.retry.Do(ctx, l.logger, op, func() error { return pgRetryable(fn()) })
}

// OnMissingClaim registers fn to be called when a released key was absent.
func (l *PostgresLedger) OnMissingClaim(fn func(key string)) {
	l.onMissing = fn
}

func (l *PostgresLedger) missing(key string) {
	if l.onMissing != nil {
		l.onMissing(key)
	}
}

var _ Ledger = (*PostgresLedger)(nil)
var _ MissingClaimNotifier = (*PostgresLedger)(nil)
