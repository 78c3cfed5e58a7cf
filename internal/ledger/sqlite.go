package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/saltfish/spdispatch/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS experiment_claims (
	problem_type TEXT    NOT NULL,
	param_key    TEXT    NOT NULL,
	worker       TEXT    NOT NULL,
	claimed_at   INTEGER NOT NULL,
	PRIMARY KEY (problem_type, param_key)
)`

// SQLiteLedger stores claims in a SQLite database. It suits several
// dispatchers on one host; SQLite locking is unreliable on network shares.
type SQLiteLedger struct {
	db      *sql.DB
	problem domain.ProblemType
	retry   RetryPolicy
	logger  *zap.Logger

	onMissing func(key string)
}

// OpenSQLiteLedger opens (or creates) the database at path.
func OpenSQLiteLedger(ctx context.Context, path string, problem domain.ProblemType, retry RetryPolicy, logger *zap.Logger) (*SQLiteLedger, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite ledger %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create experiment_claims table: %w", err)
	}

	return &SQLiteLedger{
		db:      db,
		problem: problem,
		retry:   retry,
		logger:  logger.With(zap.String("ledger", path), zap.String("prob_type", string(problem))),
	}, nil
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// Load returns every claim of the ledger's problem type.
func (l *SQLiteLedger) Load(ctx context.Context) (Entries, error) {
	var entries Entries

	err := l.do(ctx, "read ledger", func() error {
		rows, err := l.db.QueryContext(ctx,
			`SELECT param_key, worker FROM experiment_claims WHERE problem_type = ?`,
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
func (l *SQLiteLedger) Claim(ctx context.Context, p domain.ExperimentParameter, worker string) error {
	return l.do(ctx, "write claim", func() error {
		_, err := l.db.ExecContext(ctx, `
			INSERT INTO experiment_claims (problem_type, param_key, worker, claimed_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (problem_type, param_key)
			DO UPDATE SET worker = excluded.worker, claimed_at = excluded.claimed_at`,
			string(l.problem), p.Key(), worker, time.Now().Unix(),
		)
		return err
	})
}

// Release deletes the claim on p.
func (l *SQLiteLedger) Release(ctx context.Context, p domain.ExperimentParameter) error {
	return l.releaseKey(ctx, p.Key())
}

func (l *SQLiteLedger) releaseKey(ctx context.Context, key string) error {
	return l.do(ctx, "write release", func() error {
		res, err := l.db.ExecContext(ctx,
			`DELETE FROM experiment_claims WHERE problem_type = ? AND param_key = ?`,
			string(l.problem), key,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			l.logger.Warn("Can't find key in working ledger", zap.String("key", key))
			l.missing(key)
		}
		return nil
	})
}

// do runs fn under the retry policy. Errors the server reports as
// permanent are returned on the first attempt.
func (l *SQLiteLedger) do(ctx context.Context, op string, fn func() error) error {
	return l.retry.Do(ctx, l.logger, op, func() error { return sqliteRetryable(fn()) })
}

// OnMissingClaim registers fn to be called when a released key was absent.
func (l *SQLiteLedger) OnMissingClaim(fn func(key string)) {
	l.onMissing = fn
}

func (l *SQLiteLedger) missing(key string) {
	if l.onMissing != nil {
		l.onMissing(key)
	}
}

var _ Ledger = (*SQLiteLedger)(nil)
var _ MissingClaimNotifier = (*SQLiteLedger)(nil)
