package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/spdispatch/internal/domain"
)

// failingQuerier fails every statement with err.
type failingQuerier struct {
	err   error
	calls int
}

func (q *failingQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.calls++
	return pgconn.CommandTag{}, q.err
}

func (q *failingQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.calls++
	return nil, q.err
}

func TestPostgresLedger_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		calls     int
		transient bool
	}{
		{"permission denied", &pgconn.PgError{Code: "42501", Message: "permission denied for table experiment_claims"}, 1, false},
		{"undefined table", &pgconn.PgError{Code: "42P01", Message: `relation "experiment_claims" does not exist`}, 1, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, 3, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, 3, true},
		{"network", errors.New("connection reset by peer"), 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			q := &failingQuerier{err: tt.err}
			l := &PostgresLedger{
				db:      q,
				problem: domain.ProblemMinCVaRSP,
				retry:   noDelay(),
				logger:  zaptest.NewLogger(t),
			}

			for _, op := range []func() error{
				func() error { return l.Claim(ctx, testParam(1), "nodeA") },
				func() error { return l.Release(ctx, testParam(1)) },
				func() error { _, err := l.Load(ctx); return err },
			} {
				q.calls = 0
				err := op()
				require.Error(t, err)
				assert.Equal(t, tt.calls, q.calls)
				assert.Equal(t, tt.transient, errors.Is(err, domain.ErrTransientIO))
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestSQLiteLedger_MissingTableFailsFast(t *testing.T) {
	ctx := context.Background()
	retries := 0
	policy := RetryPolicy{MaxAttempts: 3, OnRetry: func(string, int, error) { retries++ }}

	l, err := OpenSQLiteLedger(ctx, filepath.Join(t.TempDir(), "claims.db"), domain.ProblemMinCVaRSP, policy, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	_, err = l.db.ExecContext(ctx, `DROP TABLE experiment_claims`)
	require.NoError(t, err)

	err = l.Claim(ctx, testParam(1), "nodeA")
	require.Error(t, err)
	assert.Zero(t, retries)
	assert.False(t, errors.Is(err, domain.ErrTransientIO))
	assert.Contains(t, err.Error(), "no such table")
}

func TestPgRetryable_Nil(t *testing.T) {
	assert.NoError(t, pgRetryable(nil))
	assert.NoError(t, sqliteRetryable(nil))
}
