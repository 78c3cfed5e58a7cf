package ledger

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saltfish/spdispatch/internal/config"
	"github.com/saltfish/spdispatch/internal/db"
	"github.com/saltfish/spdispatch/internal/domain"
)

// setupTestDB connects to TEST_DATABASE_URL. Tests are skipped when it is unset.
func setupTestDB(t *testing.T) *db.Pool {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	cfg := config.Default().Database
	pool, err := db.NewPoolFromURL(context.Background(), dbURL, &cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create test database pool: %v", err)
	}

	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DELETE FROM experiment_claims WHERE problem_type = $1",
			string(domain.ProblemMinCVaRSP2Yearly))
		pool.Close()
	})

	return pool
}

func TestPostgresLedger_ClaimRelease(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	l, err := NewPostgresLedger(ctx, pool, domain.ProblemMinCVaRSP2Yearly, noDelay(), zap.NewNop())
	require.NoError(t, err)

	p := testParam(1)
	p.StartDate = domain.NewDate(2005, 1, 3)
	p.EndDate = domain.NewDate(2005, 12, 30)

	require.NoError(t, l.Claim(ctx, p, "nodeA"))
	require.NoError(t, l.Claim(ctx, p, "nodeB"))

	entries, err := l.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "nodeB", entries[p.Key()])

	require.NoError(t, l.Release(ctx, p))
	require.NoError(t, l.Release(ctx, p))

	entries, err = l.Load(ctx)
	require.NoError(t, err)
	assert.NotContains(t, entries, p.Key())
}
