// Package ledger records which worker is currently running which experiment.
//
// Claims are advisory: two dispatchers may read the ledger at the same time,
// both see a parameter as free and both claim it. The only cost is a
// duplicated run. Every backend re-reads its state on each call because the
// ledger is shared by independent processes.
package ledger

import (
	"context"

	"go.uber.org/zap"

	"github.com/saltfish/spdispatch/internal/domain"
)

// Entries maps ledger keys to the identity of the claiming worker.
type Entries map[string]string

// Ledger is the shared claim store.
type Ledger interface {
	// Load returns every current claim. A ledger that does not exist yet is empty.
	Load(ctx context.Context) (Entries, error)

	// Claim records that worker runs p. An existing claim on p is overwritten.
	Claim(ctx context.Context, p domain.ExperimentParameter, worker string) error

	// Release removes the claim on p. Releasing an absent claim is not an error.
	Release(ctx context.Context, p domain.ExperimentParameter) error
}

// InProgress decodes the claims of entries that belong to grid.
// Undecodable and out-of-grid keys are logged and skipped.
func InProgress(entries Entries, grid domain.ParamSet, logger *zap.Logger) domain.ParamSet {
	working := make(domain.ParamSet, len(entries))
	for key, worker := range entries {
		p, err := domain.ParseKey(key)
		if err != nil {
			logger.Warn("Skipping undecodable ledger key",
				zap.String("key", key),
				zap.String("worker", worker),
				zap.Error(err),
			)
			continue
		}
		if !grid.Contains(p) {
			logger.Debug("Ledger key not in experiment parameters",
				zap.String("key", key),
				zap.String("worker", worker),
			)
			continue
		}

		logger.Debug("Parameter under processing",
			zap.String("key", key),
			zap.String("worker", worker),
		)
		working.Add(p)
	}
	return working
}

// ByWorker counts claims per worker identity.
func ByWorker(entries Entries) map[string]int {
	counts := make(map[string]int)
	for _, worker := range entries {
		counts[worker]++
	}
	return counts
}

// Prune releases every claim for which match returns true and reports the
// released keys. It is the manual recovery path for claims orphaned by
// killed processes.
func Prune(ctx context.Context, l Ledger, match func(key, worker string) bool) ([]string, error) {
	entries, err := l.Load(ctx)
	if err != nil {
		return nil, err
	}

	var released []string
	for key, worker := range entries {
		if !match(key, worker) {
			continue
		}
		p, err := domain.ParseKey(key)
		if err != nil {
			// a key that cannot be decoded cannot be released through the
			// parameter contract either
			if rk, ok := l.(rawKeyReleaser); ok {
				if err := rk.releaseKey(ctx, key); err != nil {
					return released, err
				}
				released = append(released, key)
			}
			continue
		}
		if err := l.Release(ctx, p); err != nil {
			return released, err
		}
		released = append(released, key)
	}

	return released, nil
}

// MissingClaimNotifier is implemented by backends that report releases of
// keys that were already absent.
type MissingClaimNotifier interface {
	OnMissingClaim(fn func(key string))
}

// rawKeyReleaser is implemented by backends that can drop a key verbatim.
type rawKeyReleaser interface {
	releaseKey(ctx context.Context, key string) error
}
