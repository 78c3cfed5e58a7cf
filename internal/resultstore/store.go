package resultstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/saltfish/spdispatch/internal/domain"
)

// Store inspects a results directory for completed experiments.
type Store struct {
	dir    string
	spec   domain.ProblemSpec
	logger *zap.Logger
}

// NewStore creates a Store for one problem type's results directory.
func NewStore(dir string, spec domain.ProblemSpec, logger *zap.Logger) *Store {
	return &Store{
		dir:    dir,
		spec:   spec,
		logger: logger.With(zap.String("prob_type", string(spec.Type))),
	}
}

// Dir returns the results directory.
func (s *Store) Dir() string {
	return s.dir
}

// PathFor returns the result file path of p.
func (s *Store) PathFor(p domain.ExperimentParameter) string {
	return filepath.Join(s.dir, Encode(s.spec, p))
}

// Finished returns the parameters of grid that already have a result file.
// Results outside the grid are logged as stale and ignored; malformed names
// are skipped. A missing directory yields an empty set.
func (s *Store) Finished(ctx context.Context, grid domain.ParamSet) (domain.ParamSet, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("Results directory does not exist yet", zap.String("dir", s.dir))
			return make(domain.ParamSet), nil
		}
		return nil, fmt.Errorf("failed to list results in %s: %w", s.dir, err)
	}

	prefix := Prefix(s.spec)
	finished := make(domain.ParamSet)
	stale := 0

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, s.spec.Shape.Extension) {
			continue
		}

		p, err := Decode(s.spec, name)
		if err != nil {
			s.logger.Debug("Skipping unparseable result file",
				zap.String("file", name),
				zap.Error(err),
			)
			continue
		}

		if !grid.Contains(p) {
			stale++
			s.logger.Warn("Result not in experiment parameters",
				zap.String("file", name),
			)
			continue
		}

		finished.Add(p)
	}

	s.logger.Debug("Scanned results directory",
		zap.String("dir", s.dir),
		zap.Int("finished", finished.Len()),
		zap.Int("stale", stale),
	)

	return finished, nil
}
