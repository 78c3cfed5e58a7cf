package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/saltfish/spdispatch/internal/domain"
)

// WorkingFileName returns the ledger file name of a problem type.
func WorkingFileName(pt domain.ProblemType) string {
	return string(pt) + "_working.pkl"
}

// FileLedger keeps the claims in a single msgpack-encoded map on a shared
// filesystem. Every operation is a whole-file read-modify-write; concurrent
// writers race and the last rewrite wins.
type FileLedger struct {
	path   string
	retry  RetryPolicy
	logger *zap.Logger

	readFile  func(path string) ([]byte, error)
	writeFile func(path string, data []byte) error
	onMissing func(key string)
}

// NewFileLedger creates a FileLedger at path.
func NewFileLedger(path string, retry RetryPolicy, logger *zap.Logger) *FileLedger {
	return &FileLedger{
		path:      path,
		retry:     retry,
		logger:    logger.With(zap.String("ledger", path)),
		readFile:  os.ReadFile,
		writeFile: writeFileAtomic,
	}
}

// Path returns the ledger file path.
func (l *FileLedger) Path() string {
	return l.path
}

// Load reads the ledger. A missing file is an empty ledger; an undecodable
// file is a *domain.CorruptLedgerError and is never retried.
func (l *FileLedger) Load(ctx context.Context) (Entries, error) {
	var entries Entries

	err := l.retry.Do(ctx, l.logger, "read ledger", func() error {
		data, err := l.readFile(l.path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				entries = make(Entries)
				return nil
			}
			return err
		}

		decoded, err := decodeEntries(data)
		if err != nil {
			return permanent(&domain.CorruptLedgerError{Path: l.path, Err: err})
		}
		entries = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Claim records worker as the owner of p.
func (l *FileLedger) Claim(ctx context.Context, p domain.ExperimentParameter, worker string) error {
	key := p.Key()
	return l.mutate(ctx, "write claim", func(entries Entries) bool {
		if prev, ok := entries[key]; ok && prev != worker {
			l.logger.Warn("Overwriting claim of another worker",
				zap.String("key", key),
				zap.String("previous_worker", prev),
				zap.String("worker", worker),
			)
		}
		entries[key] = worker
		return true
	})
}

// Release removes the claim on p. An absent key is logged and ignored.
func (l *FileLedger) Release(ctx context.Context, p domain.ExperimentParameter) error {
	return l.releaseKey(ctx, p.Key())
}

func (l *FileLedger) releaseKey(ctx context.Context, key string) error {
	return l.mutate(ctx, "write release", func(entries Entries) bool {
		if _, ok := entries[key]; !ok {
			l.logger.Warn("Can't find key in working ledger", zap.String("key", key))
			l.missing(key)
			return false
		}
		delete(entries, key)
		return true
	})
}

// mutate loads the ledger, applies fn and persists the result when fn
// reports a change.
func (l *FileLedger) mutate(ctx context.Context, op string, fn func(Entries) bool) error {
	entries, err := l.Load(ctx)
	if err != nil {
		return err
	}

	if !fn(entries) {
		return nil
	}

	data, err := encodeEntries(entries)
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}

	return l.retry.Do(ctx, l.logger, op, func() error {
		return l.writeFile(l.path, data)
	})
}

func encodeEntries(entries Entries) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(map[string]string(entries)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntries(data []byte) (Entries, error) {
	if len(data) == 0 {
		return nil, errors.New("empty ledger file")
	}
	var m map[string]string
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = make(map[string]string)
	}
	return Entries(m), nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers never observe a partial ledger.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp ledger: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp ledger: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace ledger: %w", err)
	}
	return nil
}

// OnMissingClaim registers fn to be called when a released key was absent.
func (l *FileLedger) OnMissingClaim(fn func(key string)) {
	l.onMissing = fn
}

func (l *FileLedger) missing(key string) {
	if l.onMissing != nil {
		l.onMissing(key)
	}
}

var _ Ledger = (*FileLedger)(nil)
var _ MissingClaimNotifier = (*FileLedger)(nil)
