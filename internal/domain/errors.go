package domain

import (
	"errors"
	"strconv"
)

// Dispatch error taxonomy.
var (
	// ErrConfiguration is returned for unknown problem types or unusable settings.
	ErrConfiguration = errors.New("configuration error")

	// ErrTransientIO is returned when a ledger operation kept failing after all retries.
	ErrTransientIO = errors.New("transient I/O error")

	// ErrCorruptLedger is returned when a ledger exists but cannot be decoded.
	ErrCorruptLedger = errors.New("corrupt ledger")

	// ErrRunnerFailure is returned when an external experiment runner failed.
	ErrRunnerFailure = errors.New("runner failure")
)

// ConfigurationError wraps ErrConfiguration with additional context.
type ConfigurationError struct {
	Subject string
	Reason  string
}

func (e ConfigurationError) Error() string {
	return "configuration error: " + e.Subject + ": " + e.Reason
}

func (e ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(subject, reason string) ConfigurationError {
	return ConfigurationError{Subject: subject, Reason: reason}
}

// TransientIOError reports a ledger operation that exhausted its retries.
type TransientIOError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientIOError) Error() string {
	return "transient I/O error: " + e.Op + " failed after " + strconv.Itoa(e.Attempts) + " attempts: " + e.Err.Error()
}

// Unwrap exposes both the sentinel and the last underlying error.
func (e *TransientIOError) Unwrap() []error {
	return []error{ErrTransientIO, e.Err}
}

// CorruptLedgerError reports a ledger that cannot be deserialized.
type CorruptLedgerError struct {
	Path string
	Err  error
}

func (e *CorruptLedgerError) Error() string {
	return "corrupt ledger " + e.Path + ": " + e.Err.Error()
}

func (e *CorruptLedgerError) Unwrap() []error {
	return []error{ErrCorruptLedger, e.Err}
}

// RunnerError reports a failed external experiment run.
type RunnerError struct {
	Problem ProblemType
	Key     string
	Err     error
}

func (e *RunnerError) Error() string {
	return "run " + string(e.Problem) + " [" + e.Key + "]: " + e.Err.Error()
}

func (e *RunnerError) Unwrap() []error {
	return []error{ErrRunnerFailure, e.Err}
}

// IsFatal reports whether err must stop the dispatch loop.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrCorruptLedger) ||
		errors.Is(err, ErrTransientIO)
}
