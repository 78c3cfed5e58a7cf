package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return "validation errors: " + strings.Join(msgs, "; ")
}

func (e *ValidationErrors) add(field, message string) {
	*e = append(*e, ValidationError{Field: field, Message: message})
}

// oneOf adds an error unless v is one of allowed.
func (e *ValidationErrors) oneOf(field, v string, allowed ...string) {
	if !slices.Contains(allowed, v) {
		e.add(field, "must be one of: "+strings.Join(allowed, ", "))
	}
}

func (e *ValidationErrors) required(field, v string) {
	if v == "" {
		e.add(field, "is required")
	}
}

func (e *ValidationErrors) port(field string, p int, allowZero bool) {
	switch {
	case p == 0 && allowZero:
	case p <= 0 || p > 65535:
		msg := "must be a valid port number (1-65535)"
		if allowZero {
			msg = "must be 0 or a valid port number (1-65535)"
		}
		e.add(field, msg)
	}
}

// Validate validates the configuration and returns any errors.
func Validate(cfg *Config) error {
	var errs ValidationErrors

	errs.oneOf("env", cfg.Env, "development", "staging", "production", "test")
	validateExperiment(&errs, &cfg.Experiment)
	errs.oneOf("ledger.backend", cfg.Ledger.Backend, LedgerFile, LedgerPostgres, LedgerSQLite)
	if cfg.Ledger.Backend == LedgerPostgres {
		validateDatabase(&errs, &cfg.Database)
	}
	validateRunner(&errs, &cfg.Runner)
	validateRabbitMQ(&errs, &cfg.RabbitMQ)
	validateStatus(&errs, &cfg.Status)
	errs.oneOf("logging.level", cfg.Logging.Level, "debug", "info", "warn", "error")
	errs.oneOf("logging.format", cfg.Logging.Format, "json", "console")

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateExperiment(errs *ValidationErrors, e *ExperimentConfig) {
	errs.required("experiment.results_root", e.ResultsRoot)
	if e.RetryCount <= 0 {
		errs.add("experiment.retry_count", "must be greater than 0")
	}
	if d, err := time.ParseDuration(e.RetryDelay); err != nil {
		errs.add("experiment.retry_delay", "must be a duration such as 2s")
	} else if d < 0 {
		errs.add("experiment.retry_delay", "must be non-negative")
	}
}

// validateDatabase only runs for the postgres ledger backend.
func validateDatabase(errs *ValidationErrors, db *DatabaseConfig) {
	errs.required("database.host", db.Host)
	errs.port("database.port", db.Port, false)
	errs.required("database.user", db.User)
	errs.required("database.name", db.Name)
	errs.oneOf("database.sslmode", db.SSLMode, "disable", "require", "verify-ca", "verify-full")

	switch {
	case db.MaxConnections <= 0:
		errs.add("database.max_connections", "must be greater than 0")
	case db.MaxIdleConnections < 0:
		errs.add("database.max_idle_connections", "must be non-negative")
	case db.MaxIdleConnections > db.MaxConnections:
		errs.add("database.max_idle_connections", "must not exceed max_connections")
	}
}

func validateRunner(errs *ValidationErrors, r *RunnerConfig) {
	errs.oneOf("runner.kind", r.Kind, RunnerExec, RunnerDocker)
	if r.Kind == RunnerDocker {
		errs.required("runner.docker.image", r.Docker.Image)
		errs.required("runner.docker.results_mount", r.Docker.ResultsMount)
	}
	if len(r.Command) == 0 {
		errs.add("runner.command", "is required")
	}
	if r.Timeout != "" {
		if d, err := time.ParseDuration(r.Timeout); err != nil || d < 0 {
			errs.add("runner.timeout", "must be a non-negative duration")
		}
	}
}

// validateRabbitMQ skips everything when events are disabled.
func validateRabbitMQ(errs *ValidationErrors, mq *RabbitMQConfig) {
	if mq.URL == "" {
		return
	}
	if !strings.HasPrefix(mq.URL, "amqp://") && !strings.HasPrefix(mq.URL, "amqps://") {
		errs.add("rabbitmq.url", "must start with amqp:// or amqps://")
	}
	errs.required("rabbitmq.exchange", mq.Exchange)
}

func validateStatus(errs *ValidationErrors, s *StatusConfig) {
	errs.port("status.port", s.Port, true)

	// empty disables periodic refresh
	if s.RefreshSchedule == "" {
		return
	}
	if _, err := cron.ParseStandard(s.RefreshSchedule); err != nil {
		errs.add("status.refresh_schedule", "must be a cron spec: "+err.Error())
	}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve ValidationError
	var ves ValidationErrors
	return errors.As(err, &ve) || errors.As(err, &ves)
}
