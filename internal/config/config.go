// Package config provides configuration management for the experiment dispatcher.
package config

import (
	"path/filepath"
	"strconv"
	"time"
)

// Ledger backends.
const (
	LedgerFile     = "file"
	LedgerPostgres = "postgres"
	LedgerSQLite   = "sqlite"
)

// Runner kinds.
const (
	RunnerExec   = "exec"
	RunnerDocker = "docker"
)

// Config is the root configuration structure.
type Config struct {
	Env        string           `yaml:"env"`
	Experiment ExperimentConfig `yaml:"experiment"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Runner     RunnerConfig     `yaml:"runner"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Status     StatusConfig     `yaml:"status"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ExperimentConfig locates results and tunes ledger contention handling.
type ExperimentConfig struct {
	// ResultsRoot holds one subdirectory per problem type.
	ResultsRoot string `yaml:"results_root"`

	// ProblemTypeDirs overrides the subdirectory of a problem type.
	// Relative entries are resolved against ResultsRoot.
	ProblemTypeDirs map[string]string `yaml:"problem_type_dirs"`

	RetryCount int    `yaml:"retry_count"`
	RetryDelay string `yaml:"retry_delay"`

	// YearPairsFile is the YAML year table used by yearly problem types.
	YearPairsFile string `yaml:"year_pairs_file"`

	// WorkerIdentity is written into claims. Empty means the hostname.
	WorkerIdentity string `yaml:"worker_identity"`
}

// ResultsDir returns the results directory of a problem type.
func (e *ExperimentConfig) ResultsDir(problemType string) string {
	dir, ok := e.ProblemTypeDirs[problemType]
	if !ok || dir == "" {
		return filepath.Join(e.ResultsRoot, problemType)
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(e.ResultsRoot, dir)
}

// RetryDelayDuration returns the retry delay as a time.Duration.
// It is only meaningful after validation.
func (e *ExperimentConfig) RetryDelayDuration() time.Duration {
	d, _ := time.ParseDuration(e.RetryDelay)
	return d
}

// LedgerConfig selects the claim store.
type LedgerConfig struct {
	Backend string `yaml:"backend"`

	// SQLitePath defaults to <results_dir>/<prob_type>_working.db.
	SQLitePath string `yaml:"sqlite_path"`
}

// RunnerConfig describes how experiments are launched.
type RunnerConfig struct {
	Kind string `yaml:"kind"`

	// Command is the argv template. Placeholders such as {n_stock} are
	// substituted per experiment.
	Command []string `yaml:"command"`

	// Timeout bounds a single run. Empty or "0" means unlimited.
	Timeout string `yaml:"timeout"`

	Docker DockerConfig `yaml:"docker"`
}

// TimeoutDuration returns the run timeout as a time.Duration.
func (r *RunnerConfig) TimeoutDuration() time.Duration {
	if r.Timeout == "" {
		return 0
	}
	d, _ := time.ParseDuration(r.Timeout)
	return d
}

// DockerConfig contains Docker container settings for the docker runner.
type DockerConfig struct {
	Image        string `yaml:"image"`
	Network      string `yaml:"network"`
	ResultsMount string `yaml:"results_mount"`
	CPULimit     string `yaml:"cpu_limit"`
	MemoryLimit  string `yaml:"memory_limit"`
}

// DatabaseConfig contains PostgreSQL connection settings.
type DatabaseConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	User               string `yaml:"user"`
	Password           string `yaml:"password"`
	Name               string `yaml:"name"`
	SSLMode            string `yaml:"sslmode"`
	MaxConnections     int    `yaml:"max_connections"`
	MaxIdleConnections int    `yaml:"max_idle_connections"`
	ConnMaxLifetime    string `yaml:"conn_max_lifetime"`
}

// ConnectionString returns the PostgreSQL connection string.
func (d *DatabaseConfig) ConnectionString() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" +
		strconv.Itoa(d.Port) + "/" + d.Name + "?sslmode=" + d.SSLMode
}

// RabbitMQConfig contains RabbitMQ connection settings.
// An empty URL disables event publishing.
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// StatusConfig configures the status server and metrics listener.
type StatusConfig struct {
	// Port of the status server. The dispatcher serves it alongside its
	// loop only when it is non-zero.
	Port int `yaml:"port"`

	// RefreshSchedule is a cron spec for progress recomputation.
	RefreshSchedule string `yaml:"refresh_schedule"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputPath string `yaml:"output_path"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Env: "development",
		Experiment: ExperimentConfig{
			ResultsRoot:     "results",
			ProblemTypeDirs: map[string]string{},
			RetryCount:      3,
			RetryDelay:      "2s",
			YearPairsFile:   "year_pairs.yaml",
		},
		Ledger: LedgerConfig{
			Backend: LedgerFile,
		},
		Runner: RunnerConfig{
			Kind: RunnerExec,
			Command: []string{
				"python", "run_experiment.py",
				"--prob_type", "{prob_type}",
				"--n_stock", "{n_stock}",
				"--win_length", "{win_length}",
				"--n_scenario", "{n_scenario}",
				"--biased", "{biased}",
				"--cnt", "{cnt}",
				"--alpha", "{alpha}",
				"--start_date", "{start_date}",
				"--end_date", "{end_date}",
				"--solver_io", "{solver_io}",
				"--results_dir", "{results_dir}",
			},
			Timeout: "0",
			Docker: DockerConfig{
				Image:        "spdispatch/solver:latest",
				ResultsMount: "/results",
				CPULimit:     "2.0",
				MemoryLimit:  "4g",
			},
		},
		Database: DatabaseConfig{
			Host:               "localhost",
			Port:               5432,
			User:               "postgres",
			Password:           "postgres",
			Name:               "spdispatch",
			SSLMode:            "disable",
			MaxConnections:     4,
			MaxIdleConnections: 1,
			ConnMaxLifetime:    "1h",
		},
		RabbitMQ: RabbitMQConfig{
			Exchange: "spdispatch.events",
		},
		Status: StatusConfig{
			Port:            0,
			RefreshSchedule: "@every 30s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
	}
}
