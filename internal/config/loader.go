package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

// DotEnvFile is read before environment overrides are applied.
const DotEnvFile = ".env"

// Load loads configuration from a YAML file, a .env file and environment
// variable overrides, in that order.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	// Load from YAML file if exists
	if configPath != "" {
		if err := loadFromYAML(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	}

	if err := loadDotEnv(DotEnvFile); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", DotEnvFile, err)
	}

	// Apply environment variable overrides
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromYAML loads configuration from a YAML file.
func loadFromYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			return nil
		}
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadDotEnv exports the variables of a .env file. Variables already set in
// the environment win. A missing file is ignored.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// envOverride maps one environment variable onto the configuration.
type envOverride struct {
	name  string
	apply func(cfg *Config, v string) error
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*field(cfg) = v
		return nil
	}
}

func setLower(field func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*field(cfg) = strings.ToLower(v)
		return nil
	}
}

func setInt(field func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(cfg) = n
		return nil
	}
}

func setCommand(cfg *Config, v string) error {
	words, err := shellquote.Split(v)
	if err != nil {
		return err
	}
	cfg.Runner.Command = words
	return nil
}

// envOverrides are applied in order; unset or empty variables are skipped.
var envOverrides = []envOverride{
	{"ENV", setString(func(c *Config) *string { return &c.Env })},

	{"SPD_RESULTS_ROOT", setString(func(c *Config) *string { return &c.Experiment.ResultsRoot })},
	{"SPD_RETRY_COUNT", setInt(func(c *Config) *int { return &c.Experiment.RetryCount })},
	{"SPD_RETRY_DELAY", setString(func(c *Config) *string { return &c.Experiment.RetryDelay })},
	{"SPD_YEAR_PAIRS_FILE", setString(func(c *Config) *string { return &c.Experiment.YearPairsFile })},
	{"SPD_WORKER_ID", setString(func(c *Config) *string { return &c.Experiment.WorkerIdentity })},

	{"SPD_LEDGER_BACKEND", setLower(func(c *Config) *string { return &c.Ledger.Backend })},
	{"SPD_SQLITE_PATH", setString(func(c *Config) *string { return &c.Ledger.SQLitePath })},

	{"SPD_RUNNER_KIND", setLower(func(c *Config) *string { return &c.Runner.Kind })},
	{"SPD_RUNNER_COMMAND", setCommand},
	{"SPD_RUNNER_TIMEOUT", setString(func(c *Config) *string { return &c.Runner.Timeout })},
	{"DOCKER_IMAGE", setString(func(c *Config) *string { return &c.Runner.Docker.Image })},
	{"DOCKER_NETWORK", setString(func(c *Config) *string { return &c.Runner.Docker.Network })},
	{"DOCKER_CPU_LIMIT", setString(func(c *Config) *string { return &c.Runner.Docker.CPULimit })},
	{"DOCKER_MEMORY_LIMIT", setString(func(c *Config) *string { return &c.Runner.Docker.MemoryLimit })},

	{"DB_HOST", setString(func(c *Config) *string { return &c.Database.Host })},
	{"DB_PORT", setInt(func(c *Config) *int { return &c.Database.Port })},
	{"DB_USER", setString(func(c *Config) *string { return &c.Database.User })},
	{"DB_PASSWORD", setString(func(c *Config) *string { return &c.Database.Password })},
	{"DB_NAME", setString(func(c *Config) *string { return &c.Database.Name })},
	{"DB_SSLMODE", setString(func(c *Config) *string { return &c.Database.SSLMode })},
	{"DB_MAX_CONNECTIONS", setInt(func(c *Config) *int { return &c.Database.MaxConnections })},

	{"RABBITMQ_URL", setString(func(c *Config) *string { return &c.RabbitMQ.URL })},
	{"RABBITMQ_EXCHANGE", setString(func(c *Config) *string { return &c.RabbitMQ.Exchange })},

	{"SPD_STATUS_PORT", setInt(func(c *Config) *int { return &c.Status.Port })},

	{"LOG_LEVEL", setLower(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_FORMAT", setLower(func(c *Config) *string { return &c.Logging.Format })},
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. A malformed value is an error rather than ignored.
func applyEnvOverrides(cfg *Config) error {
	for _, o := range envOverrides {
		v := os.Getenv(o.name)
		if v == "" {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			return fmt.Errorf("invalid %s: %w", o.name, err)
		}
	}
	return nil
}
