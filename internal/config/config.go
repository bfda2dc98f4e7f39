// Package config provides configuration for the controller and for workers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/icunnyngham/sherpa/internal/domain"
)

// Environment variables set by the scheduler for every worker process.
const (
	EnvDBHost  = "SHERPA_DB_HOST"
	EnvDBPort  = "SHERPA_DB_PORT"
	EnvTrialID = "SHERPA_TRIAL_ID"
)

// Worker address defaults.
const (
	DefaultHost = "localhost"
	DefaultPort = 27010
)

// Backends for the controller's store.
const (
	BackendMongo  = "mongo"
	BackendSQLite = "sqlite"
)

// Config holds the whole sherpa configuration.
type Config struct {
	Controller Controller `yaml:"controller"`
	Worker     Worker     `yaml:"worker"`
	Log        Log        `yaml:"log"`
}

// Controller configures `sherpa serve`.
type Controller struct {
	// Store
	Backend    string `yaml:"backend"`
	DataDir    string `yaml:"data_dir"`
	Port       int    `yaml:"port"`
	Database   string `yaml:"database"`
	MongodPath string `yaml:"mongod_path"`
	SQLitePath string `yaml:"sqlite_path"`

	// Supervision
	StartupGrace    time.Duration `yaml:"startup_grace"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Resume drains existing results on start instead of delivering them.
	Resume bool `yaml:"resume"`

	// HTTP API
	HTTPPort     int           `yaml:"http_port"`
	FeedInterval time.Duration `yaml:"feed_interval"`

	// Result stream
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Worker configures a worker session. Zero values fall back to the
// environment and then to the defaults.
type Worker struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Database       string        `yaml:"database"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Log configures logging.
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Controller: Controller{
			Backend:         BackendMongo,
			DataDir:         "sherpa-db",
			Port:            DefaultPort,
			Database:        domain.DefaultDatabase,
			MongodPath:      "mongod",
			StartupGrace:    time.Second,
			ShutdownTimeout: 10 * time.Second,
			HTTPPort:        8080,
			FeedInterval:    time.Second,
			PingInterval:    30 * time.Second,
			WriteTimeout:    10 * time.Second,
		},
		Worker: Worker{
			Database:       domain.DefaultDatabase,
			RetryAttempts:  5,
			RetryBackoff:   10 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load builds the configuration from the defaults, the YAML file at path (if
// path is not empty) and finally environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	c := &cfg.Controller
	c.Backend = getEnv("SHERPA_BACKEND", c.Backend)
	c.DataDir = getEnv("SHERPA_DATA_DIR", c.DataDir)
	c.Port = getEnvInt("SHERPA_PORT", c.Port)
	c.Database = getEnv("SHERPA_DATABASE", c.Database)
	c.MongodPath = getEnv("SHERPA_MONGOD", c.MongodPath)
	c.SQLitePath = getEnv("SHERPA_SQLITE_PATH", c.SQLitePath)
	c.StartupGrace = getEnvDuration("SHERPA_STARTUP_GRACE", c.StartupGrace)
	c.ShutdownTimeout = getEnvDuration("SHERPA_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.Resume = getEnvBool("SHERPA_RESUME", c.Resume)
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.FeedInterval = getEnvDuration("SHERPA_FEED_INTERVAL", c.FeedInterval)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.JSON = getEnvBool("LOG_JSON", cfg.Log.JSON)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Controller.Backend {
	case BackendMongo, BackendSQLite:
	default:
		return &domain.ConfigurationError{Msg: fmt.Sprintf("unknown backend %q", c.Controller.Backend)}
	}
	if c.Controller.DataDir == "" {
		return &domain.ConfigurationError{Msg: "data_dir is required"}
	}
	if c.Controller.Port <= 0 || c.Controller.Port > 65535 {
		return &domain.ConfigurationError{Msg: fmt.Sprintf("invalid port %d", c.Controller.Port)}
	}
	return nil
}

// SQLiteDSN is the SQLite file used by the sqlite backend. Workers open the
// same file, so writers wait on each other's locks.
func (c Controller) SQLiteDSN() string {
	if c.SQLitePath != "" {
		return c.SQLitePath
	}
	return "file:" + filepath.Join(c.DataDir, "sherpa.db") + "?_busy_timeout=5000"
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ResolveWorkerAddress picks the database address for a worker: explicit
// arguments first, then SHERPA_DB_HOST/SHERPA_DB_PORT, then localhost:27010.
func ResolveWorkerAddress(host string, port int, lookup LookupFunc) (string, int, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if host == "" {
		if v, ok := lookup(EnvDBHost); ok && v != "" {
			host = v
		} else {
			host = DefaultHost
		}
	}

	if port == 0 {
		if v, ok := lookup(EnvDBPort); ok && v != "" {
			p, err := strconv.Atoi(v)
			if err != nil || p <= 0 || p > 65535 {
				return "", 0, &domain.ConfigurationError{Msg: fmt.Sprintf("invalid %s %q", EnvDBPort, v), Err: err}
			}
			port = p
		} else {
			port = DefaultPort
		}
	}
	return host, port, nil
}

// ResolveTrialID picks the trial a worker runs: the explicit ID when positive,
// otherwise SHERPA_TRIAL_ID.
func ResolveTrialID(explicit domain.TrialID, lookup LookupFunc) (domain.TrialID, error) {
	if explicit.Valid() {
		return explicit, nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}

	v, ok := lookup(EnvTrialID)
	if !ok || v == "" {
		return 0, &domain.ConfigurationError{
			Msg: fmt.Sprintf("environment variable %s not found, the scheduler needs to set it when submitting a job", EnvTrialID),
		}
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || !domain.TrialID(id).Valid() {
		return 0, &domain.ConfigurationError{Msg: fmt.Sprintf("invalid %s %q", EnvTrialID, v), Err: err}
	}
	return domain.TrialID(id), nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
