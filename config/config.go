// Package config loads service configuration from an optional YAML
// file with environment variable overrides. A .env file in the working
// directory is loaded first so local development matches the deployed
// environment shape.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/docforge/docforge/fetch"
	"github.com/docforge/docforge/intake"
	"github.com/docforge/docforge/queue"
	"github.com/docforge/docforge/store"
	"github.com/docforge/docforge/worker"
)

// Config is the full service configuration. Zero values fall back to
// each package's defaults.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// QueueBackend selects the queue implementation: "amqp" (default)
	// or "sqlite" for broker-less single-node deployments.
	QueueBackend string `yaml:"queue_backend"`
	// QueueDB is the SQLite path used when QueueBackend is "sqlite".
	QueueDB string `yaml:"queue_db"`
	// EmbedWorker runs the worker pool inside the API server process,
	// so a single-node deployment needs one binary.
	EmbedWorker bool `yaml:"embed_worker"`

	Auth        AuthConfig         `yaml:"auth"`
	Mongo       store.MongoConfig  `yaml:"mongo"`
	Queue       queue.AMQPConfig   `yaml:"queue"`
	SQLiteQueue queue.SQLiteConfig `yaml:"sqlite_queue"`
	Intake      intake.Config      `yaml:"intake"`
	Fetch       fetch.Config       `yaml:"fetch"`
	Worker      worker.Config      `yaml:"worker"`
	Sweep       worker.SweepConfig `yaml:"sweep"`
}

// AuthConfig configures token issuance and the account database.
type AuthConfig struct {
	// Secret signs JWTs; required, minimum 32 bytes.
	Secret string `yaml:"secret"`
	// TokenExpiry is the issued token lifetime.
	TokenExpiry time.Duration `yaml:"token_expiry"`
	// UsersDB is the SQLite path for the accounts table.
	UsersDB string `yaml:"users_db"`
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.QueueBackend == "" {
		c.QueueBackend = "amqp"
	}
	if c.QueueDB == "" {
		c.QueueDB = "db/queue.db"
	}
	if c.Auth.TokenExpiry <= 0 {
		c.Auth.TokenExpiry = 24 * time.Hour
	}
	if c.Auth.UsersDB == "" {
		c.Auth.UsersDB = "db/users.db"
	}
}

// Load reads the YAML file at path (skipped when path is empty or the
// file does not exist), applies environment overrides, then defaults.
func Load(path string) (*Config, error) {
	// Best effort; a missing .env is the normal case in production.
	godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env + defaults
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.defaults()
	return cfg, nil
}

// applyEnv overrides file values with environment variables. Only the
// knobs that differ per deployment get an env name; everything else is
// file-only.
func (c *Config) applyEnv() {
	setStr(&c.Addr, "ADDR")
	setStr(&c.LogLevel, "LOG_LEVEL")
	setStr(&c.Auth.Secret, "AUTH_SECRET")
	setStr(&c.Auth.UsersDB, "USERS_DB")
	setDur(&c.Auth.TokenExpiry, "TOKEN_EXPIRY")
	setStr(&c.Mongo.URI, "MONGO_URI")
	setStr(&c.Mongo.Database, "MONGO_DATABASE")
	setStr(&c.Queue.URL, "AMQP_URL")
	setStr(&c.QueueBackend, "QUEUE_BACKEND")
	setStr(&c.QueueDB, "QUEUE_DB")
	setBool(&c.EmbedWorker, "EMBED_WORKER")
	setInt64(&c.Intake.MaxUploadBytes, "MAX_UPLOAD_BYTES")
	setInt(&c.Worker.Concurrency, "WORKER_CONCURRENCY")
	setInt(&c.Worker.MaxAttempts, "WORKER_MAX_ATTEMPTS")
	setDur(&c.Sweep.Interval, "SWEEP_INTERVAL")
	setDur(&c.Sweep.Grace, "SWEEP_GRACE")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDur(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
