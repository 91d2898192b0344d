// Package config resolves runtime settings for the binaries: defaults, then
// an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	AdapterMemory   = "memory"
	AdapterRedis    = "redis"
	AdapterPostgres = "postgres"
	AdapterSQLite   = "sqlite"
	AdapterDynamoDB = "dynamodb"
	AdapterMongoDB  = "mongodb"
)

type Postgres struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	// URL, when set, wins over the individual fields.
	URL string
}

// DSN returns a lib/pq connection URL.
func (p Postgres) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:     "/" + p.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

type Config struct {
	Port    int
	Adapter string

	RedisURL      string
	Postgres      Postgres
	SQLitePath    string
	MongoURI      string
	MongoDatabase string

	IdempotencyTable string
	PaymentsTable    string
	AuditQueueURL    string
	MetricsNamespace string

	LockTTL        time.Duration
	Retention      time.Duration
	HandlerTimeout time.Duration
	KeyPrefix      string
	ReapInterval   time.Duration

	RunLocal bool
}

type configFile struct {
	Server struct {
		Port     int  `yaml:"port"`
		RunLocal bool `yaml:"run_local"`
	} `yaml:"server"`
	Storage struct {
		Adapter  string `yaml:"adapter"`
		RedisURL string `yaml:"redis_url"`
		Postgres struct {
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			User     string `yaml:"user"`
			Password string `yaml:"password"`
			Database string `yaml:"database"`
			URL      string `yaml:"url"`
		} `yaml:"postgres"`
		SQLitePath       string `yaml:"sqlite_path"`
		MongoURI         string `yaml:"mongodb_uri"`
		MongoDatabase    string `yaml:"mongodb_database"`
		IdempotencyTable string `yaml:"idempotency_table"`
	} `yaml:"storage"`
	Idempotency struct {
		LockTTL        string  `yaml:"lock_ttl"`
		Retention      string  `yaml:"retention"`
		HandlerTimeout string  `yaml:"handler_timeout"`
		KeyPrefix      *string `yaml:"key_prefix"`
		ReapInterval   string  `yaml:"reap_interval"`
	} `yaml:"idempotency"`
	Payments struct {
		Table string `yaml:"table"`
	} `yaml:"payments"`
	Audit struct {
		QueueURL         string `yaml:"queue_url"`
		MetricsNamespace string `yaml:"metrics_namespace"`
	} `yaml:"audit"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Port:     4045,
		Adapter:  AdapterRedis,
		RedisURL: "redis://localhost:6380",
		Postgres: Postgres{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "postgres",
			Database: "postgres",
		},
		SQLitePath:       "idempotency.db",
		MongoURI:         "mongodb://localhost:27017/paymentdb",
		MongoDatabase:    "payments",
		IdempotencyTable: "idempotency",
		LockTTL:          30 * time.Second,
		Retention:        24 * time.Hour,
		HandlerTimeout:   30 * time.Second,
		KeyPrefix:        "payment:",
		ReapInterval:     time.Minute,
	}
}

// Load resolves the configuration. A missing file at path is not an error;
// an empty path skips the file entirely.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := applyFile(&cfg, raw); err != nil {
				return Config{}, err
			}
		case !os.IsNotExist(err):
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if f.Server.Port > 0 {
		cfg.Port = f.Server.Port
	}
	if f.Server.RunLocal {
		cfg.RunLocal = true
	}
	setString(&cfg.Adapter, f.Storage.Adapter)
	setString(&cfg.RedisURL, f.Storage.RedisURL)
	setString(&cfg.Postgres.Host, f.Storage.Postgres.Host)
	if f.Storage.Postgres.Port > 0 {
		cfg.Postgres.Port = f.Storage.Postgres.Port
	}
	setString(&cfg.Postgres.User, f.Storage.Postgres.User)
	setString(&cfg.Postgres.Password, f.Storage.Postgres.Password)
	setString(&cfg.Postgres.Database, f.Storage.Postgres.Database)
	setString(&cfg.Postgres.URL, f.Storage.Postgres.URL)
	setString(&cfg.SQLitePath, f.Storage.SQLitePath)
	setString(&cfg.MongoURI, f.Storage.MongoURI)
	setString(&cfg.MongoDatabase, f.Storage.MongoDatabase)
	setString(&cfg.IdempotencyTable, f.Storage.IdempotencyTable)
	setString(&cfg.PaymentsTable, f.Payments.Table)
	setString(&cfg.AuditQueueURL, f.Audit.QueueURL)
	setString(&cfg.MetricsNamespace, f.Audit.MetricsNamespace)
	if f.Idempotency.KeyPrefix != nil {
		cfg.KeyPrefix = *f.Idempotency.KeyPrefix
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"idempotency.lock_ttl", f.Idempotency.LockTTL, &cfg.LockTTL},
		{"idempotency.retention", f.Idempotency.Retention, &cfg.Retention},
		{"idempotency.handler_timeout", f.Idempotency.HandlerTimeout, &cfg.HandlerTimeout},
		{"idempotency.reap_interval", f.Idempotency.ReapInterval, &cfg.ReapInterval},
	} {
		if d.raw == "" {
			continue
		}
		v, err := parseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse config %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Port = envInt("PORT", cfg.Port)
	cfg.Adapter = envString("IDEMPOTENCY_ADAPTER", cfg.Adapter)
	cfg.RedisURL = envString("REDIS_URL", cfg.RedisURL)
	cfg.Postgres.Host = envString("PG_HOST", cfg.Postgres.Host)
	cfg.Postgres.Port = envInt("PG_PORT", cfg.Postgres.Port)
	cfg.Postgres.User = envString("PG_USER", cfg.Postgres.User)
	cfg.Postgres.Password = envString("PG_PASSWORD", cfg.Postgres.Password)
	cfg.Postgres.Database = envString("PG_DATABASE", cfg.Postgres.Database)
	cfg.Postgres.URL = envString("DATABASE_URL", cfg.Postgres.URL)
	cfg.SQLitePath = envString("SQLITE_PATH", cfg.SQLitePath)
	cfg.MongoURI = envString("MONGODB_URI", cfg.MongoURI)
	cfg.MongoDatabase = envString("MONGODB_DATABASE", cfg.MongoDatabase)
	cfg.IdempotencyTable = envString("IDEMPOTENCY_TABLE", cfg.IdempotencyTable)
	cfg.PaymentsTable = envString("PAYMENTS_TABLE", cfg.PaymentsTable)
	cfg.AuditQueueURL = envString("AUDIT_QUEUE_URL", cfg.AuditQueueURL)
	cfg.MetricsNamespace = envString("METRICS_NAMESPACE", cfg.MetricsNamespace)
	if v, ok := os.LookupEnv("KEY_PREFIX"); ok {
		cfg.KeyPrefix = v
	}
	cfg.RunLocal = envBool("RUN_LOCAL", cfg.RunLocal)

	var err error
	if cfg.LockTTL, err = envDuration("LOCK_TTL", cfg.LockTTL); err != nil {
		return err
	}
	if cfg.Retention, err = envDuration("RETENTION", cfg.Retention); err != nil {
		return err
	}
	if cfg.HandlerTimeout, err = envDuration("HANDLER_TIMEOUT", cfg.HandlerTimeout); err != nil {
		return err
	}
	if cfg.ReapInterval, err = envDuration("REAP_INTERVAL", cfg.ReapInterval); err != nil {
		return err
	}
	return nil
}

// Validate rejects settings no adapter can run with.
func (c Config) Validate() error {
	switch c.Adapter {
	case AdapterMemory, AdapterRedis, AdapterPostgres, AdapterSQLite, AdapterDynamoDB, AdapterMongoDB:
	default:
		return fmt.Errorf("config: unknown adapter %q", c.Adapter)
	}
	if c.LockTTL <= 0 || c.Retention <= 0 || c.HandlerTimeout <= 0 {
		return fmt.Errorf("config: lock ttl, retention and handler timeout must be positive")
	}
	if c.HandlerTimeout > c.LockTTL {
		return fmt.Errorf("config: handler timeout %s exceeds lock ttl %s", c.HandlerTimeout, c.LockTTL)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	return nil
}

// IsSQL reports whether the adapter is backed by database/sql.
func (c Config) IsSQL() bool {
	return c.Adapter == AdapterPostgres || c.Adapter == AdapterSQLite
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// parseDuration accepts Go durations ("30s") or bare integers as
// milliseconds.
func parseDuration(raw string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(raw)
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := parseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}

func envInt(name string, fallback int) int {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func envBool(name string, fallback bool) bool {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return fallback
}

func envString(name, fallback string) string {
	if raw := os.Getenv(name); raw != "" {
		return raw
	}
	return fallback
}
