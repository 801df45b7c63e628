package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "FILEGEN"

const (
	StorageDuckDB = "duckdb"
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

type HTTPConfig struct {
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
}

type AuthConfig struct {
	// JWTSecret may be stored encrypted ("enc:..."); Load decrypts it with
	// the FILEGEN_SECRET_KEY master key.
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
}

type JobsConfig struct {
	MaxJobs         int           `mapstructure:"max_jobs" yaml:"max_jobs"`
	MaxConcurrent   int64         `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	QueueSize       int           `mapstructure:"queue_size" yaml:"queue_size"`
	Checkpoints     int           `mapstructure:"checkpoints" yaml:"checkpoints"`
	CheckpointDelay time.Duration `mapstructure:"checkpoint_delay" yaml:"checkpoint_delay"`
	RetryAttempts   int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

type CleanupConfig struct {
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
	JobExpiry      time.Duration `mapstructure:"job_expiry" yaml:"job_expiry"`
	Retention      time.Duration `mapstructure:"retention" yaml:"retention"`
	EventRetention time.Duration `mapstructure:"event_retention" yaml:"event_retention"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Config is the effective kernel configuration.
type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http" yaml:"http"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Auth    AuthConfig    `mapstructure:"auth" yaml:"auth"`
	Jobs    JobsConfig    `mapstructure:"jobs" yaml:"jobs"`
	Cleanup CleanupConfig `mapstructure:"cleanup" yaml:"cleanup"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// SetDefaults registers every key so env overrides work without a file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("http.shutdown_grace", 10*time.Second)
	v.SetDefault("storage.driver", StorageDuckDB)
	v.SetDefault("storage.path", "filegen.db")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("jobs.max_jobs", 1000)
	v.SetDefault("jobs.max_concurrent", 10)
	v.SetDefault("jobs.queue_size", 100)
	v.SetDefault("jobs.checkpoints", 5)
	v.SetDefault("jobs.checkpoint_delay", 500*time.Millisecond)
	v.SetDefault("jobs.retry_attempts", 3)
	v.SetDefault("jobs.retry_delay", 100*time.Millisecond)
	v.SetDefault("cleanup.interval", 30*time.Minute)
	v.SetDefault("cleanup.job_expiry", 24*time.Hour)
	v.SetDefault("cleanup.retention", 30*24*time.Hour)
	v.SetDefault("cleanup.event_retention", time.Duration(0))
	v.SetDefault("log.level", "info")
}

// Load reads defaults, the optional YAML file and FILEGEN_* environment
// variables, in increasing precedence.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if IsEncrypted(cfg.Auth.JWTSecret) {
		key, err := NewSecretKey(v.GetString("secret_key"))
		if err != nil {
			return nil, fmt.Errorf("auth.jwt_secret is encrypted: %w", err)
		}
		if cfg.Auth.JWTSecret, err = key.Decrypt(cfg.Auth.JWTSecret); err != nil {
			return nil, fmt.Errorf("decrypt auth.jwt_secret: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case StorageDuckDB, StorageSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for "+c.Storage.Driver))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of duckdb, sqlite, memory", c.Storage.Driver))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Jobs.MaxJobs < 0 {
		errs = append(errs, errors.New("jobs.max_jobs must not be negative"))
	}
	if c.Jobs.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("jobs.max_concurrent must be positive"))
	}
	if c.Jobs.QueueSize <= 0 {
		errs = append(errs, errors.New("jobs.queue_size must be positive"))
	}
	if c.Jobs.Checkpoints < 0 || c.Jobs.CheckpointDelay < 0 {
		errs = append(errs, errors.New("jobs.checkpoints and jobs.checkpoint_delay must not be negative"))
	}
	if c.Jobs.RetryAttempts <= 0 {
		errs = append(errs, errors.New("jobs.retry_attempts must be positive"))
	}
	if c.Jobs.RetryDelay < 0 {
		errs = append(errs, errors.New("jobs.retry_delay must not be negative"))
	}
	if c.Cleanup.Interval < 0 || c.Cleanup.JobExpiry < 0 || c.Cleanup.Retention < 0 || c.Cleanup.EventRetention < 0 {
		errs = append(errs, errors.New("cleanup durations must not be negative"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Masked returns a copy safe to print.
func (c *Config) Masked() Config {
	cp := *c
	cp.HTTP.AllowedOrigins = append([]string(nil), c.HTTP.AllowedOrigins...)
	cp.Auth.JWTSecret = MaskSecret(c.Auth.JWTSecret)
	return cp
}

func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}
