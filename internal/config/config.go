package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	HTTPPort        string        `mapstructure:"http_port"`
	GRPCPort        string        `mapstructure:"grpc_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type StorageConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

// RedisConfig is optional; an empty Addr disables idempotency keys.
type RedisConfig struct {
	Addr           string        `mapstructure:"addr"`
	PoolSize       int           `mapstructure:"pool_size"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type ReservationConfig struct {
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	SweepComponents bool          `mapstructure:"sweep_components"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Reservation ReservationConfig `mapstructure:"reservation"`
}

var envBindings = map[string]string{
	"server.http_port":             "HTTP_PORT",
	"server.grpc_port":             "GRPC_PORT",
	"server.shutdown_timeout":      "SHUTDOWN_TIMEOUT",
	"database.driver":              "DB_DRIVER",
	"database.dsn":                 "DB_DSN",
	"database.max_open_conns":      "DB_MAX_OPEN_CONNS",
	"database.max_idle_conns":      "DB_MAX_IDLE_CONNS",
	"database.conn_max_lifetime":   "DB_CONN_MAX_LIFETIME",
	"storage.max_attempts":         "STORAGE_MAX_ATTEMPTS",
	"storage.retry_base_delay":     "STORAGE_RETRY_BASE_DELAY",
	"redis.addr":                   "REDIS_ADDR",
	"redis.pool_size":              "REDIS_POOL_SIZE",
	"redis.idempotency_ttl":        "REDIS_IDEMPOTENCY_TTL",
	"reservation.grace_period":     "RESERVATION_GRACE_PERIOD",
	"reservation.sweep_interval":   "RESERVATION_SWEEP_INTERVAL",
	"reservation.sweep_components": "RESERVATION_SWEEP_COMPONENTS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", ":8080")
	v.SetDefault("server.grpc_port", ":50051")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:reservations.db")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("storage.max_attempts", 3)
	v.SetDefault("storage.retry_base_delay", 20*time.Millisecond)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.idempotency_ttl", 24*time.Hour)
	v.SetDefault("reservation.grace_period", 2*time.Minute)
	v.SetDefault("reservation.sweep_interval", time.Duration(0))
	v.SetDefault("reservation.sweep_components", false)
}

// Load reads config.yaml from dir (optional), overlaid by environment variables. A .env file in the
// working directory is loaded first; variables already set in the environment win over it.
func Load(dir string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("config: unsupported database.driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("config: database.dsn is required")
	}
	if c.Reservation.GracePeriod <= 0 {
		return errors.New("config: reservation.grace_period must be positive")
	}
	if c.Reservation.SweepInterval < 0 {
		return errors.New("config: reservation.sweep_interval must not be negative")
	}
	if c.Storage.MaxAttempts < 1 {
		return errors.New("config: storage.max_attempts must be at least 1")
	}
	return nil
}
