// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds all configuration for the server, worker and seeder.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	AMQP      AMQPConfig
	Redis     RedisConfig
	Dispatch  DispatchConfig
	Scheduler SchedulerConfig
	Log       LogConfig
	Gateway   GatewayConfig
	API       APIConfig
	Tenants   map[string]TenantCredentials
}

type ServerConfig struct {
	Port      string
	PublicURL string `mapstructure:"public_url"`
}

type DatabaseConfig struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN prefers an explicit URL and otherwise assembles one from parts.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

// AMQPConfig: an empty URL selects the in-process queue.
type AMQPConfig struct {
	URL         string
	Concurrency int
}

// RedisConfig: an empty Addr disables the delivery callback cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type DispatchConfig struct {
	Delay       time.Duration
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
}

type SchedulerConfig struct {
	Interval  time.Duration
	BatchSize int `mapstructure:"batch_size"`
}

type LogConfig struct {
	Level  string
	Format string
}

type GatewayConfig struct {
	Provider          string
	DefaultRegion     string  `mapstructure:"default_region"`
	StatusCallbackURL string  `mapstructure:"status_callback_url"`
	VerifySignatures  bool    `mapstructure:"verify_signatures"`
	MockFailureRate   float64 `mapstructure:"mock_failure_rate"`
}

type APIConfig struct {
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// TenantCredentials are the per-tenant gateway credentials.
type TenantCredentials struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	FromNumber string `mapstructure:"from_number"`
}

// Load reads .env, an optional config.yaml and the environment, in that order
// of increasing precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file found, relying on OS environment variables")
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Tenants == nil {
		cfg.Tenants = map[string]TenantCredentials{}
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "smsleopard")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.concurrency", 4)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)
	v.SetDefault("dispatch.delay", time.Second)
	v.SetDefault("dispatch.send_timeout", 15*time.Second)
	v.SetDefault("dispatch.stale_after", 10*time.Minute)
	v.SetDefault("scheduler.interval", time.Minute)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("gateway.provider", "mock")
	v.SetDefault("gateway.default_region", "KE")
	v.SetDefault("gateway.status_callback_url", "")
	v.SetDefault("gateway.verify_signatures", false)
	v.SetDefault("gateway.mock_failure_rate", 0.0)
	v.SetDefault("api.rate_limit", 5.0)
	v.SetDefault("api.rate_burst", 10)
}
