package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STOREFRONT"

// Config holds all application configuration.
type Config struct {
	Server           ServerConfig           `mapstructure:"server"`
	Database         DatabaseConfig         `mapstructure:"database"`
	Redis            RedisConfig            `mapstructure:"redis"`
	Stripe           StripeConfig           `mapstructure:"stripe"`
	SubscriptionSync SubscriptionSyncConfig `mapstructure:"subscription_sync"`
	Email            EmailConfig            `mapstructure:"email"`
	Auth             AuthConfig             `mapstructure:"auth"`
	RateLimit        RateLimitConfig        `mapstructure:"rate_limit"`
	Kafka            KafkaConfig            `mapstructure:"kafka"`
	Log              LogConfig              `mapstructure:"log"`
	Metrics          MetricsConfig          `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration. An empty address disables Redis.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StripeConfig holds payment gateway configuration. An empty secret key
// disables card checkout.
type StripeConfig struct {
	SecretKey        string        `mapstructure:"secret_key"`
	WebhookSecret    string        `mapstructure:"webhook_secret"`
	Currency         string        `mapstructure:"currency"`
	Timeout          time.Duration `mapstructure:"timeout"`
	WebhookTolerance time.Duration `mapstructure:"webhook_tolerance"`
	WebhookMaxBytes  int64         `mapstructure:"webhook_max_bytes"`
	BreakerThreshold uint32        `mapstructure:"breaker_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
	BreakerInterval  time.Duration `mapstructure:"breaker_interval"`
}

// SubscriptionSyncConfig holds the renewal sync job configuration.
type SubscriptionSyncConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// EmailConfig holds SMTP configuration. An empty host logs emails instead
// of sending them.
type EmailConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	FromAddress string `mapstructure:"from_address"`
	FromName    string `mapstructure:"from_name"`
	StoreName   string `mapstructure:"store_name"`
	BaseURL     string `mapstructure:"base_url"`

	SendTimeout time.Duration `mapstructure:"send_timeout"`
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
}

// AuthConfig holds access token configuration.
type AuthConfig struct {
	JWTSecret         string        `mapstructure:"jwt_secret"`
	Issuer            string        `mapstructure:"issuer"`
	AccessTokenExpiry time.Duration `mapstructure:"access_token_expiry"`
	AdminEmails       []string      `mapstructure:"admin_emails"`
	AdminUserIDs      []string      `mapstructure:"admin_user_ids"`
}

// RateLimitConfig holds per-client request limits.
type RateLimitConfig struct {
	CheckoutRate  float64 `mapstructure:"checkout_rate"`
	CheckoutBurst int     `mapstructure:"checkout_burst"`
	WebhookRate   float64 `mapstructure:"webhook_rate"`
	WebhookBurst  int     `mapstructure:"webhook_burst"`
}

// KafkaConfig holds the order event publisher configuration. No brokers
// disables publishing.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig holds Prometheus configuration.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path"`
}

// Load loads configuration from file and environment.
func Load() (*Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom loads configuration into v. Tests pass a preloaded instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/storefront")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// STOREFRONT_STRIPE_SECRET_KEY overrides stripe.secret_key, and so on.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applySecretOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applySecretOverrides reads the short-form secret variables.
func applySecretOverrides(cfg *Config) {
	overrides := []struct {
		env    string
		target *string
	}{
		{"STOREFRONT_JWT_SECRET", &cfg.Auth.JWTSecret},
		{"STOREFRONT_DB_PASSWORD", &cfg.Database.Password},
		{"STOREFRONT_REDIS_PASSWORD", &cfg.Redis.Password},
		{"STOREFRONT_STRIPE_KEY", &cfg.Stripe.SecretKey},
		{"STOREFRONT_STRIPE_WEBHOOK_SECRET", &cfg.Stripe.WebhookSecret},
		{"STOREFRONT_SMTP_PASSWORD", &cfg.Email.Password},
	}
	for _, o := range overrides {
		if val := os.Getenv(o.env); val != "" {
			*o.target = val
		}
	}
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("config: auth.jwt_secret is required")
	}
	if c.Stripe.SecretKey != "" && c.Stripe.WebhookSecret == "" {
		return errors.New("config: stripe.webhook_secret is required when stripe is enabled")
	}
	if c.SubscriptionSync.Enabled && c.SubscriptionSync.Interval <= 0 {
		return errors.New("config: subscription_sync.interval must be positive")
	}
	return nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "storefront")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", 30*time.Minute)
	v.SetDefault("database.password", "")
	v.SetDefault("database.auto_migrate", true)

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Stripe defaults
	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.currency", "usd")
	v.SetDefault("stripe.timeout", 15*time.Second)
	v.SetDefault("stripe.webhook_tolerance", 5*time.Minute)
	v.SetDefault("stripe.webhook_max_bytes", 64<<10)
	v.SetDefault("stripe.breaker_threshold", 5)
	v.SetDefault("stripe.breaker_timeout", 30*time.Second)
	v.SetDefault("stripe.breaker_interval", time.Minute)

	// Subscription sync defaults
	v.SetDefault("subscription_sync.enabled", true)
	v.SetDefault("subscription_sync.interval", 15*time.Minute)
	v.SetDefault("subscription_sync.batch_size", 100)

	// Email defaults
	v.SetDefault("email.host", "")
	v.SetDefault("email.user", "")
	v.SetDefault("email.password", "")
	v.SetDefault("email.from_name", "")
	v.SetDefault("email.base_url", "")
	v.SetDefault("email.port", 587)
	v.SetDefault("email.from_address", "orders@localhost")
	v.SetDefault("email.store_name", "Storefront")
	v.SetDefault("email.send_timeout", 10*time.Second)
	v.SetDefault("email.workers", 2)
	v.SetDefault("email.queue_size", 100)

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.admin_emails", []string{})
	v.SetDefault("auth.admin_user_ids", []string{})
	v.SetDefault("auth.issuer", "storefront")
	v.SetDefault("auth.access_token_expiry", 15*time.Minute)

	// Rate limit defaults
	v.SetDefault("rate_limit.checkout_rate", 1)
	v.SetDefault("rate_limit.checkout_burst", 5)
	v.SetDefault("rate_limit.webhook_rate", 50)
	v.SetDefault("rate_limit.webhook_burst", 100)

	// Kafka defaults
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "storefront.orders")
	v.SetDefault("kafka.write_timeout", 5*time.Second)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "storefront")
	v.SetDefault("metrics.path", "/metrics")
}
