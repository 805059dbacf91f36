package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
	OrderCode     OrderCodeConfig     `mapstructure:"order_code"`
	Dispatch      DispatchConfig      `mapstructure:"dispatch"`
	Notify        NotifyConfig        `mapstructure:"notify"`
	Access        AccessConfig        `mapstructure:"access"`
	Replay        ReplayConfig        `mapstructure:"replay"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Auth          AuthConfig          `mapstructure:"auth"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	InstanceID    string              `mapstructure:"instance_id"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type RateLimitConfig struct {
	WebhookPerMinute int `mapstructure:"webhook_per_minute"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode         string        `mapstructure:"ssl_mode"`
}

type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

// GatewayConfig selects and configures the hosted checkout provider.
type GatewayConfig struct {
	Provider                string         `mapstructure:"provider"`
	Timeout                 time.Duration  `mapstructure:"timeout"`
	ReturnURL               string         `mapstructure:"return_url"`
	CancelURL               string         `mapstructure:"cancel_url"`
	CircuitBreakerThreshold int            `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration  `mapstructure:"circuit_breaker_timeout"`
	PayOS                   PayOSConfig    `mapstructure:"payos"`
	Midtrans                MidtransConfig `mapstructure:"midtrans"`
	Mock                    MockConfig     `mapstructure:"mock"`
}

type PayOSConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	ClientID    string `mapstructure:"client_id"`
	APIKey      string `mapstructure:"api_key"`
	ChecksumKey string `mapstructure:"checksum_key"`
}

type MidtransConfig struct {
	ServerKey  string `mapstructure:"server_key"`
	Production bool   `mapstructure:"production"`
}

type MockConfig struct {
	CheckoutBaseURL string        `mapstructure:"checkout_base_url"`
	Latency         time.Duration `mapstructure:"latency"`
	FailureRate     float64       `mapstructure:"failure_rate"`
	WebhookSecret   string        `mapstructure:"webhook_secret"`
}

type OrderCodeConfig struct {
	NodeID      int64 `mapstructure:"node_id"`
	MaxAttempts uint  `mapstructure:"max_attempts"`
}

// DispatchConfig bounds the side-effect actions run after a completion.
type DispatchConfig struct {
	ActionTimeout time.Duration `mapstructure:"action_timeout"`
	MaxAttempts   uint          `mapstructure:"max_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

type NotifyConfig struct {
	Enabled          bool       `mapstructure:"enabled"`
	DefaultRecipient string     `mapstructure:"default_recipient"`
	SMTP             SMTPConfig `mapstructure:"smtp"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"from_name"`
	TLSMode  string `mapstructure:"tls_mode"`
}

type AccessConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ReplayConfig struct {
	ConsumerGroup string        `mapstructure:"consumer_group"`
	BatchSize     int64         `mapstructure:"batch_size"`
	BlockDuration time.Duration `mapstructure:"block_duration"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

func Load() (*Config, error) {
	// A local .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PAYLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/paylink")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}
	if c.Database.Host == "" {
		errs = append(errs, fmt.Errorf("database.host is required"))
	}
	if c.Database.Port <= 0 {
		errs = append(errs, fmt.Errorf("database.port must be positive"))
	}
	if c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}

	switch c.Gateway.Provider {
	case "mock", "payos", "midtrans":
	default:
		errs = append(errs, fmt.Errorf("gateway.provider must be one of mock, payos, midtrans, got %q", c.Gateway.Provider))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("gateway.timeout must be positive"))
	}
	if c.OrderCode.NodeID < 0 || c.OrderCode.NodeID > MaxOrderCodeNode {
		errs = append(errs, fmt.Errorf("order_code.node_id must be between 0 and %d", MaxOrderCodeNode))
	}
	if c.OrderCode.MaxAttempts == 0 {
		errs = append(errs, fmt.Errorf("order_code.max_attempts must be positive"))
	}
	if c.Dispatch.ActionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.action_timeout must be positive"))
	}
	if c.Dispatch.MaxAttempts == 0 {
		errs = append(errs, fmt.Errorf("dispatch.max_attempts must be positive"))
	}
	if c.Access.Enabled && c.Access.BaseURL == "" {
		errs = append(errs, fmt.Errorf("access.base_url is required when access is enabled"))
	}
	if c.Notify.Enabled && c.Notify.SMTP.Host == "" {
		errs = append(errs, fmt.Errorf("notify.smtp.host is required when notify is enabled"))
	}
	if c.Replay.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("replay.lock_ttl must be positive"))
	}

	// Production environment checks
	env := os.Getenv("ENV")
	if env == "production" || env == "prod" {
		if c.Database.Password == "" {
			errs = append(errs, fmt.Errorf("database.password required in production"))
		}
		if c.Auth.JWTSecret == "" {
			errs = append(errs, fmt.Errorf("auth.jwt_secret required in production"))
		}
		if c.Gateway.Provider == "mock" {
			errs = append(errs, fmt.Errorf("gateway.provider mock is not allowed in production"))
		}
	}

	switch c.Gateway.Provider {
	case "payos":
		if c.Gateway.PayOS.ClientID == "" || c.Gateway.PayOS.APIKey == "" || c.Gateway.PayOS.ChecksumKey == "" {
			errs = append(errs, fmt.Errorf("gateway.payos client_id, api_key and checksum_key are required"))
		}
	case "midtrans":
		if c.Gateway.Midtrans.ServerKey == "" {
			errs = append(errs, fmt.Errorf("gateway.midtrans.server_key is required"))
		}
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least 32 characters"))
	}

	return errors.Join(errs...)
}

// MaxOrderCodeNode is the largest node id the order code generator accepts.
const MaxOrderCodeNode = 31

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 3004)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "paylink")
	v.SetDefault("database.database", "paylink")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.ssl_mode", "disable")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Gateway defaults
	v.SetDefault("gateway.provider", "mock")
	v.SetDefault("gateway.timeout", "10s")
	v.SetDefault("gateway.return_url", "http://localhost:3000/payment/success")
	v.SetDefault("gateway.cancel_url", "http://localhost:3000/payment/expired")
	v.SetDefault("gateway.circuit_breaker_threshold", 10)
	v.SetDefault("gateway.circuit_breaker_timeout", "30s")
	v.SetDefault("gateway.payos.base_url", "https://api-merchant.payos.vn")
	v.SetDefault("gateway.midtrans.production", false)
	v.SetDefault("gateway.mock.checkout_base_url", "http://localhost:3004/mock-checkout")
	v.SetDefault("gateway.mock.latency", "50ms")
	v.SetDefault("gateway.mock.failure_rate", 0.0)

	// Order code defaults
	v.SetDefault("order_code.node_id", 1)
	v.SetDefault("order_code.max_attempts", 5)

	// Dispatch defaults
	v.SetDefault("dispatch.action_timeout", "10s")
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.retry_delay", "500ms")

	// Side-effect collaborators
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.smtp.port", "587")
	v.SetDefault("notify.smtp.tls_mode", "starttls")
	v.SetDefault("notify.smtp.from_name", "Paylink")
	v.SetDefault("access.enabled", false)
	v.SetDefault("access.timeout", "5s")

	// Replay defaults
	v.SetDefault("replay.consumer_group", "side-effect-replayers")
	v.SetDefault("replay.batch_size", 10)
	v.SetDefault("replay.block_duration", "1s")
	v.SetDefault("replay.lock_ttl", "30s")

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", false)

	v.SetDefault("rate_limit.webhook_per_minute", 600)

	// Instance ID
	v.SetDefault("instance_id", "paylink-1")
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// DatabaseURL renders the connection as a URL, the form golang-migrate expects.
func (c *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
