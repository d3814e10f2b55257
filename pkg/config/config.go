package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/billrun/pkg/billing"
	"github.com/platinummonkey/billrun/pkg/observability"
	"github.com/platinummonkey/billrun/pkg/storage"
	"github.com/platinummonkey/billrun/pkg/storage/postgres"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Storage configuration
	Storage storage.Config `yaml:"storage"`

	// Billing run configuration
	Billing BillingConfig `yaml:"billing"`

	// Payment gateway configuration
	Gateway GatewayConfig `yaml:"gateway"`

	// Caller authentication
	Auth AuthConfig `yaml:"auth"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// BillingConfig holds scheduler, orchestrator and dunning settings
type BillingConfig struct {
	// Schedule is a standard five field cron expression. Empty disables
	// the in-process schedule.
	Schedule       string        `yaml:"schedule"`
	Workers        int           `yaml:"workers"`
	GatewayTimeout time.Duration `yaml:"gateway_timeout"`
	RunTimeout     time.Duration `yaml:"run_timeout"`
	// LockTTL of zero derives the TTL from the gateway timeout.
	LockTTL time.Duration `yaml:"lock_ttl"`

	MaxFailures   int           `yaml:"max_failures"`
	GracePeriod   time.Duration `yaml:"grace_period"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// RetryPolicy returns the dunning policy these settings describe
func (b BillingConfig) RetryPolicy() billing.RetryPolicy {
	return billing.RetryPolicy{
		MaxFailures:   b.MaxFailures,
		GracePeriod:   b.GracePeriod,
		RetryInterval: b.RetryInterval,
	}
}

// GatewayConfig holds payment processor credentials
type GatewayConfig struct {
	StripeSecretKey     string `yaml:"stripe_secret_key"`
	StripeWebhookSecret string `yaml:"stripe_webhook_secret"`
	StripeAPIURL        string `yaml:"stripe_api_url"`
}

// AuthConfig holds the credentials accepted on the run endpoint
type AuthConfig struct {
	// SchedulerSecret is the shared secret presented by the external
	// scheduler in X-Billrun-Scheduler-Secret.
	SchedulerSecret string `yaml:"scheduler_secret"`

	OIDCIssuerURL string `yaml:"oidc_issuer_url"`
	OIDCAudience  string `yaml:"oidc_audience"`
	OIDCRoleClaim string `yaml:"oidc_role_claim"`
	OperatorRole  string `yaml:"operator_role"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	Level    string                 `yaml:"log_level"`
	LogLevel observability.LogLevel `yaml:"-"`

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"` // Use insecure gRPC connection

	// AuditLogDir receives the run and webhook audit trail. Empty disables it.
	AuditLogDir string `yaml:"audit_log_dir"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() *Config {
	policy := billing.DefaultRetryPolicy()
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Storage: storage.DefaultConfig(),
		Billing: BillingConfig{
			Schedule:       "*/15 * * * *",
			Workers:        4,
			GatewayTimeout: 30 * time.Second,
			RunTimeout:     10 * time.Minute,
			MaxFailures:    policy.MaxFailures,
			GracePeriod:    policy.GracePeriod,
			RetryInterval:  policy.RetryInterval,
		},
		Auth: AuthConfig{
			OIDCRoleClaim: "roles",
			OperatorRole:  "billing-operator",
		},
		Observability: ObservabilityConfig{
			Level:              "info",
			LogLevel:           observability.InfoLevel,
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "billrun",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig loads configuration from defaults, the optional YAML file
// named by BILLRUN_CONFIG_FILE and then environment variables, in that
// order of precedence from lowest to highest.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("BILLRUN_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Server = loadServerConfig(cfg.Server)
	cfg.Storage = loadStorageConfig(cfg.Storage)
	cfg.Billing = loadBillingConfig(cfg.Billing)
	cfg.Gateway = loadGatewayConfig(cfg.Gateway)
	cfg.Auth = loadAuthConfig(cfg.Auth)
	cfg.Observability = loadObservabilityConfig(cfg.Observability)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig(cfg ServerConfig) ServerConfig {
	return ServerConfig{
		Host:            getEnv("BILLRUN_HOST", cfg.Host),
		Port:            getEnv("BILLRUN_PORT", cfg.Port),
		ReadTimeout:     getEnvDuration("BILLRUN_READ_TIMEOUT", cfg.ReadTimeout),
		WriteTimeout:    getEnvDuration("BILLRUN_WRITE_TIMEOUT", cfg.WriteTimeout),
		IdleTimeout:     getEnvDuration("BILLRUN_IDLE_TIMEOUT", cfg.IdleTimeout),
		ShutdownTimeout: getEnvDuration("BILLRUN_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout),
		HealthPort:      getEnv("BILLRUN_HEALTH_PORT", cfg.HealthPort),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig(cfg storage.Config) storage.Config {
	if driver := getEnv("BILLRUN_STORAGE_DRIVER", ""); driver != "" {
		cfg.Driver = driver
	}

	// PostgreSQL config
	if pgURL := getEnv("BILLRUN_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if replicaURLs := getEnv("BILLRUN_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = postgres.ParseReplicaURLs(replicaURLs)
	}
	if maxConns := getEnvInt("BILLRUN_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("BILLRUN_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("BILLRUN_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	// Redis config
	if redisURL := getEnv("BILLRUN_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("BILLRUN_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("BILLRUN_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("BILLRUN_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("BILLRUN_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	// Account cache config
	cfg.AccountCacheSize = getEnvInt("BILLRUN_ACCOUNT_CACHE_SIZE", cfg.AccountCacheSize)
	cfg.AccountCacheTTL = getEnvDuration("BILLRUN_ACCOUNT_CACHE_TTL", cfg.AccountCacheTTL)

	return cfg
}

// loadBillingConfig loads billing configuration from environment
func loadBillingConfig(cfg BillingConfig) BillingConfig {
	if _, set := os.LookupEnv("BILLRUN_SCHEDULE"); set {
		// Set but empty turns the in-process schedule off
		cfg.Schedule = os.Getenv("BILLRUN_SCHEDULE")
	}
	cfg.Workers = getEnvInt("BILLRUN_WORKERS", cfg.Workers)
	cfg.GatewayTimeout = getEnvDuration("BILLRUN_GATEWAY_TIMEOUT", cfg.GatewayTimeout)
	cfg.RunTimeout = getEnvDuration("BILLRUN_RUN_TIMEOUT", cfg.RunTimeout)
	cfg.LockTTL = getEnvDuration("BILLRUN_LOCK_TTL", cfg.LockTTL)
	cfg.MaxFailures = getEnvInt("BILLRUN_MAX_FAILURES", cfg.MaxFailures)
	cfg.GracePeriod = getEnvDuration("BILLRUN_GRACE_PERIOD", cfg.GracePeriod)
	cfg.RetryInterval = getEnvDuration("BILLRUN_RETRY_INTERVAL", cfg.RetryInterval)
	return cfg
}

// loadGatewayConfig loads gateway configuration from environment
func loadGatewayConfig(cfg GatewayConfig) GatewayConfig {
	return GatewayConfig{
		StripeSecretKey:     getEnv("BILLRUN_STRIPE_SECRET_KEY", cfg.StripeSecretKey),
		StripeWebhookSecret: getEnv("BILLRUN_STRIPE_WEBHOOK_SECRET", cfg.StripeWebhookSecret),
		StripeAPIURL:        getEnv("BILLRUN_STRIPE_API_URL", cfg.StripeAPIURL),
	}
}

// loadAuthConfig loads authentication configuration from environment
func loadAuthConfig(cfg AuthConfig) AuthConfig {
	return AuthConfig{
		SchedulerSecret: getEnv("BILLRUN_SCHEDULER_SECRET", cfg.SchedulerSecret),
		OIDCIssuerURL:   getEnv("BILLRUN_OIDC_ISSUER_URL", cfg.OIDCIssuerURL),
		OIDCAudience:    getEnv("BILLRUN_OIDC_AUDIENCE", cfg.OIDCAudience),
		OIDCRoleClaim:   getEnv("BILLRUN_OIDC_ROLE_CLAIM", cfg.OIDCRoleClaim),
		OperatorRole:    getEnv("BILLRUN_OPERATOR_ROLE", cfg.OperatorRole),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig(cfg ObservabilityConfig) ObservabilityConfig {
	out := ObservabilityConfig{
		Level:              getEnv("BILLRUN_LOG_LEVEL", cfg.Level),
		MetricsEnabled:     getEnvBool("BILLRUN_METRICS_ENABLED", cfg.MetricsEnabled),
		OTelEnabled:        getEnvBool("BILLRUN_OTEL_ENABLED", cfg.OTelEnabled),
		OTelEndpoint:       getEnv("BILLRUN_OTEL_ENDPOINT", cfg.OTelEndpoint),
		OTelServiceName:    getEnv("BILLRUN_OTEL_SERVICE_NAME", cfg.OTelServiceName),
		OTelServiceVersion: getEnv("BILLRUN_OTEL_SERVICE_VERSION", cfg.OTelServiceVersion),
		OTelInsecure:       getEnvBool("BILLRUN_OTEL_INSECURE", cfg.OTelInsecure),
		AuditLogDir:        getEnv("BILLRUN_AUDIT_LOG_DIR", cfg.AuditLogDir),
	}
	out.LogLevel = parseLogLevel(out.Level)
	return out
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	// Validate storage config based on driver
	switch c.Storage.Driver {
	case storage.DriverPostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	case storage.DriverMemory:
	default:
		return fmt.Errorf("invalid storage driver: %s (must be postgres or memory)", c.Storage.Driver)
	}

	// Validate billing config
	if c.Billing.Schedule != "" {
		if _, err := cron.ParseStandard(c.Billing.Schedule); err != nil {
			return fmt.Errorf("invalid billing schedule %q: %w", c.Billing.Schedule, err)
		}
	}
	if c.Billing.Workers < 1 {
		return fmt.Errorf("billing workers must be at least 1")
	}
	if c.Billing.GatewayTimeout <= 0 {
		return fmt.Errorf("gateway timeout must be positive")
	}
	if c.Billing.MaxFailures < 1 {
		return fmt.Errorf("max failures must be at least 1")
	}
	if c.Billing.GracePeriod <= 0 || c.Billing.RetryInterval <= 0 {
		return fmt.Errorf("grace period and retry interval must be positive")
	}
	if c.Billing.LockTTL != 0 && c.Billing.LockTTL <= c.Billing.GatewayTimeout {
		return fmt.Errorf("lock TTL must exceed the gateway timeout")
	}

	// Validate auth config
	if c.Auth.OIDCIssuerURL != "" && c.Auth.OperatorRole == "" {
		return fmt.Errorf("operator role is required when OIDC is enabled")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
