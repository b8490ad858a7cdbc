// Package config loads service configuration from the environment and an
// optional .env or YAML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/otpcare/takehome/internal/directory"
	"github.com/otpcare/takehome/internal/infrastructure/postgres"
	"github.com/otpcare/takehome/internal/infrastructure/redpanda"
	"github.com/otpcare/takehome/internal/observability/tracing"
	"github.com/otpcare/takehome/internal/order"
	"github.com/otpcare/takehome/internal/reporting"
	"github.com/otpcare/takehome/internal/risk"
	"github.com/otpcare/takehome/internal/verification"
)

// Config is the flat environment configuration shared by every binary
type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// DatabaseURL selects the Postgres store; empty runs on the in-memory store
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RedisURL        string        `mapstructure:"REDIS_URL"`
	ProfileCacheTTL time.Duration `mapstructure:"PROFILE_CACHE_TTL"`

	KafkaBrokers  []string `mapstructure:"KAFKA_BROKERS"`
	ConsumerGroup string   `mapstructure:"KAFKA_CONSUMER_GROUP"`

	TracingEnabled  bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	RegulatorURL     string        `mapstructure:"REGULATOR_URL"`
	RegulatorAPIKey  string        `mapstructure:"REGULATOR_API_KEY"`
	RegulatorTimeout time.Duration `mapstructure:"REGULATOR_TIMEOUT"`

	DirectoryURL    string `mapstructure:"DIRECTORY_URL"`
	DirectoryAPIKey string `mapstructure:"DIRECTORY_API_KEY"`

	// APIKeys is a comma separated list of key:client pairs
	APIKeys        []string `mapstructure:"API_KEYS"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	GeofenceRadiusFeet   float64 `mapstructure:"GEOFENCE_RADIUS_FEET"`
	BiometricThreshold   float64 `mapstructure:"BIOMETRIC_THRESHOLD"`
	RepeatedFailureLimit int     `mapstructure:"REPEATED_FAILURE_LIMIT"`

	MaxDaysSupply  int     `mapstructure:"MAX_DAYS_SUPPLY"`
	MaxDailyDoseMg float64 `mapstructure:"MAX_DAILY_DOSE_MG"`
	ClinicTimezone string  `mapstructure:"CLINIC_TIMEZONE"`

	ExpiryEnabled bool          `mapstructure:"EXPIRY_ENABLED"`
	ExpiryGrace   time.Duration `mapstructure:"EXPIRY_GRACE"`

	RiskPolicyFile string `mapstructure:"RISK_POLICY_FILE"`

	ReportBaseBackoff time.Duration `mapstructure:"REPORT_BASE_BACKOFF"`
	ReportMaxBackoff  time.Duration `mapstructure:"REPORT_MAX_BACKOFF"`
	ReportAckTimeout  time.Duration `mapstructure:"REPORT_ACK_TIMEOUT"`
	RelayWorkers      int           `mapstructure:"RELAY_WORKERS"`
	RelayInterval     time.Duration `mapstructure:"RELAY_INTERVAL"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "PROFILE_CACHE_TTL",
	"KAFKA_BROKERS", "KAFKA_CONSUMER_GROUP",
	"TRACING_ENABLED", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"REGULATOR_URL", "REGULATOR_API_KEY", "REGULATOR_TIMEOUT",
	"DIRECTORY_URL", "DIRECTORY_API_KEY",
	"API_KEYS", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"GEOFENCE_RADIUS_FEET", "BIOMETRIC_THRESHOLD", "REPEATED_FAILURE_LIMIT",
	"MAX_DAYS_SUPPLY", "MAX_DAILY_DOSE_MG", "CLINIC_TIMEZONE",
	"EXPIRY_ENABLED", "EXPIRY_GRACE",
	"RISK_POLICY_FILE",
	"REPORT_BASE_BACKOFF", "REPORT_MAX_BACKOFF", "REPORT_ACK_TIMEOUT", "RELAY_WORKERS", "RELAY_INTERVAL",
}

// Load reads configuration. When file is empty an optional .env in the working
// directory is read; environment variables always win.
func Load(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigFile(".env")
	}
	v.AutomaticEnv()

	vp := verification.DefaultPolicy()
	oc := order.DefaultConfig()
	rc := reporting.DefaultConfig()
	relay := reporting.DefaultRelayConfig()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("PROFILE_CACHE_TTL", "5m")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_CONSUMER_GROUP", redpanda.DefaultConsumerConfig().GroupID)
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("REGULATOR_TIMEOUT", reporting.DefaultChannelConfig().Timeout.String())
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("GEOFENCE_RADIUS_FEET", vp.GeofenceRadiusFeet)
	v.SetDefault("BIOMETRIC_THRESHOLD", vp.BiometricThreshold)
	v.SetDefault("REPEATED_FAILURE_LIMIT", vp.RepeatedFailureLimit)
	v.SetDefault("MAX_DAYS_SUPPLY", oc.MaxDays)
	v.SetDefault("MAX_DAILY_DOSE_MG", oc.MaxDailyDoseMg)
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("EXPIRY_GRACE", order.DefaultExpiryPolicy().Grace.String())
	v.SetDefault("REPORT_BASE_BACKOFF", rc.BaseBackoff.String())
	v.SetDefault("REPORT_MAX_BACKOFF", rc.MaxBackoff.String())
	v.SetDefault("REPORT_ACK_TIMEOUT", rc.AckTimeout.String())
	v.SetDefault("RELAY_WORKERS", relay.Workers)
	v.SetDefault("RELAY_INTERVAL", relay.PollInterval.String())

	// Unmarshal only sees env vars that are bound
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}

	if err := v.ReadInConfig(); err != nil && file != "" {
		return nil, fmt.Errorf("read config %s: %w", file, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.ClinicTimezone); err != nil {
		return fmt.Errorf("CLINIC_TIMEZONE: %w", err)
	}
	if c.BiometricThreshold < 0 || c.BiometricThreshold > 1 {
		return fmt.Errorf("BIOMETRIC_THRESHOLD must be within [0, 1], got %v", c.BiometricThreshold)
	}
	if c.GeofenceRadiusFeet <= 0 {
		return fmt.Errorf("GEOFENCE_RADIUS_FEET must be positive")
	}
	if c.RepeatedFailureLimit < 1 {
		return fmt.Errorf("REPEATED_FAILURE_LIMIT must be at least 1")
	}
	if c.IsProduction() && len(c.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required in production")
	}
	if _, err := c.Clients(); err != nil {
		return err
	}
	return nil
}

// IsProduction reports whether ENV=production
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Clients parses API_KEYS into key -> client id
func (c *Config) Clients() (map[string]string, error) {
	clients := make(map[string]string, len(c.APIKeys))
	for _, pair := range c.APIKeys {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, client, ok := strings.Cut(pair, ":")
		if !ok || key == "" || client == "" {
			return nil, fmt.Errorf("API_KEYS entry %q must be key:client", pair)
		}
		clients[key] = client
	}
	return clients, nil
}

// Logger builds the process logger at LOG_LEVEL
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zc := zap.NewProductionConfig()
	if !c.IsProduction() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Pool returns the Postgres pool settings
func (c *Config) Pool() postgres.PoolConfig {
	return postgres.PoolConfig{
		DSN:             c.DatabaseURL,
		MaxConns:        c.DBMaxConns,
		MinConns:        c.DBMinConns,
		MaxConnLifetime: time.Hour,
	}
}

// Tracing returns the tracer provider settings for service
func (c *Config) Tracing(service string) tracing.Config {
	tc := tracing.DefaultConfig(service)
	tc.Enabled = c.TracingEnabled
	tc.Environment = c.Env
	tc.OTLPEndpoint = c.OTLPEndpoint
	tc.SampleRate = c.TraceSampleRate
	return tc
}

// Producer returns the Redpanda producer settings
func (c *Config) Producer() redpanda.ProducerConfig {
	pc := redpanda.DefaultProducerConfig()
	pc.Brokers = c.KafkaBrokers
	return pc
}

// Consumer returns the acknowledgement consumer settings
func (c *Config) Consumer() redpanda.ConsumerConfig {
	cc := redpanda.DefaultConsumerConfig()
	cc.Brokers = c.KafkaBrokers
	cc.GroupID = c.ConsumerGroup
	return cc
}

// Channel returns the regulatory channel settings
func (c *Config) Channel() reporting.ChannelConfig {
	cc := reporting.DefaultChannelConfig()
	cc.BaseURL = c.RegulatorURL
	cc.APIKey = c.RegulatorAPIKey
	cc.Timeout = c.RegulatorTimeout
	return cc
}

// Directory returns the directory client settings
func (c *Config) Directory() directory.HTTPConfig {
	dc := directory.DefaultHTTPConfig()
	dc.BaseURL = c.DirectoryURL
	dc.APIKey = c.DirectoryAPIKey
	return dc
}

// Verification returns the verification policy
func (c *Config) Verification() verification.Policy {
	p := verification.DefaultPolicy()
	p.GeofenceRadiusFeet = c.GeofenceRadiusFeet
	p.BiometricThreshold = c.BiometricThreshold
	p.RepeatedFailureLimit = c.RepeatedFailureLimit
	return p
}

// Order returns order limits in the clinic's time zone
func (c *Config) Order() order.Config {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		loc = time.UTC
	}
	return order.Config{
		MaxDays:        c.MaxDaysSupply,
		MaxDailyDoseMg: c.MaxDailyDoseMg,
		Location:       loc,
	}
}

// Expiry returns the dose expiry policy
func (c *Config) Expiry() order.ExpiryPolicy {
	return order.ExpiryPolicy{Enabled: c.ExpiryEnabled, Grace: c.ExpiryGrace}
}

// Reporting returns the report retry schedule
func (c *Config) Reporting() reporting.Config {
	return reporting.Config{BaseBackoff: c.ReportBaseBackoff, MaxBackoff: c.ReportMaxBackoff, AckTimeout: c.ReportAckTimeout}
}

// Relay returns the report dispatch settings
func (c *Config) Relay() reporting.RelayConfig {
	rc := reporting.DefaultRelayConfig()
	rc.Workers = c.RelayWorkers
	rc.PollInterval = c.RelayInterval
	rc.CallTimeout = c.RegulatorTimeout + 5*time.Second
	return rc
}

// Risk returns the risk policy, overlaying RISK_POLICY_FILE on the defaults
func (c *Config) Risk() (risk.Policy, error) {
	p := risk.DefaultPolicy()
	if c.RiskPolicyFile == "" {
		return p, nil
	}
	v := viper.New()
	v.SetConfigFile(c.RiskPolicyFile)
	if err := v.ReadInConfig(); err != nil {
		return p, fmt.Errorf("read risk policy %s: %w", c.RiskPolicyFile, err)
	}
	if err := v.Unmarshal(&p); err != nil {
		return p, fmt.Errorf("decode risk policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("risk policy %s: %w", c.RiskPolicyFile, err)
	}
	return p, nil
}
