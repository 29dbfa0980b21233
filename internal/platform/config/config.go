// Package config loads and validates service configuration from the
// environment, an optional .env file and an optional TOML file using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"clublink/internal/calendar"
	dErrors "clublink/pkg/domain-errors"
)

// Config holds application configuration.
type Config struct {
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// Env is the deployment environment ("development", "production").
	Env      string `mapstructure:"APP_ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// StoreDriver selects "postgres" or "memory".
	StoreDriver    string `mapstructure:"STORE_DRIVER"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	DBMaxOpenConns int    `mapstructure:"DB_MAX_OPEN_CONNS"`

	// Calendar rules, evaluated in OrgTimezone.
	OrgTimezone  string `mapstructure:"ORG_TIMEZONE"`
	ExpiryMonth  int    `mapstructure:"EXPIRY_MONTH"`
	ExpiryDay    int    `mapstructure:"EXPIRY_DAY"`
	RenewalMonth int    `mapstructure:"RENEWAL_MONTH"`
	RenewalDay   int    `mapstructure:"RENEWAL_DAY"`

	// Reconciliation daemon.
	ExpiryCheckIntervalSeconds int           `mapstructure:"EXPIRY_CHECK_INTERVAL_SECONDS"`
	MemberDelay                time.Duration `mapstructure:"RECONCILE_MEMBER_DELAY"`
	CallTimeout                time.Duration `mapstructure:"RECONCILE_CALL_TIMEOUT"`
	ReconcileEnabled           bool          `mapstructure:"RECONCILE_ENABLED"`

	// Community platform.
	PlatformBaseURL      string `mapstructure:"PLATFORM_BASE_URL"`
	PlatformTeamID       string `mapstructure:"PLATFORM_TEAM_ID"`
	PlatformServiceToken string `mapstructure:"PLATFORM_SERVICE_TOKEN"`

	// Verification authority.
	VerifyURL             string        `mapstructure:"VERIFY_URL"`
	VerifyTransformURLs   string        `mapstructure:"VERIFY_TRANSFORM_URLS"`
	VerifyAPIUser         string        `mapstructure:"VERIFY_API_USER"`
	VerifyAPIPassword     string        `mapstructure:"VERIFY_API_PASSWORD"`
	VerifyClientReference string        `mapstructure:"VERIFY_CLIENT_REFERENCE"`
	VerifyObjectName      string        `mapstructure:"VERIFY_OBJECT_NAME"`
	VerifySharedSecret    string        `mapstructure:"VERIFY_SHARED_SECRET"`
	VerifyServiceToken    string        `mapstructure:"VERIFY_SERVICE_TOKEN"`
	VerifyTimeout         time.Duration `mapstructure:"VERIFY_TIMEOUT"`

	// Non-production verification bypass. The credential is stored as a
	// bcrypt hash.
	BackdoorOrgID          string `mapstructure:"BACKDOOR_ORG_ID"`
	BackdoorCredentialHash string `mapstructure:"BACKDOOR_CREDENTIAL_HASH"`

	// Administration.
	AdminPlatformID string `mapstructure:"ADMIN_PLATFORM_ID"`
	AdminJWTSecret  string `mapstructure:"ADMIN_JWT_SECRET"`

	AuditLogDir string `mapstructure:"AUDIT_LOG_DIR"`

	// Link attempts allowed per account in LinkRateWindow. Zero disables.
	LinkRateLimit  int           `mapstructure:"LINK_RATE_LIMIT"`
	LinkRateWindow time.Duration `mapstructure:"LINK_RATE_WINDOW"`

	// Optional infrastructure.
	RedisURL     string `mapstructure:"REDIS_URL"`
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	EventsTopic  string `mapstructure:"EVENTS_TOPIC"`
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// RedisConfig configures the optional Redis client.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

var defaults = map[string]any{
	"HTTP_ADDR":                     ":8080",
	"APP_ENV":                       "development",
	"LOG_LEVEL":                     "info",
	"STORE_DRIVER":                  "postgres",
	"DATABASE_URL":                  "",
	"DB_MAX_OPEN_CONNS":             10,
	"ORG_TIMEZONE":                  "Europe/London",
	"EXPIRY_MONTH":                  8,
	"EXPIRY_DAY":                    31,
	"RENEWAL_MONTH":                 9,
	"RENEWAL_DAY":                   14,
	"EXPIRY_CHECK_INTERVAL_SECONDS": 3600,
	"RECONCILE_MEMBER_DELAY":        "1s",
	"RECONCILE_CALL_TIMEOUT":        "10s",
	"RECONCILE_ENABLED":             true,
	"PLATFORM_BASE_URL":             "https://lichess.org",
	"PLATFORM_TEAM_ID":              "",
	"PLATFORM_SERVICE_TOKEN":        "",
	"VERIFY_URL":                    "",
	"VERIFY_TRANSFORM_URLS":         "",
	"VERIFY_API_USER":               "AzolveAPI",
	"VERIFY_API_PASSWORD":           "",
	"VERIFY_CLIENT_REFERENCE":       "ECF",
	"VERIFY_OBJECT_NAME":            "Cus_SSO_Pin",
	"VERIFY_SHARED_SECRET":          "",
	"VERIFY_SERVICE_TOKEN":          "",
	"VERIFY_TIMEOUT":                "10s",
	"BACKDOOR_ORG_ID":               "",
	"BACKDOOR_CREDENTIAL_HASH":      "",
	"ADMIN_PLATFORM_ID":             "",
	"ADMIN_JWT_SECRET":              "",
	"AUDIT_LOG_DIR":                 ".",
	"LINK_RATE_LIMIT":               5,
	"LINK_RATE_WINDOW":              "15m",
	"REDIS_URL":                     "",
	"KAFKA_BROKERS":                 "",
	"EVENTS_TOPIC":                  "clublink.membership",
	"OTEL_EXPORTER_OTLP_ENDPOINT":   "",
}

// maxTransformStages bounds the verification transform chain.
const maxTransformStages = 2

// Load reads .env and the TOML file named by CONFIG_FILE (default
// config.toml) when present, then lets environment variables override both.
// Every validation failure is a configuration error.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // missing .env is fine

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.toml"
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.MergeInConfig(); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, fmt.Sprintf("read %s", path))
		}
	}

	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field rules.
func (c *Config) Validate() error {
	var problems []error

	if c.HTTPAddr == "" {
		problems = append(problems, errors.New("HTTP_ADDR must be set"))
	}
	if _, err := c.Policy(); err != nil {
		problems = append(problems, err)
	}
	if c.ExpiryCheckIntervalSeconds <= 0 {
		problems = append(problems, errors.New("EXPIRY_CHECK_INTERVAL_SECONDS must be positive"))
	}
	if c.MemberDelay < 0 {
		problems = append(problems, errors.New("RECONCILE_MEMBER_DELAY must not be negative"))
	}
	if c.CallTimeout <= 0 {
		problems = append(problems, errors.New("RECONCILE_CALL_TIMEOUT must be positive"))
	}
	if c.LinkRateLimit < 0 {
		problems = append(problems, errors.New("LINK_RATE_LIMIT must not be negative"))
	}
	if c.LinkRateLimit > 0 && c.LinkRateWindow <= 0 {
		problems = append(problems, errors.New("LINK_RATE_WINDOW must be positive when LINK_RATE_LIMIT is set"))
	}
	if c.VerifyTimeout <= 0 {
		problems = append(problems, errors.New("VERIFY_TIMEOUT must be positive"))
	}
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			problems = append(problems, errors.New("DATABASE_URL must be set when STORE_DRIVER=postgres"))
		}
	case "memory":
	default:
		problems = append(problems, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.StoreDriver))
	}
	if n := len(c.TransformURLs()); n > maxTransformStages {
		problems = append(problems, fmt.Errorf("VERIFY_TRANSFORM_URLS accepts at most %d endpoints, got %d", maxTransformStages, n))
	}
	if c.BackdoorEnabled() && c.IsProduction() {
		problems = append(problems, errors.New("BACKDOOR_ORG_ID must not be set when APP_ENV=production"))
	}
	if (c.BackdoorOrgID == "") != (c.BackdoorCredentialHash == "") {
		problems = append(problems, errors.New("BACKDOOR_ORG_ID and BACKDOOR_CREDENTIAL_HASH must be set together"))
	}

	if len(problems) > 0 {
		return dErrors.Wrap(errors.Join(problems...), dErrors.CodeConfiguration, "invalid configuration")
	}
	return nil
}

// Policy builds the calendar policy from the timezone and cutoff dates.
func (c *Config) Policy() (*calendar.Policy, error) {
	return calendar.NewPolicy(c.OrgTimezone,
		calendar.MonthDay{Month: time.Month(c.ExpiryMonth), Day: c.ExpiryDay},
		calendar.MonthDay{Month: time.Month(c.RenewalMonth), Day: c.RenewalDay},
	)
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func (c *Config) BackdoorEnabled() bool {
	return c.BackdoorOrgID != "" && c.BackdoorCredentialHash != ""
}

// Interval is the pause between reconciliation cycles.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.ExpiryCheckIntervalSeconds) * time.Second
}

// TransformURLs returns the verification transform endpoints in call order.
func (c *Config) TransformURLs() []string {
	return splitList(c.VerifyTransformURLs)
}

// KafkaBrokerList returns broker addresses from the comma-separated config.
// An empty list disables event publishing.
func (c *Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

// Redis returns the Redis client settings.
func (c *Config) Redis() RedisConfig {
	return RedisConfig{
		URL:          c.RedisURL,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
