package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ContentStoreMongo  = "mongo"
	ContentStoreBadger = "badger"
	ContentStoreMemory = "memory"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DatabaseReplicaURL string        `mapstructure:"DATABASE_REPLICA_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir      string        `mapstructure:"MIGRATIONS_DIR"`
	ContentStore       string        `mapstructure:"CONTENT_STORE"`
	MongoURI           string        `mapstructure:"MONGO_URI"`
	MongoDatabase      string        `mapstructure:"MONGO_DATABASE"`
	BadgerDir          string        `mapstructure:"BADGER_DIR"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	ContentCacheTTL    time.Duration `mapstructure:"CONTENT_CACHE_TTL"`
	EventsChannel      string        `mapstructure:"EVENTS_CHANNEL"`
	ConsentServiceURL  string        `mapstructure:"CONSENT_SERVICE_URL"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL        string        `mapstructure:"AUTH_JWKS_URL"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	BodyLimit          string        `mapstructure:"BODY_LIMIT"`
	PayloadBodyLimit   string        `mapstructure:"PAYLOAD_BODY_LIMIT"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	AbandonAfter       time.Duration `mapstructure:"ABANDON_AFTER"`
	OTelEnabled        bool          `mapstructure:"OTEL_ENABLED"`
	OTelEndpoint       string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelSampleRatio    float64       `mapstructure:"OTEL_SAMPLE_RATIO"`
}

var keys = []string{
	"PORT", "ENV",
	"DATABASE_URL", "DATABASE_REPLICA_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"CONTENT_STORE", "MONGO_URI", "MONGO_DATABASE", "BADGER_DIR",
	"REDIS_URL", "CONTENT_CACHE_TTL", "EVENTS_CHANNEL",
	"CONSENT_SERVICE_URL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"CORS_ORIGINS", "BODY_LIMIT", "PAYLOAD_BODY_LIMIT", "REQUEST_TIMEOUT",
	"ABANDON_AFTER",
	"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SAMPLE_RATIO",
}

// Load reads .env (if present) and the environment. It applies defaults but
// does not validate; call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("CONTENT_STORE", ContentStoreMongo)
	v.SetDefault("MONGO_DATABASE", "ehr")
	v.SetDefault("BADGER_DIR", "data/badger")
	v.SetDefault("CONTENT_CACHE_TTL", "10m")
	v.SetDefault("EVENTS_CHANNEL", "ehr.records")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("PAYLOAD_BODY_LIMIT", "8M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("ABANDON_AFTER", "2m")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)

	// Unmarshal only sees keys viper knows about.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Env and .env values arrive as one string; viper's own split keeps the
	// whitespace around each entry.
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.ContentStore = strings.ToLower(strings.TrimSpace(cfg.ContentStore))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to serve with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	switch c.ContentStore {
	case ContentStoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when CONTENT_STORE is %q", ContentStoreMongo)
		}
	case ContentStoreBadger:
		if c.BadgerDir == "" {
			return fmt.Errorf("BADGER_DIR is required when CONTENT_STORE is %q", ContentStoreBadger)
		}
	case ContentStoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("CONTENT_STORE %q is not durable and cannot be used in production", ContentStoreMemory)
		}
	default:
		return fmt.Errorf("CONTENT_STORE must be %q, %q or %q, got %q",
			ContentStoreMongo, ContentStoreBadger, ContentStoreMemory, c.ContentStore)
	}

	if !c.IsDev() && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_ISSUER must be set outside development (ENV=%q); "+
			"refusing to start without token validation", c.Env)
	}
	if c.AuthIssuer != "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_JWKS_URL is required when AUTH_ISSUER is set")
	}
	// An append still inside its request deadline must never look abandoned.
	if c.RequestTimeout > 0 && c.AbandonAfter <= c.RequestTimeout {
		return fmt.Errorf("ABANDON_AFTER (%s) must exceed REQUEST_TIMEOUT (%s)", c.AbandonAfter, c.RequestTimeout)
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be within [0, 1], got %v", c.OTelSampleRatio)
	}
	return nil
}
