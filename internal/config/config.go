package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Store drivers understood by the application wiring.
const (
	StoreMemory  = "memory"
	StoreBadger  = "badger"
	StoreSurreal = "surreal"
)

// Membership drivers understood by the application wiring.
const (
	MembershipStatic   = "static"
	MembershipPostgres = "postgres"
)

// Config holds all configuration for the application.
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR,default=:8080"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`

	JWTSecret string        `env:"JWT_SECRET,required=true"`
	JWTIssuer string        `env:"JWT_ISSUER,default=parley"`
	TokenTTL  time.Duration `env:"TOKEN_TTL,default=24h"`

	RateLimitMax    int           `env:"RATE_LIMIT_MAX,default=60"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW,default=60s"`

	TypingTimeout       time.Duration `env:"TYPING_TIMEOUT,default=3s"`
	SweepInterval       time.Duration `env:"SWEEP_INTERVAL,default=5m"`
	InactivityThreshold time.Duration `env:"INACTIVITY_THRESHOLD,default=30m"`

	RecentMessagesLimit int `env:"RECENT_MESSAGES_LIMIT,default=50"`
	OfflineQueueLimit   int `env:"OFFLINE_QUEUE_LIMIT,default=500"`
	SendBuffer          int `env:"SEND_BUFFER,default=256"`
	InboundBuffer       int `env:"INBOUND_BUFFER,default=64"`
	ReadLimit           int `env:"WS_READ_LIMIT,default=65536"`
	UpgradeRatePerMin   int `env:"UPGRADE_RATE_PER_MIN,default=30"`

	WriteTimeout    time.Duration `env:"WS_WRITE_TIMEOUT,default=10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	AllowedOrigins  string        `env:"ALLOWED_ORIGINS"`

	StoreDriver string `env:"STORE_DRIVER,default=memory"`
	BadgerPath  string `env:"BADGER_PATH,default=data/badger"`

	SurrealURL  string `env:"SURREAL_URL"`
	SurrealUser string `env:"SURREAL_USER"`
	SurrealPass string `env:"SURREAL_PASS"`
	SurrealNS   string `env:"SURREAL_NS,default=parley"`
	SurrealDB   string `env:"SURREAL_DB,default=parley"`

	SurrealTimeout time.Duration `env:"SURREAL_TIMEOUT,default=5s"`

	MembershipDriver string `env:"MEMBERSHIP_DRIVER,default=static"`
	MembershipDSN    string `env:"MEMBERSHIP_DSN"`
	StaticGroups     string `env:"STATIC_GROUPS"`
}

// New loads configuration from a .env file (if present) and the process environment.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// slog is not configured yet at this point.
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{}
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromMap builds a Config from an explicit key/value set. Defaults apply to missing keys.
func FromMap(values map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.Unmarshal(env.EnvSet(values), cfg); err != nil {
		return nil, fmt.Errorf("failed to read config values: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that limits and durations are usable and that drivers are known.
func (c *Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}
	positiveDurations := map[string]time.Duration{
		"TOKEN_TTL":            c.TokenTTL,
		"RATE_LIMIT_WINDOW":    c.RateLimitWindow,
		"TYPING_TIMEOUT":       c.TypingTimeout,
		"SWEEP_INTERVAL":       c.SweepInterval,
		"INACTIVITY_THRESHOLD": c.InactivityThreshold,
		"WS_WRITE_TIMEOUT":     c.WriteTimeout,
		"SHUTDOWN_TIMEOUT":     c.ShutdownTimeout,
		"SURREAL_TIMEOUT":      c.SurrealTimeout,
	}
	for name, d := range positiveDurations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive duration", name))
		}
	}
	positiveInts := map[string]int{
		"RATE_LIMIT_MAX":        c.RateLimitMax,
		"RECENT_MESSAGES_LIMIT": c.RecentMessagesLimit,
		"OFFLINE_QUEUE_LIMIT":   c.OfflineQueueLimit,
		"SEND_BUFFER":           c.SendBuffer,
		"INBOUND_BUFFER":        c.InboundBuffer,
		"WS_READ_LIMIT":         c.ReadLimit,
		"UPGRADE_RATE_PER_MIN":  c.UpgradeRatePerMin,
	}
	for name, v := range positiveInts {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be greater than zero", name))
		}
	}

	switch c.StoreDriver {
	case StoreMemory:
	case StoreBadger:
		if c.BadgerPath == "" {
			errs = append(errs, errors.New("BADGER_PATH must be set for the badger store"))
		}
	case StoreSurreal:
		if c.SurrealURL == "" || c.SurrealNS == "" || c.SurrealDB == "" {
			errs = append(errs, errors.New("SURREAL_URL, SURREAL_NS and SURREAL_DB must be set for the surreal store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	switch c.MembershipDriver {
	case MembershipStatic:
	case MembershipPostgres:
		if c.MembershipDSN == "" {
			errs = append(errs, errors.New("MEMBERSHIP_DSN must be set for the postgres membership driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown MEMBERSHIP_DRIVER %q", c.MembershipDriver))
	}

	return errors.Join(errs...)
}

// Groups parses STATIC_GROUPS ("team1=alice|bob;lobby=*") into group -> member ids.
// A "*" member marks the group as open to every identity.
func (c *Config) Groups() map[string][]string {
	groups := make(map[string][]string)
	for _, entry := range strings.Split(c.StaticGroups, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, members, found := strings.Cut(entry, "=")
		if !found || strings.TrimSpace(name) == "" {
			continue
		}
		for _, m := range strings.Split(members, "|") {
			if m = strings.TrimSpace(m); m != "" {
				groups[strings.TrimSpace(name)] = append(groups[strings.TrimSpace(name)], m)
			}
		}
	}
	return groups
}

// Origins splits ALLOWED_ORIGINS on commas.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Getenv is a small helper used by the CLI for flags that default to an env value.
func Getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
