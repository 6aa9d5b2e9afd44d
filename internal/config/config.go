package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Checker-Finance/instrument-catalog/internal/normalize"
	pkgconfig "github.com/Checker-Finance/instrument-catalog/pkg/config"
)

// Config holds the runtime configuration of the catalog service.
type Config struct {
	ServiceName string // e.g. "instrument-catalog"
	Env         string // "dev", "uat", "prod"
	LogLevel    string

	// Source and store
	SourceLocation  string // http(s) URL, file:// URL or bare path
	StorePath       string
	FetchRetries    int
	FetchTimeout    time.Duration
	FetchBackoff    time.Duration
	MinPayloadBytes int64
	MinRows         int
	MinStoreBytes   int64

	// Scheduling, evaluated in the operating timezone
	SchedulerEnabled bool
	RefreshAt        time.Time // only HH:MM is meaningful
	PurgeAt          time.Time
	TimezoneName     string
	TimezoneOffset   string // "+05:30"; empty falls back to loading TimezoneName
	MisfireGrace     time.Duration

	SearchLimit int

	// HTTP adapter
	Port             int
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	HTTPBodyLimit    int
	AdminRatePerMin  int

	// Optional collaborators, disabled when their address is empty
	NATSURL           string
	NATSSubjectPrefix string
	NATSJetStream     bool

	RedisAddr string
	RedisDB   int
	RedisPass string
	LeaseTTL  time.Duration

	DatabaseURL string
	MirrorTable string
	PGMaxConns  int
	PGMinConns  int

	// File overrides (CATALOG_CONFIG)
	ConfigFile  string
	Schema      normalize.Schema
	StrikeSteps map[string]int64
}

// fileOverrides is the YAML document named by CATALOG_CONFIG.
type fileOverrides struct {
	Schema      normalize.Schema `yaml:"schema"`
	StrikeSteps map[string]int64 `yaml:"strike_steps"`
}

// Load loads configuration from environment variables and .env file if present,
// then applies the optional YAML overrides file.
func Load() (*Config, error) {
	// load .env silently (no error if missing)
	_ = godotenv.Load()

	cfg := &Config{
		ServiceName: pkgconfig.GetEnv("SERVICE_NAME", "instrument-catalog"),
		Env:         pkgconfig.GetEnv("ENV", "dev"),
		LogLevel:    pkgconfig.GetEnv("LOG_LEVEL", "info"),

		SourceLocation:  pkgconfig.GetEnv("CATALOG_SOURCE_URL", "https://images.dhan.co/api-data/api-scrip-master.csv"),
		StorePath:       pkgconfig.GetEnv("CATALOG_STORE_PATH", "instruments.db"),
		FetchRetries:    pkgconfig.GetEnvInt("CATALOG_FETCH_RETRIES", 3),
		FetchTimeout:    pkgconfig.GetEnvDuration("CATALOG_FETCH_TIMEOUT", 60*time.Second),
		FetchBackoff:    pkgconfig.GetEnvDuration("CATALOG_FETCH_BACKOFF", 2*time.Second),
		MinPayloadBytes: pkgconfig.GetEnvInt64("CATALOG_MIN_PAYLOAD_BYTES", 10*1024*1024),
		MinRows:         pkgconfig.GetEnvInt("CATALOG_MIN_ROWS", 50000),
		MinStoreBytes:   pkgconfig.GetEnvInt64("CATALOG_MIN_STORE_BYTES", 1024*1024),

		SchedulerEnabled: pkgconfig.GetEnvBool("CATALOG_SCHEDULER_ENABLED", true),
		RefreshAt:        pkgconfig.GetEnvTime("CATALOG_REFRESH_AT", "08:00"),
		PurgeAt:          pkgconfig.GetEnvTime("CATALOG_PURGE_AT", "15:45"),
		TimezoneName:     pkgconfig.GetEnv("CATALOG_TZ", "IST"),
		TimezoneOffset:   pkgconfig.GetEnv("CATALOG_TZ_OFFSET", "+05:30"),
		MisfireGrace:     pkgconfig.GetEnvDuration("CATALOG_MISFIRE_GRACE", 5*time.Minute),

		SearchLimit: pkgconfig.GetEnvInt("CATALOG_SEARCH_LIMIT", 30),

		Port:             pkgconfig.GetEnvInt("CATALOG_PORT", 9030),
		HTTPReadTimeout:  pkgconfig.GetEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
		HTTPWriteTimeout: pkgconfig.GetEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
		HTTPIdleTimeout:  pkgconfig.GetEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		HTTPBodyLimit:    pkgconfig.GetEnvInt("HTTP_BODY_LIMIT", 64*1024),
		AdminRatePerMin:  pkgconfig.GetEnvInt("CATALOG_ADMIN_RATE_PER_MIN", 6),

		NATSURL:           pkgconfig.GetEnv("NATS_URL", ""),
		NATSSubjectPrefix: pkgconfig.GetEnv("NATS_SUBJECT_PREFIX", "evt"),
		NATSJetStream:     pkgconfig.GetEnvBool("NATS_JETSTREAM", false),

		RedisAddr: pkgconfig.GetEnv("REDIS_ADDR", ""),
		RedisDB:   pkgconfig.GetEnvInt("REDIS_DB", 0),
		RedisPass: pkgconfig.GetEnv("REDIS_PASS", ""),
		LeaseTTL:  pkgconfig.GetEnvDuration("CATALOG_LEASE_TTL", 10*time.Minute),

		DatabaseURL: pkgconfig.GetEnv("DATABASE_URL", ""),
		MirrorTable: pkgconfig.GetEnv("CATALOG_MIRROR_TABLE", "reference.instruments"),
		PGMaxConns:  pkgconfig.GetEnvInt("PG_MAX_CONNS", 4),
		PGMinConns:  pkgconfig.GetEnvInt("PG_MIN_CONNS", 1),

		ConfigFile: pkgconfig.GetEnv("CATALOG_CONFIG", ""),
		Schema:     normalize.DefaultSchema(),
	}

	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var o fileOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.Schema = c.Schema.Merge(o.Schema)
	if len(o.StrikeSteps) > 0 {
		if c.StrikeSteps == nil {
			c.StrikeSteps = make(map[string]int64, len(o.StrikeSteps))
		}
		for root, step := range o.StrikeSteps {
			c.StrikeSteps[strings.ToUpper(root)] = step
		}
	}
	return nil
}

// Validate rejects values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.SourceLocation) == "" {
		errs = append(errs, errors.New("CATALOG_SOURCE_URL is required"))
	}
	if strings.TrimSpace(c.StorePath) == "" {
		errs = append(errs, errors.New("CATALOG_STORE_PATH is required"))
	}
	if c.FetchRetries < 0 {
		errs = append(errs, fmt.Errorf("CATALOG_FETCH_RETRIES must be >= 0, got %d", c.FetchRetries))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CATALOG_FETCH_TIMEOUT must be positive, got %s", c.FetchTimeout))
	}
	if c.MinPayloadBytes < 0 || c.MinRows < 0 || c.MinStoreBytes < 0 {
		errs = append(errs, errors.New("size gates must not be negative"))
	}
	if c.MisfireGrace < 0 {
		errs = append(errs, fmt.Errorf("CATALOG_MISFIRE_GRACE must not be negative, got %s", c.MisfireGrace))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("CATALOG_PORT out of range: %d", c.Port))
	}
	for root, step := range c.StrikeSteps {
		if step <= 0 {
			errs = append(errs, fmt.Errorf("strike step for %s must be positive, got %d", root, step))
		}
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location resolves the operating timezone. A fixed offset avoids depending on the
// host tz database.
func (c *Config) Location() (*time.Location, error) {
	if c.TimezoneOffset != "" {
		off, err := parseOffset(c.TimezoneOffset)
		if err != nil {
			return nil, err
		}
		return time.FixedZone(c.TimezoneName, off), nil
	}
	loc, err := time.LoadLocation(c.TimezoneName)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.TimezoneName, err)
	}
	return loc, nil
}

// parseOffset reads "+05:30" / "-04:00" into seconds east of UTC.
func parseOffset(s string) (int, error) {
	t, err := time.Parse("-07:00", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid CATALOG_TZ_OFFSET %q: %w", s, err)
	}
	_, off := t.Zone()
	return off, nil
}
