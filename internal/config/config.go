package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/PratikDhanave/feed-cdc-service/internal/canonical"
	"github.com/PratikDhanave/feed-cdc-service/internal/poller"
	"github.com/PratikDhanave/feed-cdc-service/internal/store"
)

// ErrConfiguration is returned for missing or invalid settings. It is
// only ever fatal at startup.
var ErrConfiguration = errors.New("configuration error")

// Feed is one upstream source. An empty URL disables it.
type Feed struct {
	URL          string
	PollInterval time.Duration
}

// Backfill configures the redacted-document rescan.
type Backfill struct {
	// Interval 0 disables the scan.
	Interval time.Duration
	Cooldown time.Duration
	Rate     float64
}

// Config contains runtime configuration required by the service.
type Config struct {
	DBURL     string
	StoreKind store.Kind

	Primary   Feed
	Secondary Feed
	Backfill  Backfill

	PageSize       int
	RequestTimeout time.Duration
	UserAgent      string
	Precision      canonical.Precision
	SeedMode       poller.SeedMode

	NotifyPostgres    bool
	NATSURL           string
	NATSSubjectPrefix string

	HTTPAddr string
	LogLevel string
	APIKeys  map[string]string // apiKey -> clientID
}

// New returns a viper instance with defaults applied that reads the
// environment and, when configFile is set, a YAML/JSON/TOML file.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault("PRIMARY_POLL_INTERVAL", "1s")
	v.SetDefault("SECONDARY_POLL_INTERVAL", "2m")
	v.SetDefault("BACKFILL_INTERVAL", "2m")
	v.SetDefault("BACKFILL_COOLDOWN", "1h")
	v.SetDefault("BACKFILL_RATE", "2")
	v.SetDefault("PAGE_SIZE", "100")
	v.SetDefault("REQUEST_TIMEOUT", "5s")
	v.SetDefault("TIMESTAMP_PRECISION", "ms")
	v.SetDefault("SEED_MODE", string(poller.SeedEpoch))
	v.SetDefault("NATS_SUBJECT_PREFIX", "feedcdc")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrConfiguration, configFile, err)
		}
	}
	return v, nil
}

// Load reads configuration from the environment and the optional file.
func Load(configFile string) (Config, error) {
	v, err := New(configFile)
	if err != nil {
		return Config{}, err
	}
	return FromViper(v)
}

// FromViper validates the settings held by v.
func FromViper(v *viper.Viper) (Config, error) {
	p := parser{v: v}
	cfg := Config{
		DBURL:             p.str("DB_URL"),
		PageSize:          p.positiveInt("PAGE_SIZE"),
		RequestTimeout:    p.duration("REQUEST_TIMEOUT", false),
		UserAgent:         p.str("USER_AGENT"),
		NATSURL:           p.str("NATS_URL"),
		NATSSubjectPrefix: p.str("NATS_SUBJECT_PREFIX"),
		HTTPAddr:          p.str("HTTP_ADDR"),
		LogLevel:          p.str("LOG_LEVEL"),
		Primary: Feed{
			URL:          p.feedURL("PRIMARY_FEED_URL"),
			PollInterval: p.duration("PRIMARY_POLL_INTERVAL", false),
		},
		Secondary: Feed{
			URL:          p.feedURL("SECONDARY_FEED_URL"),
			PollInterval: p.duration("SECONDARY_POLL_INTERVAL", false),
		},
		Backfill: Backfill{
			Interval: p.duration("BACKFILL_INTERVAL", true),
			Cooldown: p.duration("BACKFILL_COOLDOWN", true),
			Rate:     p.rate("BACKFILL_RATE"),
		},
	}

	if cfg.DBURL == "" {
		p.fail("DB_URL required")
	} else if kind, _, err := store.KindOf(cfg.DBURL); err != nil {
		p.fail("DB_URL: %v", err)
	} else {
		cfg.StoreKind = kind
	}

	if prec, err := canonical.ParsePrecision(p.str("TIMESTAMP_PRECISION")); err != nil {
		p.fail("TIMESTAMP_PRECISION: %v", err)
	} else {
		cfg.Precision = prec
	}
	if seed, err := poller.ParseSeedMode(p.str("SEED_MODE")); err != nil {
		p.fail("SEED_MODE: %v", err)
	} else {
		cfg.SeedMode = seed
	}

	cfg.NotifyPostgres = cfg.StoreKind == store.KindPostgres
	if raw := p.str("NOTIFY_POSTGRES"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			p.fail("NOTIFY_POSTGRES must be a boolean, got %q", raw)
		}
		cfg.NotifyPostgres = b
	}
	if cfg.NotifyPostgres && cfg.StoreKind == store.KindSQLite {
		p.fail("NOTIFY_POSTGRES requires a postgres DB_URL")
	}

	keys, err := ParseAPIKeys(p.str("API_KEYS"))
	if err != nil {
		p.fail("%v", err)
	}
	cfg.APIKeys = keys

	if len(p.errs) > 0 {
		return Config{}, fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(p.errs, "; "))
	}
	return cfg, nil
}

// RequireFeeds reports an error unless the primary feed is configured.
// Only the ingester needs it; migrate and load run without one.
func (c Config) RequireFeeds() error {
	if c.Primary.URL == "" {
		return fmt.Errorf("%w: PRIMARY_FEED_URL required", ErrConfiguration)
	}
	return nil
}

// ParseAPIKeys parses "client1:key1,client2:key2" into key -> client.
func ParseAPIKeys(raw string) (map[string]string, error) {
	apiKeys := map[string]string{}
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			return nil, errors.New(`API_KEYS must be "client:key,client:key"`)
		}
		client := strings.TrimSpace(parts[0])
		key := strings.TrimSpace(parts[1])
		if client == "" || key == "" {
			return nil, errors.New(`API_KEYS must be "client:key,client:key"`)
		}
		apiKeys[key] = client
	}
	return apiKeys, nil
}

// parser collects every invalid setting so one startup reports them all.
type parser struct {
	v    *viper.Viper
	errs []string
}

func (p *parser) fail(format string, args ...any) {
	p.errs = append(p.errs, fmt.Sprintf(format, args...))
}

func (p *parser) str(key string) string {
	return strings.TrimSpace(p.v.GetString(key))
}

func (p *parser) duration(key string, allowZero bool) time.Duration {
	raw := p.str(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.fail("%s: invalid duration %q", key, raw)
		return 0
	}
	if d < 0 || (d == 0 && !allowZero) {
		p.fail("%s must be positive, got %s", key, raw)
	}
	return d
}

func (p *parser) positiveInt(key string) int {
	raw := p.str(key)
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		p.fail("%s must be a positive integer, got %q", key, raw)
	}
	return n
}

func (p *parser) rate(key string) float64 {
	raw := p.str(key)
	r, err := strconv.ParseFloat(raw, 64)
	if err != nil || r <= 0 {
		p.fail("%s must be a positive number, got %q", key, raw)
	}
	return r
}

func (p *parser) feedURL(key string) string {
	raw := p.str(key)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		p.fail("%s must be an absolute http(s) URL, got %q", key, raw)
	}
	return raw
}
