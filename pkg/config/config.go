// Package config loads recordsync configuration from a YAML file and
// RECORDSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Sternrassler/recordsync/pkg/cache"
	"github.com/Sternrassler/recordsync/pkg/client"
	"github.com/Sternrassler/recordsync/pkg/engine"
	"github.com/Sternrassler/recordsync/pkg/logging"
	"github.com/Sternrassler/recordsync/pkg/pagination"
	"github.com/Sternrassler/recordsync/pkg/record"
	"github.com/Sternrassler/recordsync/pkg/scroll"
	"github.com/Sternrassler/recordsync/pkg/search"
	"github.com/Sternrassler/recordsync/pkg/transition"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RECORDSYNC_API_BASE_URL.
const EnvPrefix = "RECORDSYNC"

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config holds application configuration.
type Config struct {
	API         APIConfig        `mapstructure:"api"`
	Pagination  PaginationConfig `mapstructure:"pagination"`
	Cache       CacheConfig      `mapstructure:"cache"`
	Store       StoreConfig      `mapstructure:"store"`
	Scroll      ScrollConfig     `mapstructure:"scroll"`
	Search      SearchConfig     `mapstructure:"search"`
	Transitions []TransitionRule `mapstructure:"transitions"`
	Log         LogConfig        `mapstructure:"log"`
	Server      ServerConfig     `mapstructure:"server"`
	Views       []ViewConfig     `mapstructure:"views"`
}

// APIConfig configures the remote data API client.
type APIConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	UserAgent        string        `mapstructure:"user_agent"`
	PageSize         int           `mapstructure:"page_size"`
	LookupTimeout    time.Duration `mapstructure:"lookup_timeout"`
	AggregateTimeout time.Duration `mapstructure:"aggregate_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
}

// PaginationConfig configures the offset/cursor switch.
type PaginationConfig struct {
	OffsetCeiling int `mapstructure:"offset_ceiling"`
}

// CacheConfig configures cache TTLs.
type CacheConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	CountsTTL  time.Duration `mapstructure:"counts_ttl"`
}

// StoreConfig selects the key-value backend for cache entries, snapshots
// and rate limit state.
type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	RedisAddr  string `mapstructure:"redis_addr"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// ScrollConfig configures the scroll trigger.
type ScrollConfig struct {
	Margin   float64       `mapstructure:"margin"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// SearchConfig configures search debouncing.
type SearchConfig struct {
	QuietPeriod time.Duration `mapstructure:"quiet_period"`
}

// TransitionRule lists the statuses a record in From may move to. Rules are
// a list rather than a map because configuration keys are case-insensitive
// while statuses are not.
type TransitionRule struct {
	From string   `mapstructure:"from"`
	To   []string `mapstructure:"to"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// ViewConfig declares one dashboard page served by the engine.
type ViewConfig struct {
	Name            string            `mapstructure:"name"`
	Resource        string            `mapstructure:"resource"`
	Search          string            `mapstructure:"search"`
	Filters         map[string]string `mapstructure:"filters"`
	CountField      string            `mapstructure:"count_field"`
	ExplicitHasMore bool              `mapstructure:"explicit_has_more"`
	Aggregate       bool              `mapstructure:"aggregate"`
}

// Default returns the built-in configuration.
func Default() Config {
	retry := client.DefaultRetryConfig()
	return Config{
		API: APIConfig{
			BaseURL:          "http://localhost:8081/api",
			UserAgent:        "recordsync/0.1.0",
			PageSize:         pagination.DefaultConfig().PageSize,
			LookupTimeout:    30 * time.Second,
			AggregateTimeout: 5 * time.Minute,
			MaxRetries:       retry.MaxRetries,
			InitialBackoff:   retry.InitialBackoff,
		},
		Pagination: PaginationConfig{
			OffsetCeiling: pagination.DefaultConfig().OffsetCeiling,
		},
		Cache: CacheConfig{
			DefaultTTL: cache.DefaultTTL,
			CountsTTL:  cache.CountsTTL,
		},
		Store: StoreConfig{
			Backend:    BackendMemory,
			RedisAddr:  "localhost:6379",
			SQLitePath: "recordsync.db",
		},
		Scroll: ScrollConfig{
			Margin:   scroll.DefaultConfig().Margin,
			Debounce: scroll.DefaultConfig().Debounce,
		},
		Search: SearchConfig{
			QuietPeriod: search.DefaultConfig().QuietPeriod,
		},
		Log: LogConfig{
			Level: string(logging.LevelInfo),
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Views: []ViewConfig{
			{Name: "work-orders", Resource: "work-orders", CountField: "status"},
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.user_agent", d.API.UserAgent)
	v.SetDefault("api.page_size", d.API.PageSize)
	v.SetDefault("api.lookup_timeout", d.API.LookupTimeout)
	v.SetDefault("api.aggregate_timeout", d.API.AggregateTimeout)
	v.SetDefault("api.max_retries", d.API.MaxRetries)
	v.SetDefault("api.initial_backoff", d.API.InitialBackoff)

	v.SetDefault("pagination.offset_ceiling", d.Pagination.OffsetCeiling)

	v.SetDefault("cache.default_ttl", d.Cache.DefaultTTL)
	v.SetDefault("cache.counts_ttl", d.Cache.CountsTTL)

	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.redis_addr", d.Store.RedisAddr)
	v.SetDefault("store.sqlite_path", d.Store.SQLitePath)

	v.SetDefault("scroll.margin", d.Scroll.Margin)
	v.SetDefault("scroll.debounce", d.Scroll.Debounce)

	v.SetDefault("search.quiet_period", d.Search.QuietPeriod)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)

	v.SetDefault("server.addr", d.Server.Addr)
}

// Load reads configuration from path (if non-empty) and the environment.
// Without a path, RECORDSYNC_CONFIG is consulted and then ./recordsync.yaml
// if present.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("recordsync")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(c.Views) == 0 {
		c.Views = Default().Views
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration for values no component can work with.
func (c Config) Validate() error {
	if _, err := url.Parse(c.API.BaseURL); err != nil || c.API.BaseURL == "" {
		return fmt.Errorf("invalid api.base_url %q", c.API.BaseURL)
	}
	if c.API.PageSize <= 0 {
		return fmt.Errorf("api.page_size must be positive (got %d)", c.API.PageSize)
	}
	if c.Pagination.OffsetCeiling <= 0 {
		return fmt.Errorf("pagination.offset_ceiling must be positive (got %d)", c.Pagination.OffsetCeiling)
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
	default:
		return fmt.Errorf("unknown store.backend %q (memory, redis or sqlite)", c.Store.Backend)
	}

	seen := make(map[string]bool, len(c.Views))
	for i, view := range c.Views {
		if view.Name == "" || view.Resource == "" {
			return fmt.Errorf("views[%d]: name and resource are required", i)
		}
		if seen[view.Name] {
			return fmt.Errorf("views[%d]: duplicate name %q", i, view.Name)
		}
		seen[view.Name] = true
	}
	return nil
}

// ClientConfig returns the API client configuration.
func (c Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig(c.API.BaseURL, c.API.UserAgent)
	cfg.LookupTimeout = c.API.LookupTimeout
	cfg.AggregateTimeout = c.API.AggregateTimeout
	cfg.Retry.MaxRetries = c.API.MaxRetries
	cfg.Retry.InitialBackoff = c.API.InitialBackoff
	return cfg
}

// PaginationConfig returns the pagination controller configuration.
func (c Config) PaginationConfig() pagination.Config {
	return pagination.Config{
		PageSize:      c.API.PageSize,
		OffsetCeiling: c.Pagination.OffsetCeiling,
	}
}

// CacheConfig returns the cache layer configuration.
func (c Config) CacheConfig() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.DefaultTTL = c.Cache.DefaultTTL
	cfg.TTLs = map[cache.Kind]time.Duration{cache.KindCounts: c.Cache.CountsTTL}
	return cfg
}

// ScrollConfig returns the scroll trigger configuration.
func (c Config) ScrollConfig() scroll.Config {
	return scroll.Config{Margin: c.Scroll.Margin, Debounce: c.Scroll.Debounce}
}

// SearchConfig returns the search debouncer configuration.
func (c Config) SearchConfig() search.Config {
	return search.Config{QuietPeriod: c.Search.QuietPeriod}
}

// Policy returns the configured transition policy, or the default workflow
// when no transitions are configured.
func (c Config) Policy() *transition.Policy {
	if len(c.Transitions) == 0 {
		return transition.DefaultPolicy()
	}
	raw := make(map[string][]string, len(c.Transitions))
	for _, rule := range c.Transitions {
		raw[rule.From] = append(raw[rule.From], rule.To...)
	}
	return transition.NewPolicy(transition.ParseRules(raw))
}

// LoggingConfig returns the logger configuration.
func (c Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	return cfg
}

// PageSpecs returns the engine page specs of the configured views.
func (c Config) PageSpecs() []engine.PageSpec {
	specs := make([]engine.PageSpec, 0, len(c.Views))
	for _, view := range c.Views {
		filters := make(url.Values, len(view.Filters))
		for k, v := range view.Filters {
			filters.Set(k, v)
		}

		kind := client.KindLookup
		if view.Aggregate {
			kind = client.KindAggregate
		}

		specs = append(specs, engine.PageSpec{
			Name:  view.Name,
			Query: record.NewQuery(view.Resource, view.Search, filters),
			Endpoint: engine.Endpoint{
				Kind:            kind,
				ExplicitHasMore: view.ExplicitHasMore,
			},
			CountField: view.CountField,
		})
	}
	return specs
}
