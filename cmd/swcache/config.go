package main

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/always-cache/swcache/expiration"
	"github.com/always-cache/swcache/plugin"
	"github.com/always-cache/swcache/precache"
	responsetransformer "github.com/always-cache/swcache/pkg/response-transformer"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Settings are the scalar options, which can also come from the environment.
type Settings struct {
	Origin string `yaml:"origin" env:"SWCACHE_ORIGIN"`
	Host   string `yaml:"host" env:"SWCACHE_HOST"`
	// URL clients reach the cache at. Defaults to http://localhost:<port>.
	PublicURL string        `yaml:"publicURL" env:"SWCACHE_PUBLIC_URL"`
	Port      int           `yaml:"port" env:"SWCACHE_PORT"`
	DB        string        `yaml:"db" env:"SWCACHE_DB"`
	Timeout   time.Duration `yaml:"timeout" env:"SWCACHE_TIMEOUT"`
	// JSON or YAML file with precache entries.
	Manifest               string `yaml:"manifest" env:"SWCACHE_MANIFEST"`
	PrecacheCacheName      string `yaml:"precacheCacheName" env:"SWCACHE_PRECACHE_CACHE_NAME"`
	Concurrency            int    `yaml:"concurrentPrecaching" env:"SWCACHE_CONCURRENT_PRECACHING"`
	NavigateFallback       string `yaml:"navigateFallback" env:"SWCACHE_NAVIGATE_FALLBACK"`
	DisableNetworkFallback bool   `yaml:"disableNetworkFallback" env:"SWCACHE_DISABLE_NETWORK_FALLBACK"`
	SkipWaiting            bool   `yaml:"skipWaiting" env:"SWCACHE_SKIP_WAITING"`
	ClientsClaim           bool   `yaml:"clientsClaim" env:"SWCACHE_CLIENTS_CLAIM"`
	NavigationPreload      bool   `yaml:"navigationPreload" env:"SWCACHE_NAVIGATION_PRELOAD"`
	CleanupOutdatedCaches  bool   `yaml:"cleanupOutdatedCaches" env:"SWCACHE_CLEANUP_OUTDATED_CACHES"`
	// Append the recommended runtime caching routes.
	DefaultCache   bool   `yaml:"defaultCache" env:"SWCACHE_DEFAULT_CACHE"`
	MetricsPath    string `yaml:"metricsPath" env:"SWCACHE_METRICS_PATH"`
	DisableDevLogs bool   `yaml:"disableDevLogs" env:"SWCACHE_DISABLE_DEV_LOGS"`
}

type Config struct {
	Settings `yaml:",inline"`

	Precache                    []precache.Entry `yaml:"precache"`
	IgnoreURLParametersMatching []string         `yaml:"ignoreURLParametersMatching"`
	NavigateFallbackAllowlist   []string         `yaml:"navigateFallbackAllowlist"`
	NavigateFallbackDenylist    []string         `yaml:"navigateFallbackDenylist"`
	RuntimeCaching              []RuntimeRoute   `yaml:"runtimeCaching"`
	// Header rules applied to every network response.
	Rules responsetransformer.Rules `yaml:"rules"`
}

// RuntimeRoute is a runtime caching route. Exactly one of Pattern and Path
// is required.
type RuntimeRoute struct {
	// Regular expression matched against the full URL.
	Pattern string `yaml:"pattern"`
	// Route pattern matched against same-origin paths, e.g. "/api/*".
	Path   string `yaml:"path"`
	Method string `yaml:"method"`
	// CacheFirst, CacheOnly, NetworkFirst, NetworkOnly or StaleWhileRevalidate.
	Handler        string                           `yaml:"handler"`
	CacheName      string                           `yaml:"cacheName"`
	NetworkTimeout time.Duration                    `yaml:"networkTimeout"`
	Expiration     *expiration.Config               `yaml:"expiration"`
	Cacheable      *plugin.CacheableResponseOptions `yaml:"cacheable"`
}

func defaultConfig() Config {
	return Config{
		Settings: Settings{
			Port:        8080,
			DB:          "cache.db",
			Concurrency: precache.DefaultConcurrency,
			MetricsPath: "/metrics",
		},
	}
}

// loadConfig applies the yaml file, if any, and then the environment on top
// of the defaults.
func loadConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		b, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(b, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.Parse(&config.Settings); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		res = append(res, re)
	}
	return res, nil
}
