package swcache

import (
	"net/http"
	"regexp"
	"time"

	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/expiration"
	"github.com/always-cache/swcache/fetch"
	"github.com/always-cache/swcache/metrics"
	"github.com/always-cache/swcache/plugin"
	"github.com/always-cache/swcache/routing"
	"github.com/always-cache/swcache/strategy"

	"github.com/rs/zerolog"
)

const day = 24 * time.Hour

// DefaultCacheOptions are shared by every strategy of DefaultRuntimeCaching.
type DefaultCacheOptions struct {
	Storage cache.Storage
	Network fetch.Fetcher
	// Where expiration records are kept. Defaults to one MemStore per cache.
	ExpirationStore expiration.Store
	Metrics         *metrics.Metrics
	Logger          *zerolog.Logger
	// Plugins appended to every strategy, e.g. header rules.
	Plugins []*plugin.Plugin
}

type defaultRoute struct {
	pattern    string
	method     string
	variant    string
	cacheName  string
	maxEntries int
	maxAge     time.Duration
	timeout    time.Duration
}

var defaultRoutes = []defaultRoute{
	{`(?i)^https://fonts\.(?:googleapis|gstatic)\.com/.*`, "", "CacheFirst", "google-fonts", 4, 365 * day, 0},
	{`(?i)\.(?:eot|otf|ttc|ttf|woff|woff2|font.css)$`, "", "StaleWhileRevalidate", "static-font-assets", 4, 7 * day, 0},
	{`(?i)\.(?:jpg|jpeg|gif|png|svg|ico|webp)$`, "", "StaleWhileRevalidate", "static-image-assets", 64, day, 0},
	{`(?i)\.(?:js)$`, "", "StaleWhileRevalidate", "static-js-assets", 32, day, 0},
	{`(?i)\.(?:css|less)$`, "", "StaleWhileRevalidate", "static-style-assets", 32, day, 0},
	{`(?i)\.(?:json|xml|csv)$`, "", "NetworkFirst", "static-data-assets", 32, day, 0},
	{`(?i)/api/.*$`, http.MethodGet, "NetworkFirst", "apis", 16, day, 10 * time.Second},
	{`(?i).*`, "", "NetworkFirst", "others", 32, day, 10 * time.Second},
}

// DefaultRuntimeCaching returns the recommended routes for a web app:
// fonts and static assets from the cache, data and pages from the network
// first. Every cache is bounded by count and by age since last use.
func DefaultRuntimeCaching(opts DefaultCacheOptions) ([]RuntimeCaching, error) {
	routes := make([]RuntimeCaching, 0, len(defaultRoutes))
	for _, d := range defaultRoutes {
		store := opts.ExpirationStore
		if store == nil {
			store = expiration.NewMemStore()
		}
		manager, err := expiration.NewManager(expiration.Config{
			MaxEntries: d.maxEntries,
			MaxAge:     d.maxAge,
			MaxAgeFrom: expiration.LastUsed,
			Storage:    opts.Storage,
			Store:      store,
			Metrics:    opts.Metrics,
			Logger:     opts.Logger,
		})
		if err != nil {
			return nil, err
		}

		plugins := []*plugin.Plugin{manager.Plugin()}
		if d.variant == "NetworkFirst" {
			plugins = append(plugins, plugin.CacheOK)
		}
		plugins = append(plugins, opts.Plugins...)
		so := strategy.Options{
			CacheName: d.cacheName,
			Plugins:   plugins,
			Storage:   opts.Storage,
			Network:   opts.Network,
			Logger:    opts.Logger,
		}

		var s *strategy.Strategy
		switch d.variant {
		case "CacheFirst":
			s = strategy.NewCacheFirst(so)
		case "StaleWhileRevalidate":
			s = strategy.NewStaleWhileRevalidate(so)
		default:
			s = strategy.NewNetworkFirst(strategy.NetworkFirstOptions{Options: so, NetworkTimeout: d.timeout})
		}
		routes = append(routes, RuntimeCaching{
			Matcher: routing.RegExp(regexp.MustCompile(d.pattern)),
			Method:  d.method,
			Handler: s,
		})
	}
	return routes, nil
}
