package main

import (
	"fmt"
	"regexp"

	"github.com/always-cache/swcache"
	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/expiration"
	"github.com/always-cache/swcache/fetch"
	"github.com/always-cache/swcache/metrics"
	"github.com/always-cache/swcache/plugin"
	"github.com/always-cache/swcache/routing"
	"github.com/always-cache/swcache/strategy"

	"github.com/rs/zerolog"
)

type runtimeDeps struct {
	storage cache.Storage
	network fetch.Fetcher
	store   expiration.Store
	metrics *metrics.Metrics
	logger  *zerolog.Logger
	// appended to every strategy
	plugins []*plugin.Plugin
}

// buildRuntimeCaching turns the configured routes into engine routes, in order.
func buildRuntimeCaching(routes []RuntimeRoute, deps runtimeDeps) ([]swcache.RuntimeCaching, error) {
	result := make([]swcache.RuntimeCaching, 0, len(routes))
	for i, r := range routes {
		rc, err := buildRoute(r, deps)
		if err != nil {
			return nil, fmt.Errorf("runtime route %d: %w", i, err)
		}
		result = append(result, rc)
	}
	return result, nil
}

func buildRoute(r RuntimeRoute, deps runtimeDeps) (swcache.RuntimeCaching, error) {
	var matcher routing.Matcher
	switch {
	case r.Pattern != "" && r.Path != "":
		return swcache.RuntimeCaching{}, fmt.Errorf("both pattern and path set")
	case r.Pattern != "":
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return swcache.RuntimeCaching{}, err
		}
		matcher = routing.RegExp(re)
	case r.Path != "":
		matcher = routing.Path(r.Path)
	default:
		return swcache.RuntimeCaching{}, fmt.Errorf("pattern or path required")
	}

	var plugins []*plugin.Plugin
	if r.Expiration != nil {
		config := *r.Expiration
		config.Storage = deps.storage
		config.Store = deps.store
		config.Metrics = deps.metrics
		config.Logger = deps.logger
		manager, err := expiration.NewManager(config)
		if err != nil {
			return swcache.RuntimeCaching{}, err
		}
		plugins = append(plugins, manager.Plugin())
	}
	if r.Cacheable != nil {
		plugins = append(plugins, plugin.CacheableResponse(*r.Cacheable))
	}
	plugins = append(plugins, deps.plugins...)

	opts := strategy.Options{
		CacheName: r.CacheName,
		Plugins:   plugins,
		Storage:   deps.storage,
		Network:   deps.network,
		Logger:    deps.logger,
	}
	var s *strategy.Strategy
	switch r.Handler {
	case "CacheFirst":
		s = strategy.NewCacheFirst(opts)
	case "CacheOnly":
		s = strategy.NewCacheOnly(opts)
	case "NetworkFirst":
		s = strategy.NewNetworkFirst(strategy.NetworkFirstOptions{Options: opts, NetworkTimeout: r.NetworkTimeout})
	case "NetworkOnly":
		s = strategy.NewNetworkOnly(strategy.NetworkOnlyOptions{Options: opts, NetworkTimeout: r.NetworkTimeout})
	case "StaleWhileRevalidate":
		s = strategy.NewStaleWhileRevalidate(opts)
	default:
		return swcache.RuntimeCaching{}, fmt.Errorf("unknown handler %q", r.Handler)
	}
	return swcache.RuntimeCaching{Matcher: matcher, Method: r.Method, Handler: s}, nil
}
