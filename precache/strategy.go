package precache

import (
	"context"
	"net/http"

	"github.com/always-cache/swcache/fetch"
	"github.com/always-cache/swcache/plugin"
	cachekey "github.com/always-cache/swcache/pkg/cache-key"
	cachestatus "github.com/always-cache/swcache/pkg/cache-status"
	serializer "github.com/always-cache/swcache/pkg/response-serializer"
	"github.com/always-cache/swcache/strategy"
)

// RouteParams are the route params of a precached request.
type RouteParams struct {
	// Storage key of the matched manifest entry.
	CacheKey  string
	Integrity string
}

func newPrecacheStrategy(c *Controller, opts Options) *strategy.Strategy {
	plugins := append([]*plugin.Plugin{c.cacheKeyPlugin()}, opts.Plugins...)
	fallback := !opts.DisableNetworkFallback
	return strategy.New("Precache", strategy.Options{
		CacheName:    c.cacheName,
		Plugins:      plugins,
		FetchOptions: opts.FetchOptions,
		Storage:      opts.Storage,
		Network:      opts.Network,
		Logger:       opts.Logger,
	}, func(ctx context.Context, inv *strategy.Invocation) (*http.Response, error) {
		return c.handleFetch(ctx, inv, fallback)
	})
}

// cacheKeyPlugin maps request URLs to the storage keys of their entries.
func (c *Controller) cacheKeyPlugin() *plugin.Plugin {
	return &plugin.Plugin{
		Name: "precache-cache-key",
		CacheKeyWillBeUsed: func(ctx context.Context, p plugin.CacheKeyParam) (*http.Request, error) {
			key := ""
			if params, ok := p.Params.(RouteParams); ok {
				key = params.CacheKey
			}
			if key == "" {
				key, _ = c.GetCacheKeyForURL(cachekey.Normalize(fetch.AbsoluteURL(p.Request)))
			}
			if key == "" {
				return p.Request, nil
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
			if err != nil {
				return nil, err
			}
			req.Header = p.Request.Header.Clone()
			return req, nil
		},
	}
}

// handleFetch serves a precached response. Entries missing from the cache
// are fetched and, if they still match the manifest, stored again.
func (c *Controller) handleFetch(ctx context.Context, inv *strategy.Invocation, fallback bool) (*http.Response, error) {
	res, err := inv.CacheMatch(ctx, inv.Request())
	if err != nil {
		inv.Logger().Warn().Err(err).Msg("Precache lookup failed")
	}
	if res != nil {
		inv.UpdateStatus(func(cs *cachestatus.CacheStatus) {
			cs.Hit()
		})
		return res, nil
	}

	inv.UpdateStatus(func(cs *cachestatus.CacheStatus) {
		cs.Forward(cachestatus.FwdReasonMiss)
	})
	if !fallback {
		inv.Logger().Debug().Msg("Precached response missing and network fallback disabled")
		return nil, &strategy.NoResponseError{URL: inv.URL().String()}
	}

	inv.Logger().Debug().Msg("Precached response missing, fetching")
	res, err = inv.Fetch(ctx, inv.Request())
	if err != nil || res == nil {
		return nil, &strategy.NoResponseError{URL: inv.URL().String(), Err: err}
	}

	params, inManifest := inv.Params().(RouteParams)
	if !inManifest || params.CacheKey == "" || res.StatusCode != http.StatusOK {
		return res, nil
	}
	body, err := serializer.Buffer(res)
	if err != nil {
		return nil, &strategy.NoResponseError{URL: inv.URL().String(), Err: err}
	}
	if err := verifyIntegrity(params.Integrity, body); err != nil {
		inv.Logger().Warn().Err(err).Msg("Not repairing precache")
		return res, nil
	}
	toCache, err := serializer.Clone(res)
	if err != nil {
		return res, nil
	}
	inv.WaitUntil(func(bctx context.Context) error {
		if _, err := inv.CachePut(bctx, inv.Request(), toCache); err != nil {
			inv.Logger().Warn().Err(err).Msg("Could not repair precache")
		}
		return nil
	})
	return res, nil
}
