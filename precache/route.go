package precache

import (
	"net/url"
	"regexp"

	"github.com/always-cache/swcache/routing"
	cachekey "github.com/always-cache/swcache/pkg/cache-key"
)

// RouteOptions control how requests are mapped to manifest entries.
type RouteOptions struct {
	// Query parameters ignored when looking up a URL.
	// Defaults to cachekey.DefaultIgnoreURLParametersMatching.
	IgnoreURLParametersMatching []*regexp.Regexp
	// Appended to URLs ending in a slash. Defaults to "index.html".
	DirectoryIndex string
	// Do not try URL + ".html" for extensionless URLs.
	DisableCleanURLs bool
	// Additional URL variations to try.
	URLManipulation func(u *url.URL) []*url.URL
}

// Keyer returns the lookup configuration for opts.
func (opts RouteOptions) Keyer() cachekey.CacheKeyer {
	keyer := cachekey.NewCacheKeyer()
	if opts.IgnoreURLParametersMatching != nil {
		keyer.IgnoreURLParametersMatching = opts.IgnoreURLParametersMatching
	}
	if opts.DirectoryIndex != "" {
		keyer.DirectoryIndex = opts.DirectoryIndex
	}
	keyer.CleanURLs = !opts.DisableCleanURLs
	keyer.URLManipulation = opts.URLManipulation
	return keyer
}

// Matcher matches requests for precached URLs, trying each URL variation in
// turn. The params are RouteParams of the matched entry.
func (c *Controller) Matcher(opts RouteOptions) routing.Matcher {
	keyer := opts.Keyer()
	return routing.MatcherFunc(func(mc routing.MatchContext) (any, bool) {
		urlsToCacheKeys := c.GetURLsToCacheKeys()
		for _, candidate := range keyer.Variations(mc.URL) {
			if key, ok := urlsToCacheKeys[candidate]; ok {
				c.log.Trace().Str("url", mc.URL.String()).Str("key", key).Msg("Precache route matched")
				return RouteParams{CacheKey: key, Integrity: c.GetIntegrityForCacheKey(key)}, true
			}
		}
		return nil, false
	})
}

// Route returns a GET route serving precached URLs with the controller's strategy.
func (c *Controller) Route(opts RouteOptions) *routing.Route {
	return routing.NewRoute(c.Matcher(opts), c.strategy, "")
}
