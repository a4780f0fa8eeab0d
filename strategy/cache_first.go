package strategy

import (
	"context"
	"net/http"

	cachestatus "github.com/always-cache/swcache/pkg/cache-status"
)

// NewCacheFirst returns a strategy that answers from the cache when it can and
// fetches, and stores, from the network otherwise.
func NewCacheFirst(opts Options) *Strategy {
	return New("CacheFirst", opts, func(ctx context.Context, inv *Invocation) (*http.Response, error) {
		res, err := inv.CacheMatch(ctx, inv.Request())
		if err != nil {
			inv.Logger().Warn().Err(err).Msg("Cache lookup failed")
		}
		if res != nil {
			inv.UpdateStatus(func(cs *cachestatus.CacheStatus) {
				cs.Hit()
			})
			return res, nil
		}

		inv.UpdateStatus(func(cs *cachestatus.CacheStatus) {
			cs.Forward(cachestatus.FwdReasonUriMiss)
		})
		res, err = inv.FetchAndCachePut(ctx, inv.Request())
		if err != nil || res == nil {
			return nil, &NoResponseError{URL: inv.URL().String(), Err: err}
		}
		return res, nil
	})
}
