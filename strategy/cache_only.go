package strategy

import (
	"context"
	"net/http"

	cachestatus "github.com/always-cache/swcache/pkg/cache-status"
)

// NewCacheOnly returns a strategy that only answers from the cache.
func NewCacheOnly(opts Options) *Strategy {
	return New("CacheOnly", opts, func(ctx context.Context, inv *Invocation) (*http.Response, error) {
		res, err := inv.CacheMatch(ctx, inv.Request())
		if err != nil {
			return nil, &NoResponseError{URL: inv.URL().String(), Err: err}
		}
		if res == nil {
			inv.UpdateStatus(func(cs *cachestatus.CacheStatus) {
				cs.Forward(cachestatus.FwdReasonUriMiss)
			})
			return nil, &NoResponseError{URL: inv.URL().String()}
		}
		inv.UpdateStatus(func(cs *cachestatus.CacheStatus) {
			cs.Hit()
		})
		return res, nil
	})
}
