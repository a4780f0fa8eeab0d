package strategy

import (
	"context"
	"net/http"

	cachestatus "github.com/always-cache/swcache/pkg/cache-status"
	serializer "github.com/always-cache/swcache/pkg/response-serializer"
)

// NewStaleWhileRevalidate returns a strategy that answers from the cache when
// it can, while refreshing the cache from the network in the background.
//
// A single network request is made per invocation. On a cache miss the
// caller waits for that same request.
func NewStaleWhileRevalidate(opts Options) *Strategy {
	return New("StaleWhileRevalidate", opts, func(ctx context.Context, inv *Invocation) (*http.Response, error) {
		pending := make(chan fetchResult, 1)
		looked := make(chan struct{})
		inv.WaitUntil(func(bctx context.Context) error {
			res, err := inv.Fetch(bctx, inv.Request())
			var toCache *http.Response
			if err == nil && res != nil {
				toCache, err = serializer.Clone(res)
			}
			pending <- fetchResult{res, err}
			if err != nil {
				inv.Logger().Warn().Err(err).Msg("Revalidation failed")
				return nil
			}
			// the cache is only updated after the lookup has seen the old entry
			<-looked
			if _, err := inv.CachePut(bctx, inv.Request(), toCache); err != nil {
				inv.Logger().Warn().Err(err).Msg("Could not cache response")
			}
			return nil
		})

		cached, err := inv.CacheMatch(ctx, inv.Request())
		close(looked)
		if err != nil {
			inv.Logger().Warn().Err(err).Msg("Cache lookup failed")
		}
		if cached != nil {
			inv.UpdateStatus(func(cs *cachestatus.CacheStatus) {
				cs.Hit()
				cs.SetDetail("revalidating")
			})
			return cached, nil
		}

		inv.UpdateStatus(func(cs *cachestatus.CacheStatus) {
			cs.Forward(cachestatus.FwdReasonUriMiss)
		})
		select {
		case r := <-pending:
			if r.err != nil || r.res == nil {
				return nil, &NoResponseError{URL: inv.URL().String(), Err: r.err}
			}
			return r.res, nil
		case <-ctx.Done():
			return nil, &NoResponseError{URL: inv.URL().String(), Err: ctx.Err()}
		}
	})
}
