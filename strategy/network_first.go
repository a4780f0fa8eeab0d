package strategy

import (
	"context"
	"net/http"
	"time"

	cachestatus "github.com/always-cache/swcache/pkg/cache-status"
)

// NetworkFirstOptions configure NewNetworkFirst.
type NetworkFirstOptions struct {
	Options
	// Fall back to the cache if the network has not responded after this long.
	// The network request continues and its response is still cached.
	// Zero waits for the network indefinitely.
	NetworkTimeout time.Duration
}

type fetchResult struct {
	res *http.Response
	err error
}

// NewNetworkFirst returns a strategy that prefers fresh network responses,
// storing each one, and falls back to the cache when the network fails or is
// too slow.
func NewNetworkFirst(opts NetworkFirstOptions) *Strategy {
	return New("NetworkFirst", opts.Options, func(ctx context.Context, inv *Invocation) (*http.Response, error) {
		inv.UpdateStatus(func(cs *cachestatus.CacheStatus) {
			cs.Forward(cachestatus.FwdReasonRequest)
		})

		var (
			networkErr error
			timedOut   bool
			pending    chan fetchResult
		)
		if opts.NetworkTimeout <= 0 {
			res, err := inv.FetchAndCachePut(ctx, inv.Request())
			if err == nil && res != nil {
				return res, nil
			}
			networkErr = err
		} else {
			pending = make(chan fetchResult, 1)
			// the fetch outlives the request so a late response is still cached
			inv.WaitUntil(func(bctx context.Context) error {
				res, err := inv.FetchAndCachePut(bctx, inv.Request())
				pending <- fetchResult{res, err}
				return nil
			})
			timer := time.NewTimer(opts.NetworkTimeout)
			defer timer.Stop()
			select {
			case r := <-pending:
				if r.err == nil && r.res != nil {
					return r.res, nil
				}
				networkErr = r.err
				pending = nil
			case <-timer.C:
				timedOut = true
				inv.Logger().Debug().Dur("timeout", opts.NetworkTimeout).Msg("Network timed out, trying cache")
			case <-ctx.Done():
				return nil, &NoResponseError{URL: inv.URL().String(), Err: ctx.Err()}
			}
		}

		cached, err := inv.CacheMatch(ctx, inv.Request())
		if err != nil {
			inv.Logger().Warn().Err(err).Msg("Cache lookup failed")
		}
		if cached != nil {
			inv.UpdateStatus(func(cs *cachestatus.CacheStatus) {
				cs.Hit()
				if timedOut {
					cs.SetDetail("network-timeout")
				} else {
					cs.SetDetail("network-error")
				}
			})
			return cached, nil
		}

		// nothing cached, so the slow network is the only remaining source
		if pending != nil {
			select {
			case r := <-pending:
				if r.err == nil && r.res != nil {
					return r.res, nil
				}
				networkErr = r.err
			case <-ctx.Done():
				networkErr = ctx.Err()
			}
		}
		return nil, &NoResponseError{URL: inv.URL().String(), Err: networkErr}
	})
}
