package strategy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	cachestatus "github.com/always-cache/swcache/pkg/cache-status"
	serializer "github.com/always-cache/swcache/pkg/response-serializer"
)

// NetworkOnlyOptions configure NewNetworkOnly.
type NetworkOnlyOptions struct {
	Options
	// Give up on the network after this long. Zero waits indefinitely.
	NetworkTimeout time.Duration
	// Also write successful responses to the cache in the background.
	// The cache is never read.
	CacheResponses bool
}

// NewNetworkOnly returns a strategy that only answers from the network.
func NewNetworkOnly(opts NetworkOnlyOptions) *Strategy {
	return New("NetworkOnly", opts.Options, func(ctx context.Context, inv *Invocation) (*http.Response, error) {
		inv.UpdateStatus(func(cs *cachestatus.CacheStatus) {
			cs.Forward(cachestatus.FwdReasonBypass)
		})
		if opts.NetworkTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeoutCause(ctx, opts.NetworkTimeout,
				fmt.Errorf("network timed out after %v", opts.NetworkTimeout))
			defer cancel()
		}

		var (
			res *http.Response
			err error
		)
		if opts.CacheResponses {
			res, err = inv.FetchAndCachePut(ctx, inv.Request())
		} else {
			res, err = inv.Fetch(ctx, inv.Request())
		}
		if err != nil && ctx.Err() != nil {
			err = context.Cause(ctx)
		}
		if err != nil || res == nil {
			return nil, &NoResponseError{URL: inv.URL().String(), Err: err}
		}
		if opts.NetworkTimeout > 0 {
			// the body must be read before the timeout context is cancelled
			if _, err := serializer.Buffer(res); err != nil {
				return nil, &NoResponseError{URL: inv.URL().String(), Err: err}
			}
		}
		return res, nil
	})
}
