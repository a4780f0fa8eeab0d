package plugin

import (
	"context"
	"net/http"
)

// Pipeline runs the hooks of an ordered set of plugins.
// Hooks for one point run sequentially, in registration order.
type Pipeline struct {
	plugins []*Plugin
}

// NewPipeline returns a pipeline running the given plugins in order.
func NewPipeline(plugins ...*Plugin) Pipeline {
	return Pipeline{plugins: append([]*Plugin(nil), plugins...)}
}

// Plugins returns the registered plugins.
func (p Pipeline) Plugins() []*Plugin {
	return append([]*Plugin(nil), p.plugins...)
}

// With returns a new pipeline with the plugins appended.
func (p Pipeline) With(plugins ...*Plugin) Pipeline {
	return NewPipeline(append(p.Plugins(), plugins...)...)
}

// Has reports whether any plugin implements the hook.
func (p Pipeline) Has(hook Hook) bool {
	for _, pl := range p.plugins {
		if pl.Has(hook) {
			return true
		}
	}
	return false
}

// CacheKeyWillBeUsed returns the request to use as cache key.
func (p Pipeline) CacheKeyWillBeUsed(ctx context.Context, param CacheKeyParam) (*http.Request, error) {
	for _, pl := range p.plugins {
		if pl.CacheKeyWillBeUsed == nil {
			continue
		}
		req, err := pl.CacheKeyWillBeUsed(ctx, param)
		if err != nil {
			return nil, wrap(pl, HookCacheKeyWillBeUsed, err)
		}
		if req != nil {
			param.Request = req
		}
	}
	return param.Request, nil
}

// RequestWillFetch returns the request to send to the network.
func (p Pipeline) RequestWillFetch(ctx context.Context, param RequestParam) (*http.Request, error) {
	for _, pl := range p.plugins {
		if pl.RequestWillFetch == nil {
			continue
		}
		req, err := pl.RequestWillFetch(ctx, param)
		if err != nil {
			return nil, wrap(pl, HookRequestWillFetch, err)
		}
		if req != nil {
			param.Request = req
		}
	}
	return param.Request, nil
}

// FetchDidSucceed returns the network response after all transformations.
func (p Pipeline) FetchDidSucceed(ctx context.Context, param ResponseParam) (*http.Response, error) {
	for _, pl := range p.plugins {
		if pl.FetchDidSucceed == nil {
			continue
		}
		res, err := pl.FetchDidSucceed(ctx, param)
		if err != nil {
			return nil, wrap(pl, HookFetchDidSucceed, err)
		}
		param.Response = res
	}
	return param.Response, nil
}

// FetchDidFail notifies all plugins of a network failure.
func (p Pipeline) FetchDidFail(ctx context.Context, param FetchDidFailParam) error {
	for _, pl := range p.plugins {
		if pl.FetchDidFail == nil {
			continue
		}
		if err := pl.FetchDidFail(ctx, param); err != nil {
			return wrap(pl, HookFetchDidFail, err)
		}
	}
	return nil
}

// CacheWillUpdate returns the response to store, or nil if a plugin vetoed the write.
// The second return value reports whether any plugin implements the hook.
func (p Pipeline) CacheWillUpdate(ctx context.Context, param ResponseParam) (*http.Response, bool, error) {
	used := false
	for _, pl := range p.plugins {
		if pl.CacheWillUpdate == nil {
			continue
		}
		used = true
		res, err := pl.CacheWillUpdate(ctx, param)
		if err != nil {
			return nil, used, wrap(pl, HookCacheWillUpdate, err)
		}
		if res == nil {
			return nil, used, nil
		}
		param.Response = res
	}
	return param.Response, used, nil
}

// CachedResponseWillBeUsed returns the cached response to use, nil meaning a miss.
func (p Pipeline) CachedResponseWillBeUsed(ctx context.Context, param CachedResponseParam) (*http.Response, error) {
	for _, pl := range p.plugins {
		if pl.CachedResponseWillBeUsed == nil {
			continue
		}
		res, err := pl.CachedResponseWillBeUsed(ctx, param)
		if err != nil {
			return nil, wrap(pl, HookCachedResponseWillBeUsed, err)
		}
		param.CachedResponse = res
	}
	return param.CachedResponse, nil
}

// CacheDidUpdate notifies all plugins of a cache write.
func (p Pipeline) CacheDidUpdate(ctx context.Context, param CacheDidUpdateParam) error {
	for _, pl := range p.plugins {
		if pl.CacheDidUpdate == nil {
			continue
		}
		if err := pl.CacheDidUpdate(ctx, param); err != nil {
			return wrap(pl, HookCacheDidUpdate, err)
		}
	}
	return nil
}

// HandlerWillStart runs before a strategy starts handling a request.
func (p Pipeline) HandlerWillStart(ctx context.Context, param RequestParam) error {
	for _, pl := range p.plugins {
		if pl.HandlerWillStart == nil {
			continue
		}
		if err := pl.HandlerWillStart(ctx, param); err != nil {
			return wrap(pl, HookHandlerWillStart, err)
		}
	}
	return nil
}

// HandlerWillRespond returns the final response after all transformations.
func (p Pipeline) HandlerWillRespond(ctx context.Context, param ResponseParam) (*http.Response, error) {
	for _, pl := range p.plugins {
		if pl.HandlerWillRespond == nil {
			continue
		}
		res, err := pl.HandlerWillRespond(ctx, param)
		if err != nil {
			return nil, wrap(pl, HookHandlerWillRespond, err)
		}
		param.Response = res
	}
	return param.Response, nil
}

// HandlerDidRespond notifies all plugins that the response was handed over.
func (p Pipeline) HandlerDidRespond(ctx context.Context, param ResponseParam) error {
	for _, pl := range p.plugins {
		if pl.HandlerDidRespond == nil {
			continue
		}
		if err := pl.HandlerDidRespond(ctx, param); err != nil {
			return wrap(pl, HookHandlerDidRespond, err)
		}
	}
	return nil
}

// HandlerDidComplete notifies all plugins that the handler is done.
func (p Pipeline) HandlerDidComplete(ctx context.Context, param HandlerCompleteParam) error {
	for _, pl := range p.plugins {
		if pl.HandlerDidComplete == nil {
			continue
		}
		if err := pl.HandlerDidComplete(ctx, param); err != nil {
			return wrap(pl, HookHandlerDidComplete, err)
		}
	}
	return nil
}

// HandlerDidError returns the first recovery response offered by a plugin,
// or nil if no plugin recovered the failure.
func (p Pipeline) HandlerDidError(ctx context.Context, param HandlerErrorParam) (*http.Response, error) {
	for _, pl := range p.plugins {
		if pl.HandlerDidError == nil {
			continue
		}
		res, err := pl.HandlerDidError(ctx, param)
		if err != nil {
			return nil, wrap(pl, HookHandlerDidError, err)
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}
