// Package plugin defines the lifecycle hooks that run around every cache
// and network operation of a strategy.
//
// A Plugin is a set of optional hook functions. Nil hooks are skipped.
// A Pipeline runs the hooks of its plugins in registration order; each hook
// receives the value produced by the previous hook for the same point.
package plugin

import (
	"context"
	"fmt"
	"net/http"

	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/event"
)

// Hook names a hook point.
type Hook string

const (
	HookCacheKeyWillBeUsed       Hook = "cacheKeyWillBeUsed"
	HookRequestWillFetch         Hook = "requestWillFetch"
	HookFetchDidSucceed          Hook = "fetchDidSucceed"
	HookFetchDidFail             Hook = "fetchDidFail"
	HookCacheWillUpdate          Hook = "cacheWillUpdate"
	HookCachedResponseWillBeUsed Hook = "cachedResponseWillBeUsed"
	HookCacheDidUpdate           Hook = "cacheDidUpdate"
	HookHandlerWillStart         Hook = "handlerWillStart"
	HookHandlerWillRespond       Hook = "handlerWillRespond"
	HookHandlerDidRespond        Hook = "handlerDidRespond"
	HookHandlerDidComplete       Hook = "handlerDidComplete"
	HookHandlerDidError          Hook = "handlerDidError"
)

// Cache key modes passed to CacheKeyWillBeUsed.
const (
	ModeRead  = "read"
	ModeWrite = "write"
)

// CacheKeyParam is passed to CacheKeyWillBeUsed.
type CacheKeyParam struct {
	Event   *event.Fetch
	Request *http.Request
	// ModeRead or ModeWrite.
	Mode string
	// Route parameters of the current request.
	Params any
}

// RequestParam is passed to RequestWillFetch and HandlerWillStart.
type RequestParam struct {
	Event   *event.Fetch
	Request *http.Request
}

// ResponseParam is passed to hooks that see a response.
type ResponseParam struct {
	Event    *event.Fetch
	Request  *http.Request
	Response *http.Response
}

// FetchDidFailParam is passed to FetchDidFail.
type FetchDidFailParam struct {
	Event           *event.Fetch
	OriginalRequest *http.Request
	Request         *http.Request
	Err             error
}

// CachedResponseParam is passed to CachedResponseWillBeUsed.
// CachedResponse is nil on a cache miss.
type CachedResponseParam struct {
	Event          *event.Fetch
	Request        *http.Request
	CacheName      string
	MatchOptions   cache.MatchOptions
	CachedResponse *http.Response
}

// CacheDidUpdateParam is passed to CacheDidUpdate.
// OldResponse is nil if nothing was stored before.
type CacheDidUpdateParam struct {
	Event       *event.Fetch
	Request     *http.Request
	CacheName   string
	OldResponse *http.Response
	NewResponse *http.Response
}

// HandlerCompleteParam is passed to HandlerDidComplete.
type HandlerCompleteParam struct {
	Event    *event.Fetch
	Request  *http.Request
	Response *http.Response
	Err      error
}

// HandlerErrorParam is passed to HandlerDidError.
type HandlerErrorParam struct {
	Event   *event.Fetch
	Request *http.Request
	Err     error
}

// Plugin is a set of optional lifecycle hooks.
type Plugin struct {
	// Name identifies the plugin in logs and errors.
	Name string

	// CacheKeyWillBeUsed may replace the request used as cache key.
	CacheKeyWillBeUsed func(ctx context.Context, p CacheKeyParam) (*http.Request, error)
	// RequestWillFetch may replace the request sent to the network.
	RequestWillFetch func(ctx context.Context, p RequestParam) (*http.Request, error)
	// FetchDidSucceed may replace a network response.
	FetchDidSucceed func(ctx context.Context, p ResponseParam) (*http.Response, error)
	// FetchDidFail is notified of network failures.
	FetchDidFail func(ctx context.Context, p FetchDidFailParam) error
	// CacheWillUpdate may replace the response about to be stored.
	// Returning a nil response vetoes the write.
	CacheWillUpdate func(ctx context.Context, p ResponseParam) (*http.Response, error)
	// CachedResponseWillBeUsed may replace a cached response, or return nil to
	// treat it as a miss.
	CachedResponseWillBeUsed func(ctx context.Context, p CachedResponseParam) (*http.Response, error)
	// CacheDidUpdate is notified after a successful write.
	CacheDidUpdate func(ctx context.Context, p CacheDidUpdateParam) error
	// HandlerWillStart runs before the strategy starts.
	HandlerWillStart func(ctx context.Context, p RequestParam) error
	// HandlerWillRespond may replace the final response.
	HandlerWillRespond func(ctx context.Context, p ResponseParam) (*http.Response, error)
	// HandlerDidRespond runs once the response has been handed to the caller.
	// The response carries status and headers only, its body belongs to the caller.
	HandlerDidRespond func(ctx context.Context, p ResponseParam) error
	// HandlerDidComplete runs once all background work of the handler is done.
	HandlerDidComplete func(ctx context.Context, p HandlerCompleteParam) error
	// HandlerDidError may recover a failed handler by returning a response.
	HandlerDidError func(ctx context.Context, p HandlerErrorParam) (*http.Response, error)
}

// Has reports whether the plugin implements the hook.
func (p *Plugin) Has(hook Hook) bool {
	switch hook {
	case HookCacheKeyWillBeUsed:
		return p.CacheKeyWillBeUsed != nil
	case HookRequestWillFetch:
		return p.RequestWillFetch != nil
	case HookFetchDidSucceed:
		return p.FetchDidSucceed != nil
	case HookFetchDidFail:
		return p.FetchDidFail != nil
	case HookCacheWillUpdate:
		return p.CacheWillUpdate != nil
	case HookCachedResponseWillBeUsed:
		return p.CachedResponseWillBeUsed != nil
	case HookCacheDidUpdate:
		return p.CacheDidUpdate != nil
	case HookHandlerWillStart:
		return p.HandlerWillStart != nil
	case HookHandlerWillRespond:
		return p.HandlerWillRespond != nil
	case HookHandlerDidRespond:
		return p.HandlerDidRespond != nil
	case HookHandlerDidComplete:
		return p.HandlerDidComplete != nil
	case HookHandlerDidError:
		return p.HandlerDidError != nil
	}
	return false
}

// Error is a failure raised by a hook.
type Error struct {
	Plugin string
	Hook   Hook
	Err    error
}

func (e *Error) Error() string {
	name := e.Plugin
	if name == "" {
		name = "unnamed"
	}
	return fmt.Sprintf("plugin %s: %s: %v", name, e.Hook, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(p *Plugin, hook Hook, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Plugin: p.Name, Hook: hook, Err: err}
}
