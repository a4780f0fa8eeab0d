// Package event holds the host lifecycle events dispatched to the engine.
package event

import (
	"context"
	"net/http"
	"sync"

	"github.com/always-cache/swcache/navpreload"
	cachestatus "github.com/always-cache/swcache/pkg/cache-status"

	"golang.org/x/sync/errgroup"
)

// Extendable is an event whose lifetime can be extended by background work.
// The host must not consider the event finished before Wait returns.
type Extendable struct {
	ctx   context.Context
	group errgroup.Group
}

// NewExtendable returns an event whose background work runs with ctx.
// Pass a context that outlives the request, e.g. context.WithoutCancel.
func NewExtendable(ctx context.Context) *Extendable {
	return &Extendable{ctx: ctx}
}

// Context returns the context background work should use.
func (e *Extendable) Context() context.Context {
	return e.ctx
}

// WaitUntil runs fn in the background and ties it to the event's lifetime.
func (e *Extendable) WaitUntil(fn func(ctx context.Context) error) {
	e.group.Go(func() error {
		return fn(e.ctx)
	})
}

// Wait blocks until all work registered with WaitUntil has finished,
// including work registered while waiting. It returns the first error.
func (e *Extendable) Wait() error {
	return e.group.Wait()
}

// Fetch is an intercepted network request.
type Fetch struct {
	*Extendable
	Request *http.Request
	// Identifies the page that sent the request, if the host knows it.
	ClientID string
	// In-flight navigation preload, nil if none was started.
	Preload *navpreload.Response

	mutex  sync.Mutex
	status cachestatus.CacheStatus
}

// NewFetch returns a fetch event for req.
func NewFetch(ctx context.Context, req *http.Request, preload *navpreload.Response) *Fetch {
	return &Fetch{
		Extendable: NewExtendable(ctx),
		Request:    req,
		Preload:    preload,
	}
}

// UpdateStatus changes the Cache-Status reported for the request.
func (f *Fetch) UpdateStatus(update func(cs *cachestatus.CacheStatus)) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	update(&f.status)
}

// Status returns the Cache-Status reported for the request.
func (f *Fetch) Status() cachestatus.CacheStatus {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.status
}

// Message types understood by the engine.
const (
	MessageSkipWaiting              = "SKIP_WAITING"
	MessageCacheURLs                = "CACHE_URLS"
	MessageEnableNavigationPreload  = "ENABLE_NAVIGATION_PRELOAD"
	MessageDisableNavigationPreload = "DISABLE_NAVIGATION_PRELOAD"
)

// Message is an ad-hoc command sent to the engine by a page.
type Message struct {
	*Extendable
	Type string `json:"type"`
	// URLs to warm for CACHE_URLS.
	URLs []string `json:"urlsToCache,omitempty"`
	// Header value for ENABLE_NAVIGATION_PRELOAD.
	Value string `json:"value,omitempty"`
}

// NewMessage returns a message event.
func NewMessage(ctx context.Context, msgType string) *Message {
	return &Message{Extendable: NewExtendable(ctx), Type: msgType}
}
