// Package navpreload starts the network fetch for page navigations before
// routing has picked a handler, and hands the in-flight response to the
// handler that wants it.
package navpreload

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/always-cache/swcache/fetch"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HeaderName is sent with every preload request.
const HeaderName = "Service-Worker-Navigation-Preload"

// DefaultHeaderValue is the header value used when none is configured.
const DefaultHeaderValue = "true"

// Coordinator owns the navigation preload toggle.
type Coordinator struct {
	mutex       sync.RWMutex
	enabled     bool
	headerValue string
	network     fetch.Fetcher
	log         zerolog.Logger
}

// NewCoordinator returns a disabled coordinator that preloads through network.
// The global zerolog logger is used if logger is nil.
func NewCoordinator(network fetch.Fetcher, logger *zerolog.Logger) *Coordinator {
	if logger == nil {
		logger = &log.Logger
	}
	return &Coordinator{
		network:     network,
		headerValue: DefaultHeaderValue,
		log:         logger.With().Str("component", "navpreload").Logger(),
	}
}

// Enable turns preloading on. An empty header value keeps the current one.
func (c *Coordinator) Enable(headerValue string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.enabled = true
	if headerValue != "" {
		c.headerValue = headerValue
	}
	c.log.Debug().Str("header", c.headerValue).Msg("Navigation preload enabled")
}

// Disable turns preloading off.
func (c *Coordinator) Disable() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.enabled = false
	c.log.Debug().Msg("Navigation preload disabled")
}

// State returns whether preloading is enabled and the header value sent.
func (c *Coordinator) State() (bool, string) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.enabled, c.headerValue
}

// Start begins the preload fetch for req if preloading is enabled and req is a
// navigation. It returns nil otherwise. The fetch runs with ctx and is not tied
// to whoever consumes the response.
func (c *Coordinator) Start(ctx context.Context, req *http.Request) *Response {
	enabled, headerValue := c.State()
	if !enabled || !fetch.IsNavigation(req) {
		return nil
	}
	preloadReq := req.Clone(ctx)
	preloadReq.Header.Set(HeaderName, headerValue)
	r := &Response{done: make(chan struct{})}
	c.log.Trace().Str("url", req.URL.String()).Msg("Starting navigation preload")
	go func() {
		defer close(r.done)
		r.res, r.err = c.network.Fetch(ctx, preloadReq)
		if r.err != nil {
			c.log.Debug().Err(r.err).Str("url", req.URL.String()).Msg("Navigation preload failed")
		}
	}()
	return r
}

// Response is an in-flight preload response. It can be consumed once.
type Response struct {
	done  chan struct{}
	res   *http.Response
	err   error
	taken atomic.Bool
}

// Resolved returns a Response that is already complete. Mostly useful for tests
// and hosts that perform the preload themselves.
func Resolved(res *http.Response, err error) *Response {
	r := &Response{done: make(chan struct{}), res: res, err: err}
	close(r.done)
	return r
}

// Take waits for the preload to finish and returns its result.
// Only the first call gets the response; later calls return (nil, nil),
// as does a nil Response.
func (r *Response) Take(ctx context.Context) (*http.Response, error) {
	if r == nil || !r.taken.CompareAndSwap(false, true) {
		return nil, nil
	}
	select {
	case <-r.done:
		return r.res, r.err
	case <-ctx.Done():
		go r.closeWhenDone()
		return nil, ctx.Err()
	}
}

// Discard releases the response if nobody took it.
func (r *Response) Discard() {
	if r == nil || !r.taken.CompareAndSwap(false, true) {
		return
	}
	go r.closeWhenDone()
}

func (r *Response) closeWhenDone() {
	<-r.done
	if r.res != nil && r.res.Body != nil {
		r.res.Body.Close()
	}
}
