// Package strategy implements the policies that decide how a request is
// answered from the cache, the network, or both.
//
// Every Strategy runs the same lifecycle around its variant-specific logic:
//
//	handlerWillStart -> handle -> [handlerDidError] -> handlerWillRespond
//	                 -> (background) handlerDidRespond -> wait -> handlerDidComplete
//
// Background work such as cache writes is registered on the fetch event, so
// hosts must wait for the event before shutting down.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/event"
	"github.com/always-cache/swcache/fetch"
	"github.com/always-cache/swcache/plugin"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler produces a response for a routed request.
type Handler interface {
	Handle(opts HandlerOptions) (*http.Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(opts HandlerOptions) (*http.Response, error)

func (f HandlerFunc) Handle(opts HandlerOptions) (*http.Response, error) {
	return f(opts)
}

// HandlerOptions are passed to a Handler for every request.
type HandlerOptions struct {
	// Event the request belongs to. A detached event is created if nil.
	Event *event.Fetch
	// Request to handle. Defaults to the event's request.
	Request *http.Request
	// Absolute URL of the request. Derived from Request if nil.
	URL *url.URL
	// Values captured by the route matcher.
	Params any
}

// Options configure a Strategy.
type Options struct {
	// Name of the cache to read from and write to.
	CacheName string
	// Plugins run in order around every operation.
	Plugins []*plugin.Plugin
	// Applied to every network request.
	FetchOptions fetch.Options
	// Applied to every cache lookup.
	MatchOptions cache.MatchOptions
	// Storage holding the named cache.
	Storage cache.Storage
	// Network used for fetching.
	Network fetch.Fetcher
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// HandleFunc is the variant-specific part of a strategy.
type HandleFunc func(ctx context.Context, inv *Invocation) (*http.Response, error)

// Strategy is a Handler running a HandleFunc inside the plugin lifecycle.
type Strategy struct {
	name         string
	cacheName    string
	pipeline     plugin.Pipeline
	fetchOptions fetch.Options
	matchOptions cache.MatchOptions
	storage      cache.Storage
	network      fetch.Fetcher
	log          zerolog.Logger
	handle       HandleFunc
}

// New returns a strategy called name that answers requests with handle.
func New(name string, opts Options, handle HandleFunc) *Strategy {
	logger := opts.Logger
	if logger == nil {
		logger = &log.Logger
	}
	cacheName := opts.CacheName
	if cacheName == "" {
		cacheName = cache.DefaultNames.Runtime()
	}
	return &Strategy{
		name:         name,
		cacheName:    cacheName,
		pipeline:     plugin.NewPipeline(opts.Plugins...),
		fetchOptions: opts.FetchOptions,
		matchOptions: opts.MatchOptions,
		storage:      opts.Storage,
		network:      opts.Network,
		log: logger.With().
			Str("strategy", name).
			Str("cacheName", cacheName).
			Logger(),
		handle: handle,
	}
}

// Name returns the strategy name, e.g. "NetworkFirst".
func (s *Strategy) Name() string {
	return s.name
}

// CacheName returns the name of the cache the strategy uses.
func (s *Strategy) CacheName() string {
	return s.cacheName
}

// Pipeline returns the plugins of the strategy.
func (s *Strategy) Pipeline() plugin.Pipeline {
	return s.pipeline
}

// WithPlugins returns a copy of the strategy with plugins appended.
func (s *Strategy) WithPlugins(plugins ...*plugin.Plugin) *Strategy {
	c := *s
	c.pipeline = s.pipeline.With(plugins...)
	return &c
}

// Handle implements Handler.
func (s *Strategy) Handle(opts HandlerOptions) (*http.Response, error) {
	return s.Invoke(opts, s.handle)
}

// Invoke runs handle inside the strategy lifecycle. Callers that need a
// different flow on the same cache and plugins, such as precache installs,
// use it instead of Handle.
func (s *Strategy) Invoke(opts HandlerOptions, handle HandleFunc) (*http.Response, error) {
	inv := s.newInvocation(opts)
	ctx := inv.request.Context()

	res, err := s.run(ctx, inv, handle)
	if err != nil {
		inv.log.Debug().Err(err).Msg("Handler failed")
	}

	// run the remaining hooks once the caller has the response
	inv.event.WaitUntil(func(bctx context.Context) error {
		return inv.complete(bctx, res, err)
	})
	return res, err
}

func (s *Strategy) run(ctx context.Context, inv *Invocation, handle HandleFunc) (*http.Response, error) {
	err := s.pipeline.HandlerWillStart(ctx, plugin.RequestParam{Event: inv.event, Request: inv.request})
	var res *http.Response
	if err == nil {
		res, err = handle(ctx, inv)
		if err == nil && res == nil {
			err = &NoResponseError{URL: inv.url.String()}
		}
	}
	if err != nil {
		recovered, herr := s.pipeline.HandlerDidError(ctx, plugin.HandlerErrorParam{
			Event:   inv.event,
			Request: inv.request,
			Err:     err,
		})
		if herr != nil {
			inv.log.Warn().Err(herr).Msg("Error recovery failed")
		}
		if recovered == nil {
			return nil, err
		}
		inv.log.Debug().Err(err).Msg("Recovered from handler error")
		res = recovered
	}
	return s.pipeline.HandlerWillRespond(ctx, plugin.ResponseParam{
		Event:    inv.event,
		Request:  inv.request,
		Response: res,
	})
}

// NoResponseError is returned when no source produced a response.
type NoResponseError struct {
	URL string
	// Last failure, nil if every source simply missed.
	Err error
}

func (e *NoResponseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("no response for %s", e.URL)
	}
	return fmt.Sprintf("no response for %s: %v", e.URL, e.Err)
}

func (e *NoResponseError) Unwrap() error {
	return e.Err
}

// CacheWriteError is returned when an approved response could not be stored.
type CacheWriteError struct {
	Key string
	Err error
}

func (e *CacheWriteError) Error() string {
	return fmt.Sprintf("could not write %s to cache: %v", e.Key, e.Err)
}

func (e *CacheWriteError) Unwrap() error {
	return e.Err
}

// IsNoResponse reports whether err means no source produced a response.
func IsNoResponse(err error) bool {
	var noResponse *NoResponseError
	return errors.As(err, &noResponse)
}
