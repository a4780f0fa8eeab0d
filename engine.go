package swcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sync"

	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/event"
	"github.com/always-cache/swcache/fetch"
	"github.com/always-cache/swcache/metrics"
	"github.com/always-cache/swcache/navpreload"
	"github.com/always-cache/swcache/plugin"
	"github.com/always-cache/swcache/precache"
	"github.com/always-cache/swcache/routing"
	cachekey "github.com/always-cache/swcache/pkg/cache-key"
	cachestatus "github.com/always-cache/swcache/pkg/cache-status"
	"github.com/always-cache/swcache/strategy"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoNetwork      = errors.New("swcache: no network configured")
	ErrUnknownMessage = errors.New("swcache: unknown message type")
)

// Host is the environment the engine runs in. It controls which engine
// version serves the open pages.
type Host interface {
	// SkipWaiting lets an installed engine take over without waiting for
	// pages using the previous one to close.
	SkipWaiting(ctx context.Context) error
	// ClaimClients makes the engine control already open pages.
	ClaimClients(ctx context.Context) error
}

// RuntimeCaching routes matching requests to a handler.
type RuntimeCaching struct {
	Matcher routing.Matcher
	// Defaults to GET.
	Method  string
	Handler strategy.Handler
}

// PrecacheOptions configure the precache and its route.
type PrecacheOptions struct {
	precache.RouteOptions
	// Defaults to cache.DefaultNames.Precache().
	CacheName string
	// Entries fetched at once during install.
	Concurrency  int
	Plugins      []*plugin.Plugin
	FetchOptions fetch.Options
	// Precached URL served to navigations that match no precached URL,
	// e.g. an app shell.
	NavigateFallback          string
	NavigateFallbackAllowlist []*regexp.Regexp
	NavigateFallbackDenylist  []*regexp.Regexp
	// Do not fetch precached URLs that are missing from the cache.
	DisableNetworkFallback bool
}

type Config struct {
	PrecacheEntries []precache.Entry
	PrecacheOptions PrecacheOptions
	// Take over as soon as install finishes.
	SkipWaiting bool
	// Claim open pages on activation.
	ClientsClaim bool
	// Enable navigation preload on activation.
	NavigationPreload bool
	// Delete precaches of previous versions on activation.
	CleanupOutdatedCaches bool
	RuntimeCaching        []RuntimeCaching
	// Storage for caches. Defaults to an in-memory storage.
	Storage cache.Storage
	// Where requests go when they are not answered from a cache.
	Network fetch.Fetcher
	// Base URL of the application. Relative precache URLs are resolved
	// against it, and it decides what is same-origin.
	Origin *url.URL
	// Optional.
	Host Host
	// Logger to use. The global zerolog logger is used if nil.
	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
	// Only log at info level and above.
	DisableDevLogs bool
}

// Engine intercepts requests and answers them from caches or the network.
type Engine struct {
	controller *precache.Controller
	router     *routing.Router
	preload    *navpreload.Coordinator
	network    fetch.Fetcher
	origin     *url.URL
	config     Config
	log        zerolog.Logger

	// outstanding event work
	pending sync.WaitGroup
}

// New composes an engine from config: the precache route comes first, then
// the navigation fallback, then the runtime caching routes in order.
func New(config Config) (*Engine, error) {
	logger := config.Logger
	if logger == nil {
		logger = &log.Logger
	}
	l := logger.With().Str("component", "swcache").Logger()
	if config.DisableDevLogs && l.GetLevel() < zerolog.InfoLevel {
		l = l.Level(zerolog.InfoLevel)
	}
	if config.Network == nil {
		return nil, ErrNoNetwork
	}
	if config.Storage == nil {
		config.Storage = cache.NewMemStorage()
	}

	po := config.PrecacheOptions
	plugins := po.Plugins
	if config.Metrics != nil {
		plugins = append(plugins[:len(plugins):len(plugins)], config.Metrics.Plugin("Precache"))
	}
	controller, err := precache.NewController(config.PrecacheEntries, precache.Options{
		CacheName:              po.CacheName,
		Plugins:                plugins,
		FetchOptions:           po.FetchOptions,
		Concurrency:            po.Concurrency,
		DisableNetworkFallback: po.DisableNetworkFallback,
		Origin:                 config.Origin,
		Storage:                config.Storage,
		Network:                config.Network,
		Metrics:                config.Metrics,
		Logger:                 &l,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		controller: controller,
		router:     routing.NewRouter(config.Origin, &l),
		preload:    navpreload.NewCoordinator(config.Network, &l),
		network:    config.Network,
		origin:     config.Origin,
		config:     config,
		log:        l,
	}

	e.router.RegisterRoute(controller.Route(po.RouteOptions))
	if po.NavigateFallback != "" {
		handler, err := controller.CreateHandlerBoundToURL(po.NavigateFallback)
		if err != nil {
			return nil, fmt.Errorf("navigate fallback: %w", err)
		}
		e.router.RegisterRoute(routing.NewNavigationRoute(handler, routing.NavigationOptions{
			Allowlist: po.NavigateFallbackAllowlist,
			Denylist:  po.NavigateFallbackDenylist,
		}))
	}
	for _, rc := range config.RuntimeCaching {
		e.RegisterRoute(rc)
	}
	return e, nil
}

// RegisterRoute appends a route after the ones registered so far.
// Strategies get the metrics plugin if metrics are configured.
func (e *Engine) RegisterRoute(rc RuntimeCaching) *routing.Route {
	handler := rc.Handler
	if s, ok := handler.(*strategy.Strategy); ok && e.config.Metrics != nil {
		handler = s.WithPlugins(e.config.Metrics.Plugin(s.Name()))
	}
	return e.router.Register(rc.Matcher, handler, rc.Method)
}

// Router returns the router, e.g. to set default or catch handlers.
func (e *Engine) Router() *routing.Router {
	return e.router
}

// Controller returns the precache controller.
func (e *Engine) Controller() *precache.Controller {
	return e.controller
}

// NavigationPreload returns the navigation preload coordinator.
func (e *Engine) NavigationPreload() *navpreload.Coordinator {
	return e.preload
}

// PrecacheAndRoute adds entries to the precache and routes requests for them.
// Call it before Install.
func (e *Engine) PrecacheAndRoute(entries []precache.Entry, opts precache.RouteOptions) error {
	if err := e.controller.Precache(entries); err != nil {
		return err
	}
	e.router.RegisterRoute(e.controller.Route(opts))
	return nil
}

// GetCachedURLs returns the precached URLs.
func (e *Engine) GetCachedURLs() []string {
	return e.controller.GetCachedURLs()
}

// Install precaches the manifest. The host should retry, and not activate,
// if it fails.
func (e *Engine) Install(ctx context.Context) (precache.InstallResult, error) {
	result, err := e.controller.Install(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("Install failed")
		return result, err
	}
	e.log.Debug().
		Int("updated", len(result.UpdatedURLs)).
		Int("notUpdated", len(result.NotUpdatedURLs)).
		Msg("Installed")
	if e.config.SkipWaiting && e.config.Host != nil {
		if err := e.config.Host.SkipWaiting(ctx); err != nil {
			return result, fmt.Errorf("skip waiting: %w", err)
		}
	}
	return result, nil
}

// Activate removes outdated precache entries and takes control.
func (e *Engine) Activate(ctx context.Context) (precache.ActivateResult, error) {
	if e.config.CleanupOutdatedCaches {
		deleted, err := e.controller.DeleteOutdatedCaches(ctx)
		if err != nil {
			e.log.Warn().Err(err).Msg("Could not delete outdated caches")
		} else if len(deleted) > 0 {
			e.log.Info().Strs("caches", deleted).Msg("Deleted outdated caches")
		}
	}
	result, err := e.controller.Activate(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("Activate failed")
		return result, err
	}
	e.log.Debug().Int("deleted", len(result.DeletedCacheKeys)).Msg("Activated")
	if e.config.NavigationPreload {
		e.preload.Enable("")
	}
	if e.config.ClientsClaim && e.config.Host != nil {
		if err := e.config.Host.ClaimClients(ctx); err != nil {
			return result, fmt.Errorf("claim clients: %w", err)
		}
	}
	return result, nil
}

// HandleFetch routes a fetch event. The boolean is false if the engine does
// not handle the request.
func (e *Engine) HandleFetch(ev *event.Fetch) (*http.Response, bool, error) {
	res, handled, err := e.router.Handle(ev)
	e.track(ev.Extendable)
	return res, handled, err
}

// HandleMessage executes a command sent by a page.
func (e *Engine) HandleMessage(ev *event.Message) error {
	err := e.handleMessage(ev)
	e.track(ev.Extendable)
	return err
}

func (e *Engine) handleMessage(ev *event.Message) error {
	e.log.Trace().Str("type", ev.Type).Msg("Message received")
	switch ev.Type {
	case event.MessageSkipWaiting:
		if e.config.Host == nil {
			return nil
		}
		return e.config.Host.SkipWaiting(ev.Context())
	case event.MessageCacheURLs:
		e.cacheURLs(ev)
		return nil
	case event.MessageEnableNavigationPreload:
		e.preload.Enable(ev.Value)
		return nil
	case event.MessageDisableNavigationPreload:
		e.preload.Disable()
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownMessage, ev.Type)
}

// cacheURLs sends each URL through the router so the matching strategies
// cache them.
func (e *Engine) cacheURLs(ev *event.Message) {
	for _, raw := range ev.URLs {
		u, err := cachekey.Resolve(e.origin, raw)
		if err != nil {
			e.log.Warn().Err(err).Msg("Not caching invalid URL")
			continue
		}
		ev.WaitUntil(func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return err
			}
			fev := event.NewFetch(ctx, req, nil)
			res, handled, err := e.router.Handle(fev)
			if res != nil && res.Body != nil {
				res.Body.Close()
			}
			if err != nil {
				e.log.Warn().Err(err).Str("url", u.String()).Msg("Could not cache URL")
			} else if handled {
				e.log.Trace().Str("url", u.String()).Msg("Cached URL")
			}
			if err := fev.Wait(); err != nil {
				e.log.Warn().Err(err).Str("url", u.String()).Msg("Could not cache URL")
			}
			return nil
		})
	}
}

// ServeHTTP answers r through the router. Requests no route handles go
// straight to the network.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// background work must outlive the client connection
	ctx := context.WithoutCancel(r.Context())
	preload := e.preload.Start(ctx, r)
	ev := event.NewFetch(ctx, r, preload)

	res, handled, err := e.HandleFetch(ev)
	if !handled {
		ev.UpdateStatus(func(cs *cachestatus.CacheStatus) {
			cs.Forward(cachestatus.FwdReasonBypass)
		})
		res, err = preload.Take(r.Context())
		if res == nil && err == nil {
			res, err = e.network.Fetch(r.Context(), r)
		}
	}
	preload.Discard()

	if err != nil || res == nil {
		if res != nil && res.Body != nil {
			res.Body.Close()
		}
		e.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not respond")
		status := http.StatusBadGateway
		w.Header().Set(cachestatus.HeaderName, ev.Status().String())
		http.Error(w, http.StatusText(status), status)
		return
	}
	e.send(w, r, res, ev.Status())
}

func (e *Engine) send(w http.ResponseWriter, r *http.Request, res *http.Response, cs cachestatus.CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	for k, vv := range res.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	if status := cs.String(); status != "" {
		w.Header().Set(cachestatus.HeaderName, status)
	}
	w.WriteHeader(res.StatusCode)
	var written int64
	if res.Body != nil {
		var err error
		written, err = io.Copy(w, res.Body)
		if err != nil {
			e.log.Error().Err(err).Msg("Could not write response body to client")
		}
	}
	e.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Int("status", res.StatusCode).
		Str("cacheStatus", cs.String()).
		Int64("bytes", written).
		Msg("Response sent")
}

// track must be called once the event's handler returned, so that its
// background work is registered.
func (e *Engine) track(ext *event.Extendable) {
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		if err := ext.Wait(); err != nil {
			e.log.Warn().Err(err).Msg("Background work failed")
		}
	}()
}

// Drain waits until the background work of every event seen so far is done.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
