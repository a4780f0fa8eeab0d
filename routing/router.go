// Package routing maps intercepted requests to strategy handlers.
package routing

import (
	"errors"
	"net/http"
	"net/url"
	"sync"

	"github.com/always-cache/swcache/event"
	"github.com/always-cache/swcache/fetch"
	"github.com/always-cache/swcache/strategy"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultMethod is used for routes registered without a method.
const DefaultMethod = http.MethodGet

var ErrRouteNotFound = errors.New("route is not registered")

// Route connects a Matcher to a Handler for one HTTP method.
type Route struct {
	Matcher Matcher
	Handler strategy.Handler
	Method  string
	// Handles requests for which Handler failed. Optional.
	CatchHandler strategy.Handler
}

// NewRoute returns a route for method, DefaultMethod if empty.
func NewRoute(matcher Matcher, handler strategy.Handler, method string) *Route {
	if method == "" {
		method = DefaultMethod
	}
	return &Route{Matcher: matcher, Handler: handler, Method: method}
}

// NewNavigationRoute returns a route handling page navigations with handler.
func NewNavigationRoute(handler strategy.Handler, opts NavigationOptions) *Route {
	return NewRoute(Navigation(opts), handler, http.MethodGet)
}

// Router dispatches fetch events to the first matching route.
type Router struct {
	origin *url.URL
	log    zerolog.Logger

	mutex           sync.RWMutex
	routes          map[string][]*Route
	defaultHandlers map[string]strategy.Handler
	catchHandler    strategy.Handler
}

// NewRouter returns an empty router. Requests to origin are same-origin;
// if origin is nil every request is treated as same-origin.
// The global zerolog logger is used if logger is nil.
func NewRouter(origin *url.URL, logger *zerolog.Logger) *Router {
	if logger == nil {
		logger = &log.Logger
	}
	return &Router{
		origin:          origin,
		log:             logger.With().Str("component", "router").Logger(),
		routes:          make(map[string][]*Route),
		defaultHandlers: make(map[string]strategy.Handler),
	}
}

// RegisterRoute appends route. Routes are tried in registration order.
func (r *Router) RegisterRoute(route *Route) {
	if route.Method == "" {
		route.Method = DefaultMethod
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.routes[route.Method] = append(r.routes[route.Method], route)
}

// Register creates and registers a route. An empty method means GET.
func (r *Router) Register(matcher Matcher, handler strategy.Handler, method string) *Route {
	route := NewRoute(matcher, handler, method)
	r.RegisterRoute(route)
	return route
}

// UnregisterRoute removes a previously registered route.
func (r *Router) UnregisterRoute(route *Route) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	routes := r.routes[route.Method]
	for i, registered := range routes {
		if registered == route {
			r.routes[route.Method] = append(routes[:i:i], routes[i+1:]...)
			return nil
		}
	}
	return ErrRouteNotFound
}

// SetDefaultHandler sets the handler for requests no route matches.
// An empty method means GET.
func (r *Router) SetDefaultHandler(handler strategy.Handler, method string) {
	if method == "" {
		method = DefaultMethod
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.defaultHandlers[method] = handler
}

// SetCatchHandler sets the handler used when a route's handler fails and the
// route has no catch handler of its own.
func (r *Router) SetCatchHandler(handler strategy.Handler) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.catchHandler = handler
}

// FindMatchingRoute returns the first route matching the request and its params.
func (r *Router) FindMatchingRoute(mc MatchContext) (*Route, any) {
	r.mutex.RLock()
	routes := r.routes[mc.Request.Method]
	r.mutex.RUnlock()
	for _, route := range routes {
		if params, ok := route.Matcher.Match(mc); ok {
			return route, params
		}
	}
	return nil, nil
}

// Handle routes the fetch event. The boolean is false if no handler took the
// request, in which case the host should let it through untouched.
func (r *Router) Handle(ev *event.Fetch) (*http.Response, bool, error) {
	req := ev.Request
	u := fetch.AbsoluteURL(req)
	if u.Scheme != "http" && u.Scheme != "https" {
		r.log.Trace().Str("url", u.String()).Msg("Not routing non-http URL")
		return nil, false, nil
	}
	mc := MatchContext{
		URL:        u,
		Request:    req,
		Event:      ev,
		SameOrigin: r.sameOrigin(u),
	}

	route, params := r.FindMatchingRoute(mc)
	var handler strategy.Handler
	if route != nil {
		handler = route.Handler
	} else {
		r.mutex.RLock()
		handler = r.defaultHandlers[req.Method]
		r.mutex.RUnlock()
	}
	if handler == nil {
		r.log.Trace().Str("url", u.String()).Msg("No route found")
		return nil, false, nil
	}
	r.log.Trace().Str("url", u.String()).Bool("defaultHandler", route == nil).Msg("Routing request")

	opts := strategy.HandlerOptions{Event: ev, Request: req, URL: u, Params: params}
	res, err := handler.Handle(opts)
	if err == nil {
		return res, true, nil
	}

	r.mutex.RLock()
	catch := r.catchHandler
	r.mutex.RUnlock()
	if route != nil && route.CatchHandler != nil {
		catch = route.CatchHandler
	}
	if catch == nil {
		return nil, true, err
	}
	r.log.Debug().Err(err).Str("url", u.String()).Msg("Handler failed, using catch handler")
	res, catchErr := catch.Handle(opts)
	if catchErr != nil {
		return nil, true, errors.Join(err, catchErr)
	}
	return res, true, nil
}

func (r *Router) sameOrigin(u *url.URL) bool {
	if r.origin == nil {
		return true
	}
	return u.Scheme == r.origin.Scheme && u.Host == r.origin.Host
}
