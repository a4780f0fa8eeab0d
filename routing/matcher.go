package routing

import (
	"net/http"
	"net/url"
	"regexp"

	"github.com/always-cache/swcache/event"
	"github.com/always-cache/swcache/fetch"

	"github.com/go-chi/chi/v5"
)

// MatchContext is what a Matcher gets to look at.
type MatchContext struct {
	URL        *url.URL
	Request    *http.Request
	Event      *event.Fetch
	SameOrigin bool
}

// Matcher decides whether a route handles a request.
// Matchers must be deterministic: the same request always gives the same result.
// The returned params are passed to the handler.
type Matcher interface {
	Match(mc MatchContext) (params any, ok bool)
}

// MatcherFunc adapts a function to the Matcher interface.
type MatcherFunc func(mc MatchContext) (any, bool)

func (f MatcherFunc) Match(mc MatchContext) (any, bool) {
	return f(mc)
}

// RegExp matches the full URL against re. The params are the submatches, or
// nil if the expression has no groups.
//
// Cross-origin URLs only match if the match starts at the beginning of the URL,
// so that an expression like `/styles/.*\.css` does not match other sites.
func RegExp(re *regexp.Regexp) Matcher {
	return MatcherFunc(func(mc MatchContext) (any, bool) {
		href := mc.URL.String()
		loc := re.FindStringSubmatchIndex(href)
		if loc == nil {
			return nil, false
		}
		if !mc.SameOrigin && loc[0] != 0 {
			return nil, false
		}
		if len(loc) <= 2 {
			return nil, true
		}
		params := make([]string, 0, len(loc)/2-1)
		for i := 2; i < len(loc); i += 2 {
			if loc[i] < 0 {
				params = append(params, "")
				continue
			}
			params = append(params, href[loc[i]:loc[i+1]])
		}
		return params, true
	})
}

// Path matches same-origin requests whose path matches a chi route pattern,
// e.g. "/articles/{slug}" or "/static/*". The params are the captured URL
// parameters as a map.
func Path(pattern string) Matcher {
	mux := chi.NewRouter()
	mux.Handle(pattern, http.NotFoundHandler())
	return MatcherFunc(func(mc MatchContext) (any, bool) {
		if !mc.SameOrigin {
			return nil, false
		}
		rctx := chi.NewRouteContext()
		if !mux.Match(rctx, http.MethodGet, mc.URL.EscapedPath()) {
			return nil, false
		}
		params := make(map[string]string, len(rctx.URLParams.Keys))
		for i, key := range rctx.URLParams.Keys {
			params[key] = rctx.URLParams.Values[i]
		}
		return params, true
	})
}

// ExactURL matches requests for exactly this URL, ignoring the fragment.
// Relative URLs only match same-origin requests.
func ExactURL(raw string) Matcher {
	target, err := url.Parse(raw)
	if err != nil {
		return MatcherFunc(func(MatchContext) (any, bool) { return nil, false })
	}
	target.Fragment = ""
	target.RawFragment = ""
	return MatcherFunc(func(mc MatchContext) (any, bool) {
		u := *mc.URL
		u.Fragment = ""
		u.RawFragment = ""
		if target.IsAbs() {
			return nil, u.String() == target.String()
		}
		return nil, mc.SameOrigin && u.RequestURI() == target.RequestURI()
	})
}

// NavigationOptions restrict which navigations a NavigationRoute handles.
// Both lists match against the path and query of the URL.
type NavigationOptions struct {
	// Navigations must match one of these. Defaults to matching everything.
	Allowlist []*regexp.Regexp
	// Navigations matching any of these are never handled. Takes precedence.
	Denylist []*regexp.Regexp
}

// Navigation matches page navigations allowed by opts.
func Navigation(opts NavigationOptions) Matcher {
	return MatcherFunc(func(mc MatchContext) (any, bool) {
		if !fetch.IsNavigation(mc.Request) {
			return nil, false
		}
		return nil, NavigationAllowed(mc.URL, opts)
	})
}

// NavigationAllowed applies the allowlist and denylist to u.
func NavigationAllowed(u *url.URL, opts NavigationOptions) bool {
	pathAndSearch := u.EscapedPath()
	if u.RawQuery != "" {
		pathAndSearch += "?" + u.RawQuery
	}
	for _, re := range opts.Denylist {
		if re.MatchString(pathAndSearch) {
			return false
		}
	}
	if len(opts.Allowlist) == 0 {
		return true
	}
	for _, re := range opts.Allowlist {
		if re.MatchString(pathAndSearch) {
			return true
		}
	}
	return false
}
