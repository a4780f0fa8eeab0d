package routing

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/always-cache/swcache/event"
	"github.com/always-cache/swcache/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func respond(body string) strategy.Handler {
	return strategy.HandlerFunc(func(opts strategy.HandlerOptions) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	})
}

func fail(err error) strategy.Handler {
	return strategy.HandlerFunc(func(opts strategy.HandlerOptions) (*http.Response, error) {
		return nil, err
	})
}

func dispatch(t *testing.T, r *Router, req *http.Request) (string, bool, error) {
	t.Helper()
	res, handled, err := r.Handle(event.NewFetch(context.Background(), req, nil))
	if res == nil {
		return "", handled, err
	}
	b, readErr := io.ReadAll(res.Body)
	require.NoError(t, readErr)
	return string(b), handled, err
}

func newRouter() *Router {
	origin, _ := url.Parse("https://app.example")
	return NewRouter(origin, nil)
}

func TestRegistrationOrderWins(t *testing.T) {
	r := newRouter()
	r.Register(RegExp(regexp.MustCompile(`/api/`)), respond("A"), "")
	r.Register(RegExp(regexp.MustCompile(`/api/users`)), respond("B"), "")

	body, handled, err := dispatch(t, r, httptest.NewRequest("GET", "https://app.example/api/users", nil))
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "A", body)
}

func TestMethodMustMatch(t *testing.T) {
	r := newRouter()
	r.Register(Path("/form"), respond("get"), "")
	r.Register(Path("/form"), respond("post"), http.MethodPost)

	body, _, _ := dispatch(t, r, httptest.NewRequest("POST", "https://app.example/form", nil))
	assert.Equal(t, "post", body)
	body, _, _ = dispatch(t, r, httptest.NewRequest("GET", "https://app.example/form", nil))
	assert.Equal(t, "get", body)
}

func TestUnmatchedIsNotHandled(t *testing.T) {
	r := newRouter()
	r.Register(Path("/a"), respond("a"), "")

	_, handled, err := dispatch(t, r, httptest.NewRequest("GET", "https://app.example/b", nil))
	require.NoError(t, err)
	assert.False(t, handled)

	r.SetDefaultHandler(respond("default"), "")
	body, handled, _ := dispatch(t, r, httptest.NewRequest("GET", "https://app.example/b", nil))
	assert.True(t, handled)
	assert.Equal(t, "default", body)
}

func TestUnregisterRoute(t *testing.T) {
	r := newRouter()
	route := r.Register(Path("/a"), respond("a"), "")
	require.NoError(t, r.UnregisterRoute(route))
	assert.ErrorIs(t, r.UnregisterRoute(route), ErrRouteNotFound)

	_, handled, _ := dispatch(t, r, httptest.NewRequest("GET", "https://app.example/a", nil))
	assert.False(t, handled)
}

func TestCatchHandlers(t *testing.T) {
	r := newRouter()
	r.Register(Path("/global"), fail(errors.New("down")), "")
	route := r.Register(Path("/own"), fail(errors.New("down")), "")
	route.CatchHandler = respond("own catch")
	r.SetCatchHandler(respond("global catch"))

	body, _, err := dispatch(t, r, httptest.NewRequest("GET", "https://app.example/global", nil))
	require.NoError(t, err)
	assert.Equal(t, "global catch", body)

	body, _, err = dispatch(t, r, httptest.NewRequest("GET", "https://app.example/own", nil))
	require.NoError(t, err)
	assert.Equal(t, "own catch", body)
}

func TestHandlerErrorWithoutCatch(t *testing.T) {
	r := newRouter()
	down := errors.New("down")
	r.Register(Path("/a"), fail(down), "")
	_, handled, err := dispatch(t, r, httptest.NewRequest("GET", "https://app.example/a", nil))
	assert.True(t, handled)
	assert.ErrorIs(t, err, down)
}

func TestPathParams(t *testing.T) {
	r := newRouter()
	var params any
	r.Register(Path("/articles/{slug}"), strategy.HandlerFunc(func(opts strategy.HandlerOptions) (*http.Response, error) {
		params = opts.Params
		return respond("ok").Handle(opts)
	}), "")

	_, handled, err := dispatch(t, r, httptest.NewRequest("GET", "https://app.example/articles/hello", nil))
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, map[string]string{"slug": "hello"}, params)
}

func TestPathIsSameOriginOnly(t *testing.T) {
	r := newRouter()
	r.Register(Path("/static/*"), respond("static"), "")
	_, handled, _ := dispatch(t, r, httptest.NewRequest("GET", "https://cdn.example/static/app.js", nil))
	assert.False(t, handled)
	_, handled, _ = dispatch(t, r, httptest.NewRequest("GET", "https://app.example/static/app.js", nil))
	assert.True(t, handled)
}

func TestRegExpCrossOriginMustMatchFromStart(t *testing.T) {
	mc := func(raw string, sameOrigin bool) MatchContext {
		u, _ := url.Parse(raw)
		return MatchContext{URL: u, SameOrigin: sameOrigin}
	}
	css := RegExp(regexp.MustCompile(`/styles/.*\.css`))
	_, ok := css.Match(mc("https://app.example/styles/main.css", true))
	assert.True(t, ok)
	_, ok = css.Match(mc("https://cdn.example/styles/main.css", false))
	assert.False(t, ok)

	cdn := RegExp(regexp.MustCompile(`^https://cdn\.example/(.*)\.css$`))
	params, ok := cdn.Match(mc("https://cdn.example/styles/main.css", false))
	assert.True(t, ok)
	assert.Equal(t, []string{"styles/main"}, params)
}

func TestExactURL(t *testing.T) {
	r := newRouter()
	r.Register(ExactURL("/offline.html"), respond("offline"), "")
	r.Register(ExactURL("https://cdn.example/lib.js"), respond("lib"), "")

	body, _, _ := dispatch(t, r, httptest.NewRequest("GET", "https://app.example/offline.html", nil))
	assert.Equal(t, "offline", body)
	body, _, _ = dispatch(t, r, httptest.NewRequest("GET", "https://cdn.example/lib.js", nil))
	assert.Equal(t, "lib", body)
	_, handled, _ := dispatch(t, r, httptest.NewRequest("GET", "https://app.example/offline.html?x=1", nil))
	assert.False(t, handled)
}

func TestNavigationRoute(t *testing.T) {
	r := newRouter()
	r.RegisterRoute(NewNavigationRoute(respond("shell"), NavigationOptions{
		Denylist: []*regexp.Regexp{regexp.MustCompile(`^/admin`)},
	}))

	nav := func(target string) *http.Request {
		req := httptest.NewRequest("GET", target, nil)
		req.Header.Set("Sec-Fetch-Mode", "navigate")
		return req
	}
	body, handled, _ := dispatch(t, r, nav("https://app.example/dashboard"))
	assert.True(t, handled)
	assert.Equal(t, "shell", body)

	_, handled, _ = dispatch(t, r, nav("https://app.example/admin/users"))
	assert.False(t, handled)

	_, handled, _ = dispatch(t, r, httptest.NewRequest("GET", "https://app.example/dashboard", nil))
	assert.False(t, handled, "non-navigation requests are not handled")
}

func TestNonHTTPIsNotRouted(t *testing.T) {
	r := newRouter()
	r.SetDefaultHandler(respond("default"), "")
	req := httptest.NewRequest("GET", "https://app.example/", nil)
	req.URL.Scheme = "chrome-extension"
	_, handled, _ := dispatch(t, r, req)
	assert.False(t, handled)
}
