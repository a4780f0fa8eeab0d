package precache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/event"
	"github.com/always-cache/swcache/fetch"
	"github.com/always-cache/swcache/plugin"
	"github.com/always-cache/swcache/routing"
	"github.com/always-cache/swcache/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var origin, _ = url.Parse("https://app.example")

type testOrigin struct {
	mux   *http.ServeMux
	calls atomic.Int32
	mutex sync.Mutex
	paths []string
}

func newTestOrigin() *testOrigin {
	o := &testOrigin{mux: http.NewServeMux()}
	for _, p := range []string{"/index.html", "/about.html", "/app.js", "/style.css", "/v2.js"} {
		body := "content of " + p
		o.mux.HandleFunc(p, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		})
	}
	return o
}

func (o *testOrigin) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	o.calls.Add(1)
	o.mutex.Lock()
	o.paths = append(o.paths, req.URL.Path)
	o.mutex.Unlock()
	return fetch.Handler{Handler: o.mux}.Fetch(ctx, req)
}

func newController(t *testing.T, storage cache.Storage, network fetch.Fetcher, entries ...Entry) *Controller {
	t.Helper()
	c, err := NewController(entries, Options{Origin: origin, Storage: storage, Network: network})
	require.NoError(t, err)
	return c
}

func cacheKeys(t *testing.T, storage cache.Storage, name string) []string {
	t.Helper()
	c, err := storage.Open(context.Background(), name)
	require.NoError(t, err)
	keys, err := c.Keys(context.Background())
	require.NoError(t, err)
	sort.Strings(keys)
	return keys
}

func expectedKeys(c *Controller) []string {
	keys := make([]string, 0)
	for _, k := range c.GetURLsToCacheKeys() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func body(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

func TestInstallIsIdempotent(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	network := newTestOrigin()
	c := newController(t, storage, network,
		Entry{URL: "/index.html", Revision: "1"},
		Entry{URL: "/app.js", Revision: "1"},
		Entry{URL: "/style.css"},
	)
	assert.Equal(t, StateInstalling, c.State())

	result, err := c.Install(ctx)
	require.NoError(t, err)
	assert.Len(t, result.UpdatedURLs, 3)
	assert.Equal(t, int32(3), network.calls.Load())
	assert.Equal(t, StateInstalled, c.State())
	assert.Equal(t, expectedKeys(c), cacheKeys(t, storage, c.CacheName()))

	result, err = c.Install(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.UpdatedURLs)
	assert.Len(t, result.NotUpdatedURLs, 3)
	assert.Equal(t, int32(3), network.calls.Load(), "reinstall must not fetch")
}

func TestActivateRemovesOutdatedKeys(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	network := newTestOrigin()

	v1 := newController(t, storage, network,
		Entry{URL: "/index.html", Revision: "1"},
		Entry{URL: "/app.js", Revision: "1"},
		Entry{URL: "/style.css", Revision: "1"},
	)
	_, err := v1.Install(ctx)
	require.NoError(t, err)
	_, err = v1.Activate(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActivated, v1.State())

	v2 := newController(t, storage, network,
		Entry{URL: "/index.html", Revision: "2"},
		Entry{URL: "/style.css", Revision: "1"},
		Entry{URL: "/v2.js"},
	)
	result, err := v2.Install(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://app.example/index.html", "https://app.example/v2.js"}, result.UpdatedURLs)

	activated, err := v2.Activate(ctx)
	require.NoError(t, err)
	assert.Len(t, activated.DeletedCacheKeys, 2)
	assert.Equal(t, expectedKeys(v2), cacheKeys(t, storage, v2.CacheName()))
}

func TestInstallFailureBlocksActivation(t *testing.T) {
	ctx := context.Background()
	c := newController(t, cache.NewMemStorage(), newTestOrigin(),
		Entry{URL: "/app.js", Revision: "1"},
		Entry{URL: "/missing.js", Revision: "1"},
	)
	_, err := c.Install(ctx)
	var installErr *InstallError
	require.ErrorAs(t, err, &installErr)
	assert.Equal(t, "https://app.example/missing.js", installErr.URL)
	assert.ErrorIs(t, err, ErrBadResponse)
	assert.Equal(t, StateInstalling, c.State())

	_, err = c.Activate(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRecoveredInstallFails(t *testing.T) {
	ctx := context.Background()
	recovering := &plugin.Plugin{
		Name: "offline-page",
		HandlerDidError: func(ctx context.Context, p plugin.HandlerErrorParam) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: http.NoBody}, nil
		},
	}
	storage := cache.NewMemStorage()
	c, err := NewController(
		[]Entry{{URL: "/app.js", Revision: "1"}, {URL: "/missing.js", Revision: "1"}},
		Options{Origin: origin, Storage: storage, Network: newTestOrigin(), Plugins: []*plugin.Plugin{recovering}},
	)
	require.NoError(t, err)

	result, err := c.Install(ctx)
	var installErr *InstallError
	require.ErrorAs(t, err, &installErr)
	assert.Equal(t, "https://app.example/missing.js", installErr.URL)
	assert.NotContains(t, result.UpdatedURLs, "https://app.example/missing.js")
	assert.Equal(t, StateInstalling, c.State())
	_, err = c.Activate(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestIntegrity(t *testing.T) {
	ctx := context.Background()
	// sha256 of "content of /app.js"
	good := "sha256:" + sha256Hex("content of /app.js")
	c := newController(t, cache.NewMemStorage(), newTestOrigin(), Entry{URL: "/app.js", Integrity: good})
	_, err := c.Install(ctx)
	require.NoError(t, err)

	bad := newController(t, cache.NewMemStorage(), newTestOrigin(), Entry{URL: "/app.js", Integrity: "sha384-AAAA"})
	_, err = bad.Install(ctx)
	assert.ErrorIs(t, err, ErrIntegrityMismatch)
}

func TestStateMachine(t *testing.T) {
	ctx := context.Background()
	c := newController(t, cache.NewMemStorage(), newTestOrigin())
	assert.Equal(t, StateEmpty, c.State())
	_, err := c.Activate(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, c.Precache([]Entry{{URL: "/app.js", Revision: "1"}}))
	require.NoError(t, c.Precache([]Entry{{URL: "/app.js", Revision: "2"}}))
	assert.Equal(t, []string{"https://app.example/app.js"}, c.GetCachedURLs())
	key, ok := c.GetCacheKeyForURL("/app.js")
	require.True(t, ok)
	assert.Equal(t, "https://app.example/app.js?__WB_REVISION__=2", key)

	_, err = c.Install(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateInstalled, c.State())

	// the same entry again keeps the install
	require.NoError(t, c.Precache([]Entry{{URL: "/app.js", Revision: "2"}}))
	assert.Equal(t, StateInstalled, c.State())

	// a new entry needs another install before activation
	require.NoError(t, c.Precache([]Entry{{URL: "/index.html", Revision: "1"}}))
	assert.Equal(t, StateInstalling, c.State())
	_, err = c.Activate(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)

	result, err := c.Install(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example/index.html"}, result.UpdatedURLs)
	_, err = c.Activate(ctx)
	require.NoError(t, err)
	assert.Equal(t, expectedKeys(c), cacheKeys(t, c.storage, c.CacheName()))

	assert.ErrorIs(t, c.Precache([]Entry{{URL: "/other.js"}}), ErrInvalidState)
	_, err = c.Install(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestInstallConcurrencyIsBounded(t *testing.T) {
	var running, maxRunning atomic.Int32
	network := fetch.FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		rec := httptest.NewRecorder()
		rec.WriteString("ok")
		return rec.Result(), nil
	})
	entries := make([]Entry, 0, 8)
	for i := 0; i < 8; i++ {
		entries = append(entries, Entry{URL: "/asset-" + string(rune('a'+i))})
	}
	c, err := NewController(entries, Options{Origin: origin, Storage: cache.NewMemStorage(), Network: network, Concurrency: 2})
	require.NoError(t, err)
	_, err = c.Install(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, maxRunning.Load(), int32(2))
}

func dispatch(t *testing.T, r *routing.Router, target string) (*http.Response, bool, error) {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	ev := event.NewFetch(context.Background(), req, nil)
	res, handled, err := r.Handle(ev)
	require.NoError(t, ev.Wait())
	return res, handled, err
}

func TestRouteServesVariations(t *testing.T) {
	ctx := context.Background()
	network := newTestOrigin()
	c := newController(t, cache.NewMemStorage(), network,
		Entry{URL: "/index.html", Revision: "1"},
		Entry{URL: "/about.html", Revision: "1"},
		Entry{URL: "/app.js", Revision: "1"},
	)
	_, err := c.Install(ctx)
	require.NoError(t, err)
	calls := network.calls.Load()

	r := routing.NewRouter(origin, nil)
	r.RegisterRoute(c.Route(RouteOptions{}))

	for target, expected := range map[string]string{
		"https://app.example/app.js?utm_source=mail": "content of /app.js",
		"https://app.example/":                       "content of /index.html",
		"https://app.example/about":                  "content of /about.html",
	} {
		res, handled, err := dispatch(t, r, target)
		require.NoError(t, err, target)
		require.True(t, handled, target)
		assert.Equal(t, expected, body(t, res), target)
	}
	assert.Equal(t, calls, network.calls.Load(), "precached responses must not hit the network")

	_, handled, _ := dispatch(t, r, "https://app.example/unknown.js")
	assert.False(t, handled)
}

func TestMissingEntryIsRepaired(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	network := newTestOrigin()
	c := newController(t, storage, network, Entry{URL: "/app.js", Revision: "1"})
	_, err := c.Install(ctx)
	require.NoError(t, err)

	pc, _ := storage.Open(ctx, c.CacheName())
	key, _ := c.GetCacheKeyForURL("/app.js")
	_, err = pc.Delete(ctx, key, cache.MatchOptions{})
	require.NoError(t, err)

	r := routing.NewRouter(origin, nil)
	r.RegisterRoute(c.Route(RouteOptions{}))
	res, handled, err := dispatch(t, r, "https://app.example/app.js")
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, "content of /app.js", body(t, res))

	res, err = c.MatchPrecache(ctx, "/app.js")
	require.NoError(t, err)
	require.NotNil(t, res, "entry was not repaired")
	assert.Equal(t, "content of /app.js", body(t, res))
}

func TestNetworkFallbackDisabled(t *testing.T) {
	c, err := NewController([]Entry{{URL: "/app.js"}}, Options{
		Origin:                 origin,
		Storage:                cache.NewMemStorage(),
		Network:                newTestOrigin(),
		DisableNetworkFallback: true,
	})
	require.NoError(t, err)
	r := routing.NewRouter(origin, nil)
	r.RegisterRoute(c.Route(RouteOptions{}))
	_, handled, err := dispatch(t, r, "https://app.example/app.js")
	assert.True(t, handled)
	assert.True(t, strategy.IsNoResponse(err))
}

func TestCreateHandlerBoundToURL(t *testing.T) {
	ctx := context.Background()
	c := newController(t, cache.NewMemStorage(), newTestOrigin(), Entry{URL: "/index.html", Revision: "1"})
	_, err := c.Install(ctx)
	require.NoError(t, err)

	_, err = c.CreateHandlerBoundToURL("/nope.html")
	assert.ErrorIs(t, err, ErrNotPrecached)

	shell, err := c.CreateHandlerBoundToURL("/index.html")
	require.NoError(t, err)
	r := routing.NewRouter(origin, nil)
	r.RegisterRoute(routing.NewNavigationRoute(shell, routing.NavigationOptions{}))

	req := httptest.NewRequest("GET", "https://app.example/some/page", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	ev := event.NewFetch(ctx, req, nil)
	res, handled, err := r.Handle(ev)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, "content of /index.html", body(t, res))
	require.NoError(t, ev.Wait())
}

func TestDeleteOutdatedCaches(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	for _, name := range []string{"swcache-precache-v1", "other-precache-v2-old", "swcache-runtime"} {
		_, err := storage.Open(ctx, name)
		require.NoError(t, err)
	}
	c := newController(t, storage, newTestOrigin())
	_, err := storage.Open(ctx, c.CacheName())
	require.NoError(t, err)

	deleted, err := c.DeleteOutdatedCaches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"swcache-precache-v1", "other-precache-v2-old"}, deleted)
	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"swcache-runtime", "swcache-precache-v2"}, names)
}

func TestParseManifest(t *testing.T) {
	entries, err := ParseManifest([]byte(`[
		"/fingerprinted.3f2a.js",
		{"url": "/index.html", "revision": "abc"},
		{"url": "/app.css", "revision": null, "integrity": "sha256-xyz"}
	]`))
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{URL: "/fingerprinted.3f2a.js"},
		{URL: "/index.html", Revision: "abc"},
		{URL: "/app.css", Integrity: "sha256-xyz"},
	}, entries)

	_, err = ParseManifest([]byte(`[{"revision": "1"}]`))
	assert.Error(t, err)
}

func TestLoadYAMLManifest(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(filename, []byte("- /a.js\n- url: /index.html\n  revision: \"7\"\n"), 0o644))
	entries, err := LoadManifest(filename)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{URL: "/a.js"}, {URL: "/index.html", Revision: "7"}}, entries)
}
