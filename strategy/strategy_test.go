package strategy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/event"
	"github.com/always-cache/swcache/fetch"
	"github.com/always-cache/swcache/navpreload"
	"github.com/always-cache/swcache/plugin"
	serializer "github.com/always-cache/swcache/pkg/response-serializer"
)

const testURL = "http://example.com/resource"

func newResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

type fakeNetwork struct {
	calls  atomic.Int32
	delay  time.Duration
	status int
	body   string
	err    error
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	n.calls.Add(1)
	if n.delay > 0 {
		select {
		case <-time.After(n.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n.err != nil {
		return nil, n.err
	}
	status := n.status
	if status == 0 {
		status = http.StatusOK
	}
	res := newResponse(status, n.body)
	res.Request = req
	return res, nil
}

func seed(t *testing.T, storage cache.Storage, cacheName, key, body string) {
	t.Helper()
	b, err := serializer.Encode(newResponse(http.StatusOK, body))
	if err != nil {
		t.Fatal(err)
	}
	c, _ := storage.Open(context.Background(), cacheName)
	if err := c.Put(context.Background(), cache.Entry{Key: key, Bytes: b, StoredAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
}

func cachedBody(t *testing.T, storage cache.Storage, cacheName, key string) (string, bool) {
	t.Helper()
	c, _ := storage.Open(context.Background(), cacheName)
	entry, ok, err := c.Match(context.Background(), key, cache.MatchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		return "", false
	}
	res, err := serializer.Decode(entry.Bytes, nil)
	if err != nil {
		t.Fatal(err)
	}
	return readBody(t, res), true
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func handle(t *testing.T, s *Strategy, req *http.Request) (*http.Response, *event.Fetch, error) {
	t.Helper()
	ev := event.NewFetch(context.Background(), req, nil)
	res, err := s.Handle(HandlerOptions{Event: ev, Request: req})
	return res, ev, err
}

func TestCacheFirstHitSkipsNetwork(t *testing.T) {
	storage := cache.NewMemStorage()
	network := &fakeNetwork{body: "network"}
	seed(t, storage, "test", testURL, "cached")

	s := NewCacheFirst(Options{CacheName: "test", Storage: storage, Network: network})
	res, ev, err := handle(t, s, httptest.NewRequest("GET", testURL, nil))
	if err != nil {
		t.Fatal(err)
	}
	ev.Wait()
	if body := readBody(t, res); body != "cached" {
		t.Fatalf("Got %s", body)
	}
	if calls := network.calls.Load(); calls != 0 {
		t.Fatalf("Network called %d times", calls)
	}
	if !ev.Status().IsHit() {
		t.Fatalf("Status is %s", ev.Status())
	}
}

func TestCacheFirstMissStoresNetworkResponse(t *testing.T) {
	storage := cache.NewMemStorage()
	network := &fakeNetwork{body: "network"}

	s := NewCacheFirst(Options{CacheName: "test", Storage: storage, Network: network})
	res, ev, err := handle(t, s, httptest.NewRequest("GET", testURL, nil))
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != "network" {
		t.Fatalf("Got %s", body)
	}
	ev.Wait()
	if body, ok := cachedBody(t, storage, "test", testURL); !ok || body != "network" {
		t.Fatalf("Cache has %q (%v)", body, ok)
	}
}

func TestNonOKResponsesAreNotStoredByDefault(t *testing.T) {
	storage := cache.NewMemStorage()
	network := &fakeNetwork{status: http.StatusNotFound, body: "missing"}

	s := NewCacheFirst(Options{CacheName: "test", Storage: storage, Network: network})
	res, ev, err := handle(t, s, httptest.NewRequest("GET", testURL, nil))
	if err != nil {
		t.Fatal(err)
	}
	ev.Wait()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("Status %d", res.StatusCode)
	}
	if _, ok := cachedBody(t, storage, "test", testURL); ok {
		t.Fatal("404 was cached")
	}
}

func TestCacheOnlyMiss(t *testing.T) {
	s := NewCacheOnly(Options{CacheName: "test", Storage: cache.NewMemStorage(), Network: &fakeNetwork{}})
	_, _, err := handle(t, s, httptest.NewRequest("GET", testURL, nil))
	if !IsNoResponse(err) {
		t.Fatalf("Expected no-response error, got %v", err)
	}
}

func TestNetworkOnlyWrapsNetworkError(t *testing.T) {
	offline := errors.New("offline")
	s := NewNetworkOnly(NetworkOnlyOptions{Options: Options{Storage: cache.NewMemStorage(), Network: &fakeNetwork{err: offline}}})
	_, _, err := handle(t, s, httptest.NewRequest("GET", testURL, nil))
	if !IsNoResponse(err) || !errors.Is(err, offline) {
		t.Fatalf("Got %v", err)
	}
}

func TestNetworkOnlyTimeout(t *testing.T) {
	s := NewNetworkOnly(NetworkOnlyOptions{
		Options:        Options{Storage: cache.NewMemStorage(), Network: &fakeNetwork{delay: time.Second}},
		NetworkTimeout: 10 * time.Millisecond,
	})
	start := time.Now()
	_, _, err := handle(t, s, httptest.NewRequest("GET", testURL, nil))
	if !IsNoResponse(err) {
		t.Fatalf("Got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("Timeout was not applied")
	}
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	storage := cache.NewMemStorage()
	seed(t, storage, "test", testURL, "cached")
	s := NewNetworkFirst(NetworkFirstOptions{Options: Options{
		CacheName: "test",
		Storage:   storage,
		Network:   &fakeNetwork{err: errors.New("offline")},
	}})
	res, ev, err := handle(t, s, httptest.NewRequest("GET", testURL, nil))
	if err != nil {
		t.Fatal(err)
	}
	ev.Wait()
	if body := readBody(t, res); body != "cached" {
		t.Fatalf("Got %s", body)
	}
}

func TestNetworkFirstTimeoutServesCacheThenUpdates(t *testing.T) {
	storage := cache.NewMemStorage()
	seed(t, storage, "test", testURL, "cached")
	network := &fakeNetwork{delay: 100 * time.Millisecond, body: "slow network"}
	s := NewNetworkFirst(NetworkFirstOptions{
		Options:        Options{CacheName: "test", Storage: storage, Network: network},
		NetworkTimeout: 10 * time.Millisecond,
	})
	res, ev, err := handle(t, s, httptest.NewRequest("GET", testURL, nil))
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != "cached" {
		t.Fatalf("Got %s", body)
	}
	if err := ev.Wait(); err != nil {
		t.Fatal(err)
	}
	if body, _ := cachedBody(t, storage, "test", testURL); body != "slow network" {
		t.Fatalf("Cache has %q", body)
	}
}

func TestNetworkFirstTimeoutWithEmptyCacheWaitsForNetwork(t *testing.T) {
	network := &fakeNetwork{delay: 50 * time.Millisecond, body: "slow network"}
	s := NewNetworkFirst(NetworkFirstOptions{
		Options:        Options{CacheName: "test", Storage: cache.NewMemStorage(), Network: network},
		NetworkTimeout: 5 * time.Millisecond,
	})
	res, ev, err := handle(t, s, httptest.NewRequest("GET", testURL, nil))
	if err != nil {
		t.Fatal(err)
	}
	ev.Wait()
	if body := readBody(t, res); body != "slow network" {
		t.Fatalf("Got %s", body)
	}
	if calls := network.calls.Load(); calls != 1 {
		t.Fatalf("Network called %d times", calls)
	}
}

func TestStaleWhileRevalidate(t *testing.T) {
	storage := cache.NewMemStorage()
	seed(t, storage, "test", testURL, "cached")
	network := &fakeNetwork{body: "fresh"}
	s := NewStaleWhileRevalidate(Options{CacheName: "test", Storage: storage, Network: network})

	res, ev, err := handle(t, s, httptest.NewRequest("GET", testURL, nil))
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != "cached" {
		t.Fatalf("Got %s", body)
	}
	ev.Wait()

	cacheFirst := NewCacheFirst(Options{CacheName: "test", Storage: storage, Network: network})
	res, ev, err = handle(t, cacheFirst, httptest.NewRequest("GET", testURL, nil))
	if err != nil {
		t.Fatal(err)
	}
	ev.Wait()
	if body := readBody(t, res); body != "fresh" {
		t.Fatalf("Got %s after revalidation", body)
	}
	if calls := network.calls.Load(); calls != 1 {
		t.Fatalf("Network called %d times", calls)
	}
}

func TestStaleWhileRevalidateMissFetchesOnce(t *testing.T) {
	network := &fakeNetwork{err: errors.New("offline")}
	s := NewStaleWhileRevalidate(Options{CacheName: "test", Storage: cache.NewMemStorage(), Network: network})
	_, ev, err := handle(t, s, httptest.NewRequest("GET", testURL, nil))
	ev.Wait()
	if !IsNoResponse(err) {
		t.Fatalf("Got %v", err)
	}
	if calls := network.calls.Load(); calls != 1 {
		t.Fatalf("Network called %d times", calls)
	}
}

func TestLifecycleHooks(t *testing.T) {
	var (
		mutex sync.Mutex
		hooks []plugin.Hook
	)
	record := func(h plugin.Hook) {
		mutex.Lock()
		defer mutex.Unlock()
		hooks = append(hooks, h)
	}
	p := &plugin.Plugin{
		Name: "recorder",
		HandlerWillStart: func(ctx context.Context, p plugin.RequestParam) error {
			record(plugin.HookHandlerWillStart)
			return nil
		},
		HandlerWillRespond: func(ctx context.Context, p plugin.ResponseParam) (*http.Response, error) {
			record(plugin.HookHandlerWillRespond)
			p.Response.Header.Set("X-Stamped", "1")
			return p.Response, nil
		},
		HandlerDidRespond: func(ctx context.Context, p plugin.ResponseParam) error {
			record(plugin.HookHandlerDidRespond)
			return nil
		},
		HandlerDidComplete: func(ctx context.Context, p plugin.HandlerCompleteParam) error {
			record(plugin.HookHandlerDidComplete)
			return nil
		},
		CacheDidUpdate: func(ctx context.Context, p plugin.CacheDidUpdateParam) error {
			record(plugin.HookCacheDidUpdate)
			return nil
		},
	}
	s := NewCacheFirst(Options{CacheName: "test", Storage: cache.NewMemStorage(), Network: &fakeNetwork{}, Plugins: []*plugin.Plugin{p}})
	res, ev, err := handle(t, s, httptest.NewRequest("GET", testURL, nil))
	if err != nil {
		t.Fatal(err)
	}
	ev.Wait()
	if res.Header.Get("X-Stamped") != "1" {
		t.Fatal("handlerWillRespond did not run")
	}
	expected := []plugin.Hook{
		plugin.HookHandlerWillStart,
		plugin.HookHandlerWillRespond,
	}
	for i, h := range expected {
		if hooks[i] != h {
			t.Fatalf("Hook %d is %s, expected %s", i, hooks[i], h)
		}
	}
	if last := hooks[len(hooks)-1]; last != plugin.HookHandlerDidComplete {
		t.Fatalf("Last hook is %s", last)
	}
	if len(hooks) != 5 {
		t.Fatalf("Hooks are %v", hooks)
	}
}

func TestHandlerDidErrorRecovers(t *testing.T) {
	fallback := &plugin.Plugin{
		Name: "fallback",
		HandlerDidError: func(ctx context.Context, p plugin.HandlerErrorParam) (*http.Response, error) {
			return newResponse(http.StatusOK, "offline page"), nil
		},
	}
	s := NewNetworkOnly(NetworkOnlyOptions{Options: Options{
		Storage: cache.NewMemStorage(),
		Network: &fakeNetwork{err: errors.New("offline")},
		Plugins: []*plugin.Plugin{fallback},
	}})
	res, ev, err := handle(t, s, httptest.NewRequest("GET", testURL, nil))
	if err != nil {
		t.Fatal(err)
	}
	ev.Wait()
	if body := readBody(t, res); body != "offline page" {
		t.Fatalf("Got %s", body)
	}
}

func TestNetworkFirstCancelledIsNoResponse(t *testing.T) {
	s := NewNetworkFirst(NetworkFirstOptions{
		Options:        Options{CacheName: "test", Storage: cache.NewMemStorage(), Network: &fakeNetwork{delay: time.Second}},
		NetworkTimeout: time.Minute,
	})
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", testURL, nil).WithContext(ctx)
	ev := event.NewFetch(context.Background(), req, nil)
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err := s.Handle(HandlerOptions{Event: ev, Request: req})
	if !IsNoResponse(err) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Got %v", err)
	}
}

func TestHandlerDidRespondDoesNotShareBody(t *testing.T) {
	var seen atomic.Value
	p := &plugin.Plugin{
		Name: "reader",
		HandlerDidRespond: func(ctx context.Context, p plugin.ResponseParam) error {
			b, err := io.ReadAll(p.Response.Body)
			if err != nil {
				return err
			}
			seen.Store(string(b))
			return nil
		},
	}
	s := NewNetworkOnly(NetworkOnlyOptions{Options: Options{
		Storage: cache.NewMemStorage(),
		Network: &fakeNetwork{body: "payload"},
		Plugins: []*plugin.Plugin{p},
	}})
	res, ev, err := handle(t, s, httptest.NewRequest("GET", testURL, nil))
	if err != nil {
		t.Fatal(err)
	}
	ev.Wait()
	if body := readBody(t, res); body != "payload" {
		t.Fatalf("Got %s", body)
	}
	if v, _ := seen.Load().(string); v != "" {
		t.Fatalf("Plugin read %q from the body", v)
	}
}

func TestPluginErrorPropagates(t *testing.T) {
	broken := &plugin.Plugin{
		Name: "broken",
		HandlerWillStart: func(ctx context.Context, p plugin.RequestParam) error {
			return errors.New("boom")
		},
	}
	s := NewCacheFirst(Options{Storage: cache.NewMemStorage(), Network: &fakeNetwork{}, Plugins: []*plugin.Plugin{broken}})
	_, _, err := handle(t, s, httptest.NewRequest("GET", testURL, nil))
	var pluginErr *plugin.Error
	if !errors.As(err, &pluginErr) {
		t.Fatalf("Got %v", err)
	}
}

func TestCacheKeyWillBeUsed(t *testing.T) {
	storage := cache.NewMemStorage()
	seed(t, storage, "test", "http://example.com/canonical", "canonical")
	rekey := &plugin.Plugin{
		CacheKeyWillBeUsed: func(ctx context.Context, p plugin.CacheKeyParam) (*http.Request, error) {
			return httptest.NewRequest("GET", "http://example.com/canonical", nil), nil
		},
	}
	s := NewCacheOnly(Options{CacheName: "test", Storage: storage, Plugins: []*plugin.Plugin{rekey}})
	res, _, err := handle(t, s, httptest.NewRequest("GET", "http://example.com/alias?v=2", nil))
	if err != nil {
		t.Fatal(err)
	}
	if body := readBody(t, res); body != "canonical" {
		t.Fatalf("Got %s", body)
	}
}

func TestNavigationPreloadIsUsed(t *testing.T) {
	network := &fakeNetwork{body: "fetched"}
	req := httptest.NewRequest("GET", testURL, nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	ev := event.NewFetch(context.Background(), req, navpreload.Resolved(newResponse(http.StatusOK, "preloaded"), nil))

	s := NewNetworkFirst(NetworkFirstOptions{Options: Options{Storage: cache.NewMemStorage(), Network: network}})
	res, err := s.Handle(HandlerOptions{Event: ev})
	if err != nil {
		t.Fatal(err)
	}
	ev.Wait()
	if body := readBody(t, res); body != "preloaded" {
		t.Fatalf("Got %s", body)
	}
	if calls := network.calls.Load(); calls != 0 {
		t.Fatalf("Network called %d times", calls)
	}
}

func TestFetchOptionsApplied(t *testing.T) {
	var cookie atomic.Value
	network := fetch.FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		cookie.Store(req.Header.Get("Cookie"))
		return newResponse(http.StatusOK, "ok"), nil
	})
	s := NewNetworkOnly(NetworkOnlyOptions{Options: Options{
		Storage:      cache.NewMemStorage(),
		Network:      network,
		FetchOptions: fetch.Options{Credentials: fetch.CredentialsOmit},
	}})
	req := httptest.NewRequest("GET", testURL, nil)
	req.Header.Set("Cookie", "session=1")
	if _, _, err := handle(t, s, req); err != nil {
		t.Fatal(err)
	}
	if c := cookie.Load().(string); c != "" {
		t.Fatalf("Cookie was sent: %s", c)
	}
}
