package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/always-cache/swcache/event"
	"github.com/always-cache/swcache/plugin"
	cachestatus "github.com/always-cache/swcache/pkg/cache-status"
)

func TestPluginCounts(t *testing.T) {
	m := NewMetrics("test", nil)
	p := m.Plugin("CacheFirst")
	ctx := context.Background()

	p.CachedResponseWillBeUsed(ctx, plugin.CachedResponseParam{CacheName: "runtime"})
	p.CachedResponseWillBeUsed(ctx, plugin.CachedResponseParam{CacheName: "runtime", CachedResponse: &http.Response{}})
	p.FetchDidFail(ctx, plugin.FetchDidFailParam{Err: errors.New("offline")})
	p.CacheDidUpdate(ctx, plugin.CacheDidUpdateParam{CacheName: "runtime"})

	ev := event.NewFetch(ctx, httptest.NewRequest("GET", "/", nil), nil)
	ev.UpdateStatus(func(cs *cachestatus.CacheStatus) { cs.Hit() })
	p.HandlerDidRespond(ctx, plugin.ResponseParam{Event: ev})

	out := scrape(t, m)
	for _, line := range []string{
		`test_cache_lookups_total{cache="runtime",result="hit"} 1`,
		`test_cache_lookups_total{cache="runtime",result="miss"} 1`,
		`test_network_failures_total{strategy="CacheFirst"} 1`,
		`test_cache_writes_total{cache="runtime"} 1`,
		`test_strategy_responses_total{source="cache",strategy="CacheFirst"} 1`,
	} {
		if !strings.Contains(out, line) {
			t.Errorf("Missing %s in\n%s", line, out)
		}
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.PrecacheEntry(PrecacheFetched)
	m.ExpirationDeleted("runtime", 3)
	if p := m.Plugin("x"); p == nil || p.Has(plugin.HookHandlerDidRespond) {
		t.Fatal("nil metrics should give an empty plugin")
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	m := NewMetrics("swcache", nil)
	m.PrecacheEntry(PrecacheFetched)
	if out := scrape(t, m); !strings.Contains(out, `swcache_precache_entries_total{result="fetched"} 1`) {
		t.Fatalf("Metrics missing:\n%s", out)
	}
}
