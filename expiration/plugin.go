package expiration

import (
	"context"
	"net/http"
	"sync"

	"github.com/always-cache/swcache/event"
	"github.com/always-cache/swcache/fetch"
	"github.com/always-cache/swcache/plugin"
	cachekey "github.com/always-cache/swcache/pkg/cache-key"
)

// Manager applies one Config to every cache it sees through its plugin,
// creating a Policy per cache name on first use.
type Manager struct {
	config Config

	mutex    sync.Mutex
	policies map[string]*Policy
}

// NewManager validates config and returns a manager.
func NewManager(config Config) (*Manager, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Manager{config: config, policies: make(map[string]*Policy)}, nil
}

// Policy returns the policy for cacheName.
func (m *Manager) Policy(cacheName string) *Policy {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if p, ok := m.policies[cacheName]; ok {
		return p
	}
	// config was validated in NewManager
	p, _ := NewPolicy(cacheName, m.config)
	m.policies[cacheName] = p
	return p
}

// DeleteCachesAndRecords deletes every cache the manager has seen.
func (m *Manager) DeleteCachesAndRecords(ctx context.Context) error {
	m.mutex.Lock()
	policies := make([]*Policy, 0, len(m.policies))
	for _, p := range m.policies {
		policies = append(policies, p)
	}
	m.policies = make(map[string]*Policy)
	m.mutex.Unlock()
	for _, p := range policies {
		if err := p.Delete(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Plugin returns the hooks that keep records up to date and trigger passes.
//
// Cached responses older than the max age are treated as misses. With
// LastInsert, the age of entries without a record comes from their Date header.
func (m *Manager) Plugin() *plugin.Plugin {
	return &plugin.Plugin{
		Name: "expiration",
		CachedResponseWillBeUsed: func(ctx context.Context, p plugin.CachedResponseParam) (*http.Response, error) {
			if p.CachedResponse == nil {
				return nil, nil
			}
			policy := m.Policy(p.CacheName)
			key := cachekey.Normalize(fetch.AbsoluteURL(p.Request))
			fresh := m.isFresh(ctx, policy, key, p.CachedResponse)
			if err := policy.Used(ctx, key); err != nil {
				policy.log.Warn().Err(err).Str("key", key).Msg("Could not update last use")
			}
			m.schedule(ctx, p.Event, policy)
			if !fresh {
				policy.log.Trace().Str("key", key).Msg("Cached response expired")
				return nil, nil
			}
			return p.CachedResponse, nil
		},
		CacheDidUpdate: func(ctx context.Context, p plugin.CacheDidUpdateParam) error {
			policy := m.Policy(p.CacheName)
			key := cachekey.Normalize(fetch.AbsoluteURL(p.Request))
			if err := policy.Inserted(ctx, key); err != nil {
				return err
			}
			m.schedule(ctx, p.Event, policy)
			return nil
		},
	}
}

func (m *Manager) isFresh(ctx context.Context, policy *Policy, key string, res *http.Response) bool {
	if policy.maxAge <= 0 {
		return true
	}
	r, ok, err := policy.store.Get(ctx, policy.cacheName, key)
	if err != nil {
		policy.log.Warn().Err(err).Str("key", key).Msg("Could not read expiration record")
		return true
	}
	if ok {
		return !policy.expired(r, policy.now())
	}
	if policy.basis == LastUsed {
		return true
	}
	date, err := http.ParseTime(res.Header.Get("Date"))
	if err != nil {
		return true
	}
	return !date.Before(policy.now().Add(-policy.maxAge))
}

// schedule runs a pass in the background of ev, or right away without an event.
func (m *Manager) schedule(ctx context.Context, ev *event.Fetch, policy *Policy) {
	run := func(ctx context.Context) error {
		if err := policy.ExpireEntries(ctx); err != nil {
			policy.log.Warn().Err(err).Msg("Expiration failed")
		}
		return nil
	}
	if ev == nil {
		run(ctx)
		return
	}
	ev.WaitUntil(run)
}
