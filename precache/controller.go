// Package precache installs a versioned manifest of assets into a dedicated
// cache and serves requests for them.
//
// The Controller moves through Empty, Installing, Installed, Activating and
// Activated. Entries can be added until activation starts. Install stores
// every entry whose storage key is not cached yet. Activate deletes every
// cached key that the manifest no longer names.
package precache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/event"
	"github.com/always-cache/swcache/fetch"
	"github.com/always-cache/swcache/metrics"
	"github.com/always-cache/swcache/plugin"
	cachekey "github.com/always-cache/swcache/pkg/cache-key"
	serializer "github.com/always-cache/swcache/pkg/response-serializer"
	"github.com/always-cache/swcache/strategy"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the number of entries fetched at once during install.
const DefaultConcurrency = 10

// State is a lifecycle state of a Controller.
type State int

const (
	StateEmpty State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrInvalidState      = errors.New("operation not allowed in current state")
	ErrIntegrityMismatch = errors.New("integrity mismatch")
	ErrBadResponse       = errors.New("bad precaching response")
	ErrNotPrecached      = errors.New("URL is not precached")
)

// InstallError is returned when an entry could not be installed.
type InstallError struct {
	URL string
	Err error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("could not precache %s: %v", e.URL, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// Options configure a Controller.
type Options struct {
	// Defaults to cache.DefaultNames.Precache().
	CacheName string
	Plugins   []*plugin.Plugin
	// Applied to every network request, including installs.
	FetchOptions fetch.Options
	// Entries fetched at once during install. Defaults to DefaultConcurrency.
	Concurrency int
	// Answer requests for precached URLs that are missing from the cache
	// with a 404 instead of fetching, and repairing, them.
	DisableNetworkFallback bool
	// Base URL relative manifest URLs are resolved against.
	Origin  *url.URL
	Storage cache.Storage
	Network fetch.Fetcher
	Metrics *metrics.Metrics
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// InstallResult lists the URLs fetched and the URLs already cached.
type InstallResult struct {
	UpdatedURLs    []string
	NotUpdatedURLs []string
}

// ActivateResult lists the keys removed from the precache.
type ActivateResult struct {
	DeletedCacheKeys []string
}

// Controller owns the precache and its manifest.
type Controller struct {
	cacheName   string
	concurrency int
	origin      *url.URL
	storage     cache.Storage
	metrics     *metrics.Metrics
	log         zerolog.Logger
	strategy    *strategy.Strategy

	mutex                  sync.RWMutex
	state                  State
	urls                   []string
	urlsToCacheKeys        map[string]string
	cacheKeysToIntegrities map[string]string
}

// NewController returns a controller for the given manifest entries.
func NewController(entries []Entry, opts Options) (*Controller, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &log.Logger
	}
	if opts.CacheName == "" {
		opts.CacheName = cache.DefaultNames.Precache()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	c := &Controller{
		cacheName:              opts.CacheName,
		concurrency:            opts.Concurrency,
		origin:                 opts.Origin,
		storage:                opts.Storage,
		metrics:                opts.Metrics,
		log:                    logger.With().Str("cacheName", opts.CacheName).Logger(),
		urlsToCacheKeys:        make(map[string]string),
		cacheKeysToIntegrities: make(map[string]string),
	}
	c.strategy = newPrecacheStrategy(c, opts)
	if len(entries) > 0 {
		if err := c.Precache(entries); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// CacheName returns the name of the precache.
func (c *Controller) CacheName() string {
	return c.cacheName
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.state
}

// Strategy returns the strategy serving precached requests.
func (c *Controller) Strategy() *strategy.Strategy {
	return c.strategy
}

// Precache adds entries to the manifest. A URL added again replaces the
// earlier entry. Entries cannot be added once activation has started.
// New or changed keys move an installed controller back to StateInstalling.
func (c *Controller) Precache(entries []Entry) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.state >= StateActivating {
		return fmt.Errorf("precache in state %s: %w", c.state, ErrInvalidState)
	}
	changed := false
	for _, e := range entries {
		ck, err := cachekey.CreateCacheKey(c.origin, e.URL, e.Revision)
		if err != nil {
			return fmt.Errorf("invalid precache entry: %w", err)
		}
		if u, _ := url.Parse(ck.URL); !u.IsAbs() {
			return fmt.Errorf("precache entry %s: relative URLs need an origin", e.URL)
		}
		if previous, ok := c.urlsToCacheKeys[ck.URL]; ok {
			if previous != ck.Key {
				changed = true
				c.log.Warn().Str("url", ck.URL).Str("previous", previous).Str("key", ck.Key).
					Msg("Conflicting precache entries, using the last one")
			}
			delete(c.cacheKeysToIntegrities, previous)
		} else {
			changed = true
			c.urls = append(c.urls, ck.URL)
		}
		c.urlsToCacheKeys[ck.URL] = ck.Key
		if e.Integrity != "" {
			c.cacheKeysToIntegrities[ck.Key] = e.Integrity
		}
	}
	if c.state == StateEmpty || (c.state == StateInstalled && changed) {
		c.state = StateInstalling
	}
	return nil
}

// Install stores every manifest entry that is not cached yet, fetching at
// most the configured number of entries at once. Any failed entry fails the
// install and the controller stays in StateInstalling, so install can be
// retried. Entries stored before the failure are kept and skipped next time.
func (c *Controller) Install(ctx context.Context) (InstallResult, error) {
	c.mutex.Lock()
	if c.state >= StateActivating {
		state := c.state
		c.mutex.Unlock()
		return InstallResult{}, fmt.Errorf("install in state %s: %w", state, ErrInvalidState)
	}
	c.state = StateInstalling
	type job struct{ url, key, integrity string }
	jobs := make([]job, 0, len(c.urls))
	for _, u := range c.urls {
		key := c.urlsToCacheKeys[u]
		jobs = append(jobs, job{u, key, c.cacheKeysToIntegrities[key]})
	}
	c.mutex.Unlock()

	pc, err := c.storage.Open(ctx, c.cacheName)
	if err != nil {
		return InstallResult{}, err
	}
	cached, err := keySet(ctx, pc)
	if err != nil {
		return InstallResult{}, err
	}

	var (
		result      InstallResult
		resultMutex sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, j := range jobs {
		if _, ok := cached[j.key]; ok {
			result.NotUpdatedURLs = append(result.NotUpdatedURLs, j.url)
			c.metrics.PrecacheEntry(metrics.PrecacheSkipped)
			continue
		}
		j := j
		g.Go(func() error {
			if err := c.installEntry(gctx, j.url, j.key, j.integrity); err != nil {
				return &InstallError{URL: j.url, Err: err}
			}
			resultMutex.Lock()
			result.UpdatedURLs = append(result.UpdatedURLs, j.url)
			resultMutex.Unlock()
			c.metrics.PrecacheEntry(metrics.PrecacheFetched)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.log.Error().Err(err).Msg("Precache install failed")
		return result, err
	}

	c.mutex.Lock()
	if c.state == StateInstalling {
		c.state = StateInstalled
	}
	c.mutex.Unlock()
	c.log.Debug().
		Int("updated", len(result.UpdatedURLs)).
		Int("notUpdated", len(result.NotUpdatedURLs)).
		Msg("Precache installed")
	return result, nil
}

func (c *Controller) installEntry(ctx context.Context, rawURL, key, integrity string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	if key != rawURL {
		// revisioned URLs must bypass any HTTP cache between us and the origin
		req.Header.Set("Cache-Control", "no-cache")
	}
	ev := event.NewFetch(ctx, req, nil)
	_, err = c.strategy.Invoke(strategy.HandlerOptions{
		Event:   ev,
		Request: req,
		Params:  RouteParams{CacheKey: key, Integrity: integrity},
	}, c.handleInstall)
	if waitErr := ev.Wait(); err == nil {
		err = waitErr
	}
	if err != nil {
		return err
	}
	// a plugin recovering from the error still leaves the entry missing
	pc, err := c.storage.Open(ctx, c.cacheName)
	if err != nil {
		return err
	}
	if _, ok, err := pc.Match(ctx, key, cache.MatchOptions{}); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: not stored", ErrBadResponse)
	}
	return nil
}

func (c *Controller) handleInstall(ctx context.Context, inv *strategy.Invocation) (*http.Response, error) {
	params, _ := inv.Params().(RouteParams)
	res, err := inv.Fetch(ctx, inv.Request())
	if err != nil {
		return nil, err
	}
	body, err := serializer.Buffer(res)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrBadResponse, res.StatusCode)
	}
	if err := verifyIntegrity(params.Integrity, body); err != nil {
		return nil, err
	}
	stored, err := inv.CachePut(ctx, inv.Request(), res)
	if err != nil {
		return nil, err
	}
	if !stored {
		return nil, fmt.Errorf("%w: rejected by plugin", ErrBadResponse)
	}
	return res, nil
}

// Activate deletes every cached key that is not part of the manifest.
// Failures to delete single keys are logged and do not fail activation.
func (c *Controller) Activate(ctx context.Context) (ActivateResult, error) {
	c.mutex.Lock()
	if c.state != StateInstalled {
		state := c.state
		c.mutex.Unlock()
		return ActivateResult{}, fmt.Errorf("activate in state %s: %w", state, ErrInvalidState)
	}
	c.state = StateActivating
	expected := make(map[string]struct{}, len(c.urlsToCacheKeys))
	for _, key := range c.urlsToCacheKeys {
		expected[key] = struct{}{}
	}
	c.mutex.Unlock()

	var result ActivateResult
	pc, err := c.storage.Open(ctx, c.cacheName)
	if err != nil {
		c.setState(StateInstalled)
		return result, err
	}
	keys, err := pc.Keys(ctx)
	if err != nil {
		c.setState(StateInstalled)
		return result, err
	}
	for _, key := range keys {
		if _, ok := expected[key]; ok {
			continue
		}
		if _, err := pc.Delete(ctx, key, cache.MatchOptions{}); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("Could not delete outdated precache entry")
			continue
		}
		result.DeletedCacheKeys = append(result.DeletedCacheKeys, key)
		c.metrics.PrecacheEntry(metrics.PrecacheDeleted)
	}

	c.setState(StateActivated)
	c.log.Debug().Int("deleted", len(result.DeletedCacheKeys)).Msg("Precache activated")
	return result, nil
}

func (c *Controller) setState(s State) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.state = s
}

// DeleteOutdatedCaches deletes precaches of other versions: every cache whose
// name contains "-precache-" except the current one. It returns the deleted names.
func (c *Controller) DeleteOutdatedCaches(ctx context.Context) ([]string, error) {
	names, err := c.storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, name := range names {
		if name == c.cacheName || !strings.Contains(name, "-precache-") {
			continue
		}
		if _, err := c.storage.Delete(ctx, name); err != nil {
			return deleted, err
		}
		c.log.Debug().Str("outdated", name).Msg("Deleted outdated precache")
		deleted = append(deleted, name)
	}
	return deleted, nil
}

// GetCachedURLs returns the manifest URLs in the order they were added.
func (c *Controller) GetCachedURLs() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return append([]string(nil), c.urls...)
}

// GetURLsToCacheKeys returns a copy of the URL to storage key mapping.
func (c *Controller) GetURLsToCacheKeys() map[string]string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	m := make(map[string]string, len(c.urlsToCacheKeys))
	for u, k := range c.urlsToCacheKeys {
		m[u] = k
	}
	return m
}

// GetCacheKeyForURL returns the storage key of a precached URL.
// Relative URLs are resolved against the origin.
func (c *Controller) GetCacheKeyForURL(rawURL string) (string, bool) {
	u, err := cachekey.Resolve(c.origin, rawURL)
	if err != nil {
		return "", false
	}
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	key, ok := c.urlsToCacheKeys[u.String()]
	return key, ok
}

// GetIntegrityForCacheKey returns the integrity metadata of a storage key.
func (c *Controller) GetIntegrityForCacheKey(key string) string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.cacheKeysToIntegrities[key]
}

// MatchPrecache returns the precached response for rawURL, or nil if it is
// not precached or not cached yet.
func (c *Controller) MatchPrecache(ctx context.Context, rawURL string) (*http.Response, error) {
	key, ok := c.GetCacheKeyForURL(rawURL)
	if !ok {
		return nil, nil
	}
	pc, err := c.storage.Open(ctx, c.cacheName)
	if err != nil {
		return nil, err
	}
	entry, ok, err := pc.Match(ctx, key, cache.MatchOptions{})
	if err != nil || !ok {
		return nil, err
	}
	return serializer.Decode(entry.Bytes, nil)
}

// CreateHandlerBoundToURL returns a handler that answers every request with
// the precached response for rawURL, e.g. an app shell for navigations.
func (c *Controller) CreateHandlerBoundToURL(rawURL string) (strategy.Handler, error) {
	key, ok := c.GetCacheKeyForURL(rawURL)
	if !ok {
		return nil, fmt.Errorf("%s: %w", rawURL, ErrNotPrecached)
	}
	u, _ := cachekey.Resolve(c.origin, rawURL)
	return strategy.HandlerFunc(func(opts strategy.HandlerOptions) (*http.Response, error) {
		req := opts.Request
		if req == nil {
			req = opts.Event.Request
		}
		bound := req.Clone(req.Context())
		bound.URL = u
		bound.Host = u.Host
		bound.Method = http.MethodGet
		bound.Body = http.NoBody
		bound.ContentLength = 0
		return c.strategy.Handle(strategy.HandlerOptions{
			Event:   opts.Event,
			Request: bound,
			URL:     u,
			Params:  RouteParams{CacheKey: key, Integrity: c.GetIntegrityForCacheKey(key)},
		})
	}), nil
}

func keySet(ctx context.Context, c cache.Cache) (map[string]struct{}, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set, nil
}
