package strategy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/event"
	"github.com/always-cache/swcache/fetch"
	"github.com/always-cache/swcache/plugin"
	cachekey "github.com/always-cache/swcache/pkg/cache-key"
	cachestatus "github.com/always-cache/swcache/pkg/cache-status"
	serializer "github.com/always-cache/swcache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// Invocation is a single run of a strategy for one request.
// It gives the variant logic cache and network operations that run the
// strategy's plugins, and tracks background work started on its behalf.
type Invocation struct {
	strategy *Strategy
	event    *event.Fetch
	request  *http.Request
	url      *url.URL
	params   any
	log      zerolog.Logger

	pending sync.WaitGroup

	mutex     sync.Mutex
	cacheKeys map[string]*http.Request
}

func (s *Strategy) newInvocation(opts HandlerOptions) *Invocation {
	ev := opts.Event
	req := opts.Request
	if req == nil && ev != nil {
		req = ev.Request
	}
	if ev == nil {
		ev = event.NewFetch(context.WithoutCancel(req.Context()), req, nil)
	}
	u := opts.URL
	if u == nil {
		u = fetch.AbsoluteURL(req)
	}
	return &Invocation{
		strategy:  s,
		event:     ev,
		request:   req,
		url:       u,
		params:    opts.Params,
		log:       s.log.With().Str("url", u.String()).Logger(),
		cacheKeys: make(map[string]*http.Request),
	}
}

// Request returns the request being handled.
func (i *Invocation) Request() *http.Request {
	return i.request
}

// URL returns the absolute URL of the request.
func (i *Invocation) URL() *url.URL {
	return i.url
}

// Params returns the values captured by the route matcher.
func (i *Invocation) Params() any {
	return i.params
}

// Event returns the fetch event of the request.
func (i *Invocation) Event() *event.Fetch {
	return i.event
}

// Strategy returns the strategy being run.
func (i *Invocation) Strategy() *Strategy {
	return i.strategy
}

// Logger returns a logger carrying the strategy and URL.
func (i *Invocation) Logger() *zerolog.Logger {
	return &i.log
}

// UpdateStatus changes the Cache-Status reported for the request.
func (i *Invocation) UpdateStatus(update func(cs *cachestatus.CacheStatus)) {
	i.event.UpdateStatus(update)
}

// WaitUntil runs fn in the background. The event is kept alive until fn
// returns, and handlerDidComplete runs only after it.
func (i *Invocation) WaitUntil(fn func(ctx context.Context) error) {
	i.pending.Add(1)
	i.event.WaitUntil(func(ctx context.Context) error {
		defer i.pending.Done()
		return fn(ctx)
	})
}

// Fetch sends req to the network, running requestWillFetch, fetchDidFail and
// fetchDidSucceed. For navigations, an in-flight navigation preload response
// is used instead of a new fetch.
func (i *Invocation) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if i.event.Preload != nil && fetch.IsNavigation(req) {
		res, err := i.event.Preload.Take(ctx)
		if res != nil {
			i.log.Trace().Msg("Using navigation preload response")
			return res, nil
		}
		if err != nil {
			i.log.Debug().Err(err).Msg("Navigation preload failed, fetching")
		}
	}

	pipeline := i.strategy.pipeline
	original := req
	req = i.strategy.fetchOptions.Apply(req)
	if pipeline.Has(plugin.HookFetchDidFail) {
		original = req.Clone(ctx)
	}
	req, err := pipeline.RequestWillFetch(ctx, plugin.RequestParam{Event: i.event, Request: req})
	if err != nil {
		return nil, err
	}

	res, err := i.strategy.network.Fetch(ctx, req)
	if err != nil {
		i.log.Debug().Err(err).Msg("Network request failed")
		if hookErr := pipeline.FetchDidFail(ctx, plugin.FetchDidFailParam{
			Event:           i.event,
			OriginalRequest: original,
			Request:         req,
			Err:             err,
		}); hookErr != nil {
			return nil, errors.Join(err, hookErr)
		}
		return nil, err
	}
	if res.Request == nil {
		res.Request = req
	}
	i.log.Trace().Int("status", res.StatusCode).Msg("Network responded")

	return pipeline.FetchDidSucceed(ctx, plugin.ResponseParam{Event: i.event, Request: req, Response: res})
}

// FetchAndCachePut fetches req and stores a copy of the response in the
// background. The returned response is not shared with the cache write.
func (i *Invocation) FetchAndCachePut(ctx context.Context, req *http.Request) (*http.Response, error) {
	res, err := i.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	toCache, err := serializer.Clone(res)
	if err != nil {
		return nil, err
	}
	i.WaitUntil(func(bctx context.Context) error {
		if _, err := i.CachePut(bctx, req, toCache); err != nil {
			i.log.Warn().Err(err).Msg("Could not cache response")
		}
		return nil
	})
	return res, nil
}

// GetCacheKey returns the request used as cache key for req in the given
// mode. The result of cacheKeyWillBeUsed is remembered per URL and mode.
func (i *Invocation) GetCacheKey(ctx context.Context, req *http.Request, mode string) (*http.Request, error) {
	id := fetch.AbsoluteURL(req).String() + " | " + mode
	i.mutex.Lock()
	key, ok := i.cacheKeys[id]
	i.mutex.Unlock()
	if ok {
		return key, nil
	}

	key, err := i.strategy.pipeline.CacheKeyWillBeUsed(ctx, plugin.CacheKeyParam{
		Event:   i.event,
		Request: req,
		Mode:    mode,
		Params:  i.params,
	})
	if err != nil {
		return nil, err
	}
	i.mutex.Lock()
	i.cacheKeys[id] = key
	i.mutex.Unlock()
	return key, nil
}

// CacheMatch looks req up in the strategy's cache. A nil response means a miss,
// either because nothing was stored or because a plugin rejected the entry.
func (i *Invocation) CacheMatch(ctx context.Context, req *http.Request) (*http.Response, error) {
	key, err := i.GetCacheKey(ctx, req, plugin.ModeRead)
	if err != nil {
		return nil, err
	}
	s := i.strategy
	opts := s.matchOptions

	var cached *http.Response
	if key.Method == http.MethodGet || opts.IgnoreMethod {
		c, err := s.storage.Open(ctx, s.cacheName)
		if err != nil {
			return nil, err
		}
		keyURL := cachekey.Normalize(fetch.AbsoluteURL(key))
		entry, ok, err := c.Match(ctx, keyURL, opts)
		if err != nil {
			return nil, err
		}
		if ok {
			cached, err = serializer.Decode(entry.Bytes, req)
			if err != nil {
				return nil, err
			}
			i.log.Trace().Str("key", entry.Key).Msg("Found response in cache")
		} else {
			i.log.Trace().Str("key", keyURL).Msg("No response in cache")
		}
	}

	return s.pipeline.CachedResponseWillBeUsed(ctx, plugin.CachedResponseParam{
		Event:          i.event,
		Request:        key,
		CacheName:      s.cacheName,
		MatchOptions:   opts,
		CachedResponse: cached,
	})
}

// CachePut stores res for req after cacheWillUpdate approved it, and reports
// whether it was stored. Without cacheWillUpdate plugins only 200 responses
// are stored. The caller's response stays readable.
func (i *Invocation) CachePut(ctx context.Context, req *http.Request, res *http.Response) (bool, error) {
	if res == nil {
		return false, nil
	}
	key, err := i.GetCacheKey(ctx, req, plugin.ModeWrite)
	if err != nil {
		return false, err
	}
	keyURL := cachekey.Normalize(fetch.AbsoluteURL(key))
	if key.Method != http.MethodGet {
		return false, &CacheWriteError{Key: keyURL, Err: cache.ErrNonGET}
	}
	s := i.strategy

	clone, err := serializer.Clone(res)
	if err != nil {
		return false, err
	}
	toStore, used, err := s.pipeline.CacheWillUpdate(ctx, plugin.ResponseParam{
		Event:    i.event,
		Request:  key,
		Response: clone,
	})
	if err != nil {
		return false, err
	}
	if !used && toStore != nil && toStore.StatusCode != http.StatusOK {
		toStore = nil
	}
	if toStore == nil {
		i.log.Debug().Int("status", res.StatusCode).Msg("Response will not be cached")
		return false, nil
	}

	c, err := s.storage.Open(ctx, s.cacheName)
	if err != nil {
		return false, &CacheWriteError{Key: keyURL, Err: err}
	}

	var old *http.Response
	if s.pipeline.Has(plugin.HookCacheDidUpdate) {
		if entry, ok, err := c.Match(ctx, keyURL, s.matchOptions); err == nil && ok {
			old, _ = serializer.Decode(entry.Bytes, key)
		}
	}

	b, err := serializer.Encode(toStore)
	if err != nil {
		return false, &CacheWriteError{Key: keyURL, Err: err}
	}
	if err := c.Put(ctx, cache.Entry{Key: keyURL, Bytes: b, StoredAt: time.Now()}); err != nil {
		return false, &CacheWriteError{Key: keyURL, Err: err}
	}
	i.log.Trace().Str("key", keyURL).Msg("Stored response in cache")
	i.UpdateStatus(func(cs *cachestatus.CacheStatus) {
		cs.Stored = true
	})

	err = s.pipeline.CacheDidUpdate(ctx, plugin.CacheDidUpdateParam{
		Event:       i.event,
		Request:     key,
		CacheName:   s.cacheName,
		OldResponse: old,
		NewResponse: toStore,
	})
	return true, err
}

func (i *Invocation) complete(ctx context.Context, res *http.Response, handleErr error) error {
	pipeline := i.strategy.pipeline
	// the caller owns the body, plugins only see status and headers
	var responded *http.Response
	if res != nil {
		shallow := *res
		shallow.Header = res.Header.Clone()
		shallow.Body = http.NoBody
		responded = &shallow
		if err := pipeline.HandlerDidRespond(ctx, plugin.ResponseParam{
			Event:    i.event,
			Request:  i.request,
			Response: responded,
		}); err != nil {
			i.log.Warn().Err(err).Msg("handlerDidRespond failed")
		}
	}
	i.pending.Wait()
	if err := pipeline.HandlerDidComplete(ctx, plugin.HandlerCompleteParam{
		Event:    i.event,
		Request:  i.request,
		Response: responded,
		Err:      handleErr,
	}); err != nil {
		i.log.Warn().Err(err).Msg("handlerDidComplete failed")
	}
	return nil
}
