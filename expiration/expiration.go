// Package expiration bounds the size and age of named caches.
//
// A Policy keeps a Record per cache entry and, on each pass, deletes
// entries older than the maximum age and then the oldest entries beyond
// the maximum count. A cache entry is deleted before its record, so an
// interrupted pass leaves at most records without entries, which the next
// pass prunes.
package expiration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/metrics"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Basis is the timestamp max age is measured from.
type Basis string

const (
	// Measure age from the last write of the entry.
	LastInsert Basis = "last-insert"
	// Measure age from the last read or write of the entry.
	LastUsed Basis = "last-used"
)

var ErrNoBounds = errors.New("expiration needs max entries or max age")

// Config configures expiration. At least one bound is required.
type Config struct {
	MaxEntries int           `yaml:"maxEntries"`
	MaxAge     time.Duration `yaml:"maxAge"`
	// Defaults to LastInsert.
	MaxAgeFrom Basis `yaml:"maxAgeFrom"`
	// Storage holding the caches.
	Storage cache.Storage `yaml:"-"`
	// Where records are kept. Defaults to a MemStore.
	Store Store `yaml:"-"`
	// Clock, defaults to time.Now.
	Now     func() time.Time `yaml:"-"`
	Metrics *metrics.Metrics `yaml:"-"`
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger `yaml:"-"`
}

func (c Config) validate() error {
	if c.MaxEntries <= 0 && c.MaxAge <= 0 {
		return ErrNoBounds
	}
	switch c.MaxAgeFrom {
	case "", LastInsert, LastUsed:
	default:
		return fmt.Errorf("unknown max age basis %q", c.MaxAgeFrom)
	}
	return nil
}

// Policy enforces the bounds of one named cache.
type Policy struct {
	cacheName  string
	maxEntries int
	maxAge     time.Duration
	basis      Basis
	storage    cache.Storage
	store      Store
	now        func() time.Time
	metrics    *metrics.Metrics
	log        zerolog.Logger

	mutex   sync.Mutex
	running bool
	rerun   bool
}

// NewPolicy returns the policy for cacheName.
func NewPolicy(cacheName string, config Config) (*Policy, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = &log.Logger
	}
	p := &Policy{
		cacheName:  cacheName,
		maxEntries: config.MaxEntries,
		maxAge:     config.MaxAge,
		basis:      config.MaxAgeFrom,
		storage:    config.Storage,
		store:      config.Store,
		now:        config.Now,
		metrics:    config.Metrics,
		log:        logger.With().Str("cacheName", cacheName).Logger(),
	}
	if p.basis == "" {
		p.basis = LastInsert
	}
	if p.store == nil {
		p.store = NewMemStore()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// CacheName returns the name of the cache the policy bounds.
func (p *Policy) CacheName() string {
	return p.cacheName
}

// Inserted records a write of key.
func (p *Policy) Inserted(ctx context.Context, key string) error {
	return p.store.Inserted(ctx, p.cacheName, key, p.now())
}

// Used records a read of key. It only has an effect when age is measured
// from the last use.
func (p *Policy) Used(ctx context.Context, key string) error {
	if p.basis != LastUsed {
		return nil
	}
	return p.store.Used(ctx, p.cacheName, key, p.now())
}

// IsExpired reports whether key is older than the max age.
// Keys without a record are not expired.
func (p *Policy) IsExpired(ctx context.Context, key string) (bool, error) {
	if p.maxAge <= 0 {
		return false, nil
	}
	r, ok, err := p.store.Get(ctx, p.cacheName, key)
	if err != nil || !ok {
		return false, err
	}
	return p.expired(r, p.now()), nil
}

func (p *Policy) expired(r Record, now time.Time) bool {
	if p.maxAge <= 0 {
		return false
	}
	ts := r.InsertedAt
	if p.basis == LastUsed {
		ts = r.LastUsedAt
	}
	return ts.Before(now.Add(-p.maxAge))
}

// ExpireEntries runs a pass over the cache. Passes never overlap: a call made
// while a pass runs makes that pass run again and returns immediately.
func (p *Policy) ExpireEntries(ctx context.Context) error {
	p.mutex.Lock()
	if p.running {
		p.rerun = true
		p.mutex.Unlock()
		return nil
	}
	p.running = true
	p.mutex.Unlock()

	for {
		err := p.pass(ctx)
		p.mutex.Lock()
		if err != nil || !p.rerun {
			p.running = false
			p.rerun = false
			p.mutex.Unlock()
			return err
		}
		p.rerun = false
		p.mutex.Unlock()
	}
}

func (p *Policy) pass(ctx context.Context) error {
	c, err := p.storage.Open(ctx, p.cacheName)
	if err != nil {
		return err
	}
	// records first: a record is written after its entry, so every record
	// read here has its entry in the key snapshot unless it was removed
	records, err := p.store.Records(ctx, p.cacheName)
	if err != nil {
		return err
	}
	keys, err := c.Keys(ctx)
	if err != nil {
		return err
	}
	present := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		present[k] = struct{}{}
	}

	now := p.now()
	live := make([]Record, 0, len(records))
	var expired []string
	for _, r := range records {
		if _, ok := present[r.Key]; !ok {
			// entry removed by someone else, drop the record
			if err := p.store.Delete(ctx, p.cacheName, r.Key); err != nil {
				return err
			}
			continue
		}
		if p.expired(r, now) {
			expired = append(expired, r.Key)
			continue
		}
		live = append(live, r)
	}
	if p.maxEntries > 0 && len(live) > p.maxEntries {
		for _, r := range live[:len(live)-p.maxEntries] {
			expired = append(expired, r.Key)
		}
	}

	deleted := 0
	for _, key := range expired {
		if _, err := c.Delete(ctx, key, cache.MatchOptions{}); err != nil {
			// keep the record so the next pass retries
			p.log.Warn().Err(err).Str("key", key).Msg("Could not delete expired entry")
			continue
		}
		if err := p.store.Delete(ctx, p.cacheName, key); err != nil {
			p.log.Warn().Err(err).Str("key", key).Msg("Could not delete expiration record")
			continue
		}
		deleted++
	}
	if deleted > 0 {
		p.log.Debug().Int("deleted", deleted).Msg("Expired cache entries")
		p.metrics.ExpirationDeleted(p.cacheName, deleted)
	}
	return nil
}

// Delete removes the cache and all of its records.
func (p *Policy) Delete(ctx context.Context) error {
	if _, err := p.storage.Delete(ctx, p.cacheName); err != nil {
		return err
	}
	return p.store.DeleteAll(ctx, p.cacheName)
}
