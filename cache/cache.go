// Package cache implements named response caches.
//
// A Storage holds any number of named caches. Each Cache is an ordered
// key to response store: keys are absolute URLs, values are serialized
// HTTP responses. Mutation is put (insert or overwrite) and delete only.
//
// Implementations must be thread-safe!
package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNonGET is returned when a response for a non-GET request is stored.
var ErrNonGET = errors.New("only GET requests can be cached")

// Entry is a stored response.
type Entry struct {
	// Storage key, usually the normalized request URL.
	Key string
	// HTTP/1.1 representation of the response.
	Bytes []byte
	// Time the entry was written.
	StoredAt time.Time
}

// MatchOptions control how a key is looked up.
type MatchOptions struct {
	// Ignore the query string of both the lookup key and the stored keys.
	IgnoreSearch bool
	// Match non-GET requests against stored GET responses.
	IgnoreMethod bool
}

// Cache is a single named cache.
type Cache interface {
	// Name returns the cache name.
	Name() string
	// Match returns the first entry stored under key.
	// The boolean is false when nothing matched.
	Match(ctx context.Context, key string, opts MatchOptions) (Entry, bool, error)
	// Put stores the entry, replacing any entry with the same key.
	// An overwritten entry moves to the end of the key order.
	Put(ctx context.Context, entry Entry) error
	// Delete removes the entries matching key and reports whether any existed.
	Delete(ctx context.Context, key string, opts MatchOptions) (bool, error)
	// Keys returns all keys in insertion order.
	Keys(ctx context.Context) ([]string, error)
}

// Storage is a collection of named caches.
type Storage interface {
	// Open returns the named cache, creating it if needed.
	Open(ctx context.Context, name string) (Cache, error)
	// Has reports whether the named cache exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the named cache with all its entries.
	Delete(ctx context.Context, name string) (bool, error)
	// Names returns the names of all caches in creation order.
	Names(ctx context.Context) ([]string, error)
}

// Names derives the cache names used by the engine.
type Names struct {
	Prefix string
	Suffix string
}

// DefaultNames are used when no names are configured.
var DefaultNames = Names{Prefix: "swcache"}

// Precache returns the name of the precache.
func (n Names) Precache() string {
	return n.join("precache-v2")
}

// Runtime returns the name of the default runtime cache.
func (n Names) Runtime() string {
	return n.join("runtime")
}

func (n Names) join(value string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{n.Prefix, value, n.Suffix} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "-")
}

func stripSearch(key string) string {
	if i := strings.IndexByte(key, '?'); i >= 0 {
		return key[:i]
	}
	return key
}
