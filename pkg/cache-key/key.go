package cachekey

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// RevisionParam is the query parameter that carries a precache entry's revision
// inside its storage key.
const RevisionParam = "__WB_REVISION__"

var ErrorEmptyURL = fmt.Errorf("URL must not be empty")

// DefaultIgnoreURLParametersMatching strips common tracking parameters.
var DefaultIgnoreURLParametersMatching = []*regexp.Regexp{
	regexp.MustCompile(`^utm_`),
	regexp.MustCompile(`^fbclid$`),
}

// CacheKey is a derived storage key together with the URL it was derived from.
type CacheKey struct {
	// Key used inside the named cache.
	Key string
	// Absolute URL the key was derived from, without the revision parameter.
	URL string
}

// CreateCacheKey resolves rawURL against base and derives its storage key.
// A non-empty revision is added as a query parameter, so a new revision always
// produces a new key. An empty revision means the URL is content-addressed and
// the key equals the URL.
func CreateCacheKey(base *url.URL, rawURL, revision string) (CacheKey, error) {
	if rawURL == "" {
		return CacheKey{}, ErrorEmptyURL
	}
	u, err := Resolve(base, rawURL)
	if err != nil {
		return CacheKey{}, err
	}
	ck := CacheKey{Key: u.String(), URL: u.String()}
	if revision == "" {
		return ck, nil
	}
	keyed := *u
	q := keyed.Query()
	q.Set(RevisionParam, revision)
	keyed.RawQuery = q.Encode()
	ck.Key = keyed.String()
	return ck, nil
}

// Resolve parses rawURL relative to base and removes the fragment.
func Resolve(base *url.URL, rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// Normalize returns the string form of u used as a storage key for runtime caches.
func Normalize(u *url.URL) string {
	n := *u
	n.Fragment = ""
	n.RawFragment = ""
	return n.String()
}

// StripSearch returns the key without its query string.
func StripSearch(key string) string {
	if i := strings.IndexByte(key, '?'); i >= 0 {
		return key[:i]
	}
	return key
}

// RemoveIgnoredSearchParams returns a copy of u without the query parameters whose
// names match any of the given expressions.
func RemoveIgnoredSearchParams(u *url.URL, ignore []*regexp.Regexp) *url.URL {
	stripped := *u
	if u.RawQuery == "" || len(ignore) == 0 {
		return &stripped
	}
	q := u.Query()
paramsLoop:
	for name := range q {
		for _, re := range ignore {
			if re.MatchString(name) {
				q.Del(name)
				continue paramsLoop
			}
		}
	}
	stripped.RawQuery = q.Encode()
	return &stripped
}

// CacheKeyer derives the URL variations used to look up a request in the precache.
type CacheKeyer struct {
	// Query parameters removed before lookup.
	IgnoreURLParametersMatching []*regexp.Regexp
	// File appended to URLs ending in a slash, e.g. "index.html".
	DirectoryIndex string
	// Whether ".html" is appended to extensionless URLs.
	CleanURLs bool
	// Optional function returning additional URLs to try.
	URLManipulation func(*url.URL) []*url.URL
}

// NewCacheKeyer returns a CacheKeyer with the default lookup behaviour.
func NewCacheKeyer() CacheKeyer {
	return CacheKeyer{
		IgnoreURLParametersMatching: DefaultIgnoreURLParametersMatching,
		DirectoryIndex:              "index.html",
		CleanURLs:                   true,
	}
}

// Variations returns the candidate URLs for a lookup, in the order they should be tried.
// The first candidate is always the URL itself without its fragment.
func (c CacheKeyer) Variations(u *url.URL) []string {
	seen := make(map[string]struct{})
	variations := make([]string, 0, 5)
	add := func(v *url.URL) {
		s := Normalize(v)
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		variations = append(variations, s)
	}

	add(u)
	stripped := RemoveIgnoredSearchParams(u, c.IgnoreURLParametersMatching)
	add(stripped)

	if c.DirectoryIndex != "" && strings.HasSuffix(stripped.Path, "/") {
		withIndex := *stripped
		withIndex.Path += c.DirectoryIndex
		withIndex.RawPath = ""
		add(&withIndex)
	}
	if c.CleanURLs && stripped.Path != "" && !strings.HasSuffix(stripped.Path, "/") {
		withExt := *stripped
		withExt.Path += ".html"
		withExt.RawPath = ""
		add(&withExt)
	}
	if c.URLManipulation != nil {
		for _, m := range c.URLManipulation(u) {
			add(m)
		}
	}
	return variations
}
