package plugin

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// CacheableResponseOptions decide which responses may be stored.
type CacheableResponseOptions struct {
	// Allowed status codes. Defaults to 200 when neither statuses nor headers are set.
	Statuses []int `yaml:"statuses"`
	// Headers that must be present with exactly these values.
	Headers map[string]string `yaml:"headers"`
	// Refuse responses carrying Cache-Control: no-store.
	RespectNoStore bool `yaml:"respectNoStore"`
}

// IsCacheable reports whether res passes the configured checks.
func (o CacheableResponseOptions) IsCacheable(res *http.Response) bool {
	if res == nil {
		return false
	}
	statuses := o.Statuses
	if len(statuses) == 0 && len(o.Headers) == 0 {
		statuses = []int{http.StatusOK}
	}
	if len(statuses) > 0 && !containsStatus(statuses, res.StatusCode) {
		return false
	}
	for name, value := range o.Headers {
		if res.Header.Get(name) != value {
			return false
		}
	}
	if o.RespectNoStore {
		cc := ParseCacheControl(res.Header.Values("Cache-Control"))
		if _, ok := cc.Get("no-store"); ok {
			return false
		}
	}
	return true
}

// CacheableResponse returns a plugin that vetoes storing responses that do not
// pass the configured checks.
func CacheableResponse(opts CacheableResponseOptions) *Plugin {
	return &Plugin{
		Name: "cacheable-response",
		CacheWillUpdate: func(ctx context.Context, p ResponseParam) (*http.Response, error) {
			if opts.IsCacheable(p.Response) {
				return p.Response, nil
			}
			if p.Response != nil {
				log.Trace().Int("status", p.Response.StatusCode).Msg("Response not cacheable")
			}
			return nil, nil
		},
	}
}

// CacheOK allows only 200 responses to be stored. Strategies that write
// network responses add it when no other plugin implements CacheWillUpdate.
var CacheOK = CacheableResponse(CacheableResponseOptions{Statuses: []int{http.StatusOK}})

func containsStatus(statuses []int, status int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

type CacheControl struct {
	m map[string]string
}

func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.m[directive]
	return val, ok
}

// ParseCacheControl parses Cache-Control header values into directives.
func ParseCacheControl(headers []string) CacheControl {
	m := make(map[string]string)
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			parts := strings.SplitN(directive, "=", 2)
			var val string
			if len(parts) > 1 {
				val = strings.Trim(parts[1], `"`)
			}
			m[strings.ToLower(parts[0])] = val
		}
	}
	return CacheControl{m}
}
