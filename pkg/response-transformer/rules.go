// Package responsetransformer stamps headers onto network responses
// according to configured rules, before they are cached or returned.
package responsetransformer

import (
	"context"
	"net/http"
	"strings"

	"github.com/always-cache/swcache/plugin"

	"github.com/rs/zerolog/log"
)

type Rules []Rule

// Rule matches requests by method, path and query, and sets response headers.
// The first matching rule wins.
type Rule struct {
	Prefix string `yaml:"prefix"`
	Path   string `yaml:"path"`
	// Defaults to GET.
	Method string `yaml:"method"`
	// Cache-Control value set if the response has none.
	Default string `yaml:"default"`
	// Cache-Control value that replaces the response's.
	Override string            `yaml:"override"`
	Query    map[string]string `yaml:"query"`
	Headers  map[string]string `yaml:"headers"`
	// Also apply to responses other than 200.
	AllStatuses bool `yaml:"allStatuses"`
}

// Apply applies the first rule matching req to res.
func (r Rules) Apply(req *http.Request, res *http.Response) {
	rule := r.find(req)
	if rule == nil {
		return
	}
	if res.StatusCode != http.StatusOK && !rule.AllStatuses {
		return
	}
	applyRuleToResponse(*rule, res)
}

// Plugin returns a plugin applying the rules to every network response.
func (r Rules) Plugin() *plugin.Plugin {
	return &plugin.Plugin{
		Name: "header-rules",
		FetchDidSucceed: func(ctx context.Context, p plugin.ResponseParam) (*http.Response, error) {
			if p.Response != nil && p.Request != nil {
				r.Apply(p.Request, p.Response)
			}
			return p.Response, nil
		},
	}
}

func applyRuleToResponse(rule Rule, res *http.Response) {
	if res.Header == nil {
		res.Header = make(http.Header)
	}
	if rule.Override != "" {
		log.Trace().Msg("Overriding Cache-Control header")
		res.Header.Set("Cache-Control", rule.Override)
	} else if rule.Default != "" && res.Header.Get("Cache-Control") == "" {
		log.Trace().Msg("Applying default Cache-Control header")
		res.Header.Set("Cache-Control", rule.Default)
	}
	for name, value := range rule.Headers {
		log.Trace().Msgf("Setting header %s", name)
		res.Header.Set(name, value)
	}
}

func (r Rules) find(req *http.Request) *Rule {
	log.Trace().Msgf("Finding rule for request %s:%s", req.Method, req.URL.Path)
rulesLoop:
	for _, rule := range r {
		method := rule.Method
		if method == "" {
			method = http.MethodGet
		}
		if method != req.Method {
			continue
		}
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := req.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return &rule
	}
	return nil
}
