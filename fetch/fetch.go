// Package fetch is the network side of the engine.
package fetch

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"strings"
	"time"

	tee "github.com/always-cache/swcache/pkg/response-writer-tee"

	"github.com/rs/zerolog/log"
)

// Fetcher sends a request to the network.
// A returned error means no response was obtained at all;
// HTTP error statuses are responses, not errors.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Credentials modes.
const (
	CredentialsOmit       = "omit"
	CredentialsSameOrigin = "same-origin"
	CredentialsInclude    = "include"
)

// Options are applied to every request a strategy sends to the network.
type Options struct {
	// One of "omit", "same-origin" or "include". Empty keeps the request as is.
	Credentials string `yaml:"credentials"`
	// Extra headers set on the outgoing request.
	Header map[string]string `yaml:"headers"`
}

// Apply returns a copy of req with the options applied.
func (o Options) Apply(req *http.Request) *http.Request {
	if o.Credentials == "" && len(o.Header) == 0 {
		return req
	}
	out := req.Clone(req.Context())
	if o.Credentials == CredentialsOmit {
		out.Header.Del("Cookie")
		out.Header.Del("Authorization")
	}
	for name, value := range o.Header {
		out.Header.Set(name, value)
	}
	return out
}

// IsNavigation reports whether req is a top-level page navigation.
func IsNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}

// AbsoluteURL returns the full URL of req. Server requests only carry the
// request URI, so scheme and host are taken from the connection.
func AbsoluteURL(req *http.Request) *url.URL {
	if req.URL.IsAbs() {
		return req.URL
	}
	u := *req.URL
	u.Scheme = "http"
	if req.TLS != nil {
		u.Scheme = "https"
	}
	if u.Host == "" {
		u.Host = req.Host
	}
	return &u
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Request timeout, zero means none.
	Timeout time.Duration
}

// Client fetches requests from an origin server.
type Client struct {
	originURL  url.URL
	originHost string
	httpClient http.Client
}

func NewClient(config ClientConfig) *Client {
	c := &Client{
		originURL:  config.OriginURL,
		originHost: config.OriginHost,
		httpClient: http.Client{
			Timeout: config.Timeout,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	// use provided hostname for origin if configured
	if c.originHost != "" {
		c.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: c.originHost,
			},
		}
	}
	return c
}

// Fetch the resource specified in the incoming request from the origin.
func (c *Client) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	uri := c.originURL.String() + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, body)
	if err != nil {
		log.Error().Err(err).Str("uri", uri).Msg("Could not create request for fetching")
		return nil, err
	}
	if c.originHost != "" {
		req.Host = c.originHost
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	log.Trace().Str("uri", uri).Str("method", req.Method).Msg("Fetching from origin")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	// as per https://www.rfc-editor.org/rfc/rfc9110#section-6.6.1-8
	if res.Header.Get("Date") == "" {
		res.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	res.Request = r
	return res, nil
}

// Handler fetches responses from an in-process http.Handler.
type Handler struct {
	http.Handler
}

func (h Handler) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rw := tee.NewResponseSaver(nil)
	h.ServeHTTP(rw, r.WithContext(ctx))
	res := rw.Response(r)
	if res.Header.Get("Date") == "" {
		res.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	return res, nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
