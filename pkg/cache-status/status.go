// Package cachestatus builds values for the Cache-Status response header (RFC 9211).
package cachestatus

import (
	"fmt"
	"strings"
)

// HeaderName is the response header carrying the status.
const HeaderName = "Cache-Status"

// DefaultCacheName identifies this cache in the header value.
const DefaultCacheName = "swcache"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"

	// The handler always goes to the network first.
	FwdReasonRequest FwdReason = "request"

	// The cache was able to select a response for the request, but
	// it was stale.
	FwdReasonStale FwdReason = "stale"
)

// CacheStatus describes how a single request was handled.
// The zero value renders as an empty string.
type CacheStatus struct {
	Cache     string
	Status    Status
	FwdReason FwdReason
	Stored    bool
	Detail    string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs *CacheStatus) SetDetail(detail string) {
	cs.Detail = detail
}

// IsHit reports whether the response was served from a cache.
func (cs CacheStatus) IsHit() bool {
	return cs.Status == StatusHit
}

func (cs CacheStatus) String() string {
	if cs.Status == "" {
		return ""
	}
	name := cs.Cache
	if name == "" {
		name = DefaultCacheName
	}
	parts := []string{name}
	if cs.Status == StatusHit {
		parts = append(parts, string(StatusHit))
	} else if cs.FwdReason != "" {
		parts = append(parts, fmt.Sprintf("%s=%s", StatusFwd, cs.FwdReason))
	} else {
		parts = append(parts, fmt.Sprintf("%s=%s", StatusFwd, FwdReasonMiss))
	}
	if cs.Stored {
		parts = append(parts, "stored")
	}
	if cs.Detail != "" {
		parts = append(parts, "detail="+cs.Detail)
	}
	return strings.Join(parts, "; ")
}
