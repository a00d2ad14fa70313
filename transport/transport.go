// Package transport is the HTTP client the remote repository and sync
// stages talk through. It reads every response body in full and leaves
// retry policy to the caller; backoff hints are surfaced, not acted on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/ironsync/record"
)

const (
	HeaderTimestamp         = "X-Weave-Timestamp"
	HeaderIfModifiedSince   = "X-If-Modified-Since"
	HeaderIfUnmodifiedSince = "X-If-Unmodified-Since"
	HeaderBackoff           = "X-Weave-Backoff"
	HeaderRecords           = "X-Weave-Records"
	HeaderRetryAfter        = "Retry-After"

	// ContentTypeNewlines asks the server for one WBO per line.
	ContentTypeNewlines = "application/newlines"
	ContentTypeJSON     = "application/json"
)

// ErrTransport wraps failures that produced no HTTP response at all.
var ErrTransport = errors.New("transport: request failed")

// Client issues storage API requests.
type Client interface {
	Get(ctx context.Context, url string, header http.Header) (*Response, error)
	Put(ctx context.Context, url string, body []byte, header http.Header) (*Response, error)
	Post(ctx context.Context, url string, body []byte, header http.Header) (*Response, error)
	Delete(ctx context.Context, url string, header http.Header) (*Response, error)
}

// Response is a fully consumed HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// NotModified reports a conditional request that matched.
func (r *Response) NotModified() bool {
	return r.StatusCode == http.StatusNotModified
}

// Timestamp returns X-Weave-Timestamp in milliseconds.
func (r *Response) Timestamp() (int64, bool) {
	return ParseTimestamp(r.Header.Get(HeaderTimestamp))
}

// Backoff returns the longer of X-Weave-Backoff and Retry-After, or zero.
func (r *Response) Backoff() time.Duration {
	return backoff(r.Header)
}

// HTTPError is returned for any status of 400 or above.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
	Backoff    time.Duration
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("%s %s: HTTP %d %s", e.Method, e.URL, e.StatusCode, body)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is an HTTP 404.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsUnauthorized reports whether err is an HTTP 401.
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// ParseTimestamp reads a seconds-with-decimals timestamp as milliseconds.
func ParseTimestamp(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return record.MillisFromSeconds(f), true
}

func backoff(h http.Header) time.Duration {
	var d time.Duration
	for _, name := range []string{HeaderBackoff, HeaderRetryAfter} {
		if v := h.Get(name); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				d = max(d, time.Duration(secs)*time.Second)
			}
		}
	}
	return d
}
