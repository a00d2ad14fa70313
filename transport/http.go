package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Authenticator decorates outgoing requests with credentials.
type Authenticator interface {
	Authenticate(req *http.Request) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(req *http.Request) error

func (f AuthenticatorFunc) Authenticate(req *http.Request) error {
	return f(req)
}

// BasicAuth returns an Authenticator with fixed credentials.
func BasicAuth(username, password string) Authenticator {
	return AuthenticatorFunc(func(req *http.Request) error {
		req.SetBasicAuth(username, password)
		return nil
	})
}

// HTTPClient implements Client over net/http.
type HTTPClient struct {
	client    *http.Client
	auth      Authenticator
	userAgent string
	logger    *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

type Option func(*HTTPClient)

func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) {
		h.client = c
	}
}

func WithAuthenticator(a Authenticator) Option {
	return func(h *HTTPClient) {
		h.auth = a
	}
}

func WithUserAgent(ua string) Option {
	return func(h *HTTPClient) {
		h.userAgent = ua
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(h *HTTPClient) {
		h.logger = logger
	}
}

// NewHTTPClient returns a client with a 60 second request timeout unless
// WithHTTPClient overrides it.
func NewHTTPClient(opts ...Option) *HTTPClient {
	h := &HTTPClient{
		client:    &http.Client{Timeout: 60 * time.Second},
		userAgent: "ironsync",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPClient) Get(ctx context.Context, url string, header http.Header) (*Response, error) {
	return h.do(ctx, http.MethodGet, url, nil, header)
}

func (h *HTTPClient) Put(ctx context.Context, url string, body []byte, header http.Header) (*Response, error) {
	return h.do(ctx, http.MethodPut, url, body, header)
}

func (h *HTTPClient) Post(ctx context.Context, url string, body []byte, header http.Header) (*Response, error) {
	return h.do(ctx, http.MethodPost, url, body, header)
}

func (h *HTTPClient) Delete(ctx context.Context, url string, header http.Header) (*Response, error) {
	return h.do(ctx, http.MethodDelete, url, nil, header)
}

func (h *HTTPClient) do(ctx context.Context, method, url string, body []byte, header http.Header) (*Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", ContentTypeJSON)
	}
	req.Header.Set("User-Agent", h.userAgent)
	if h.auth != nil {
		if err := h.auth.Authenticate(req); err != nil {
			return nil, fmt.Errorf("authenticating request: %w", err)
		}
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrTransport, method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: reading body: %w", ErrTransport, method, url, err)
	}

	h.logger.Debug("http request",
		slog.String("method", method),
		slog.String("url", url),
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(data)),
		slog.Duration("duration", time.Since(start)))

	out := &Response{StatusCode: resp.StatusCode, Body: data, Header: resp.Header}
	if resp.StatusCode >= 400 {
		return out, &HTTPError{
			Method:     method,
			URL:        url,
			StatusCode: resp.StatusCode,
			Body:       data,
			Backoff:    out.Backoff(),
		}
	}
	return out, nil
}
