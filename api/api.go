// Package api is a development storage server speaking the sync storage
// protocol over any storage.Store. It is meant for local testing and demos,
// not for production deployments.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/ironsync/record"
	"github.com/jmcleod/ironsync/storage"
)

// API holds the dependencies needed by the storage handlers.
type API struct {
	store       storage.Store
	logger      *slog.Logger
	auth        Authenticator
	clusterURL  string
	clock       *clock
	rateLimiter *authRateLimiter
}

//go:embed openapi.yaml
var openapiSpec []byte

// Authenticator checks basic-auth credentials for a user.
type Authenticator func(username, password string) bool

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the request and handler logger. The default is
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithAuthenticator requires basic auth on every storage route. Without it
// the server accepts any user.
func WithAuthenticator(fn Authenticator) Option {
	return func(a *API) {
		a.auth = fn
	}
}

// WithClusterURL sets the URL handed out by node assignment. By default the
// request's own scheme and host are used.
func WithClusterURL(u string) Option {
	return func(a *API) {
		a.clusterURL = u
	}
}

// WithClock replaces the millisecond clock used to stamp writes.
func WithClock(now func() int64) Option {
	return func(a *API) {
		a.clock.now = now
	}
}

// New creates a new API instance over store.
func New(store storage.Store, opts ...Option) *API {
	a := &API{
		store:       store,
		logger:      slog.Default(),
		clock:       &clock{now: record.NowMillis},
		rateLimiter: newAuthRateLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router returns a chi.Router with all routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.httpLogger)
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.With(a.AuthMiddleware).Get("/user/1.1/{user}/node/weave", a.NodeAssignment)

	r.Route("/1.1/{user}", func(r chi.Router) {
		r.Use(a.AuthMiddleware)
		r.Use(a.timestampHeader)
		r.Get("/info/collections", a.InfoCollections)
		r.Delete("/storage", a.DeleteStorage)
		r.Get("/storage/{collection}", a.GetCollection)
		r.Post("/storage/{collection}", a.PostCollection)
		r.Delete("/storage/{collection}", a.DeleteCollection)
		r.Get("/storage/{collection}/{id}", a.GetItem)
		r.Put("/storage/{collection}/{id}", a.PutItem)
		r.Delete("/storage/{collection}/{id}", a.DeleteItem)
	})

	return r
}

func (a *API) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(a.logger, next)
}
