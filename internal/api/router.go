// Package api wires all API routes onto the provided ServeMux.
package api

import (
	"net/http"

	"github.com/jmcalloway/civitas/internal/api/handler"
	"github.com/jmcalloway/civitas/internal/api/middleware"
	"github.com/jmcalloway/civitas/internal/health"
)

// Handlers groups the resource handlers RegisterRoutes wires up.
type Handlers struct {
	Health   *health.Handler
	Auth     *handler.AuthHandler
	Username *handler.UsernameHandler
	Drafts   *handler.DraftHandler
	Uploads  *handler.UploadHandler
	Publish  *handler.PublishHandler
}

// Options carries the middleware configuration for the route table.
type Options struct {
	JWTSecret     string
	GatewaySecret string
	Sessions      middleware.SessionValidator
	RateLimiter   *middleware.RateLimiter
}

// RegisterRoutes registers all application routes on mux.
func RegisterRoutes(mux *http.ServeMux, h Handlers, opts Options) {
	// Public health endpoints (no auth required)
	mux.HandleFunc("GET /api/v1/health", h.Health.ServeHealth)
	mux.HandleFunc("GET /api/v1/ready", h.Health.ServeReady)

	// Public auth endpoints, rate limited per client IP
	limited := func(fn http.HandlerFunc) http.Handler {
		if opts.RateLimiter == nil {
			return fn
		}
		return opts.RateLimiter.Wrap(fn)
	}
	mux.Handle("POST /api/v1/auth/signup", limited(h.Auth.Signup))
	mux.Handle("POST /api/v1/auth/signin", limited(h.Auth.Signin))
	mux.Handle("POST /api/v1/auth/refresh", limited(h.Auth.Refresh))

	// Provider callback, reachable only through the trusted gateway
	gateway := middleware.RequireGateway(opts.GatewaySecret)
	mux.Handle("POST /api/v1/auth/provider", gateway(http.HandlerFunc(h.Auth.ProviderSignin)))

	// Username checks are public so signup flows can probe availability
	mux.Handle("GET /api/v1/username/check", limited(h.Username.Check))
	mux.Handle("GET /api/v1/username/suggest", limited(h.Username.Suggest))

	// Auth-required routes, wrapped with RequireAuth middleware
	protected := middleware.RequireAuth(opts.JWTSecret, opts.Sessions)
	authed := func(fn http.HandlerFunc) http.Handler {
		return protected(fn)
	}
	mux.Handle("POST /api/v1/auth/logout", authed(h.Auth.Logout))
	mux.Handle("POST /api/v1/auth/logout-all", authed(h.Auth.LogoutAll))
	mux.Handle("GET /api/v1/auth/identities", authed(h.Auth.ListIdentities))
	mux.Handle("POST /api/v1/auth/identities", authed(h.Auth.Link))
	mux.Handle("DELETE /api/v1/auth/identities/{provider}", authed(h.Auth.Unlink))

	mux.Handle("POST /api/v1/username", authed(h.Username.Reserve))

	mux.Handle("POST /api/v1/drafts", authed(h.Drafts.Create))
	mux.Handle("GET /api/v1/drafts/{id}", authed(h.Drafts.Get))
	mux.Handle("PATCH /api/v1/drafts/{id}", authed(h.Drafts.Update))
	mux.Handle("DELETE /api/v1/drafts/{id}", authed(h.Drafts.Discard))
	mux.Handle("GET /api/v1/drafts/{id}/media", authed(h.Drafts.ListMedia))

	mux.Handle("POST /api/v1/uploads/init", authed(h.Uploads.Init))
	mux.Handle("POST /api/v1/uploads/complete", authed(h.Uploads.Complete))

	mux.Handle("POST /api/v1/publish-post", authed(h.Publish.Publish))

	// Catch-all 404
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
}
