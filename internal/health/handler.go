// Package health exposes the /api/v1/health and /api/v1/ready HTTP handlers.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/jmcalloway/civitas/internal/api/jsonapi"
	"github.com/jmcalloway/civitas/internal/version"
)

// Pinger is implemented by anything that can check a downstream dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependency is a named downstream checked by /ready.
type Dependency struct {
	Name   string
	Pinger Pinger
}

// Handler holds dependencies for the health and ready endpoints.
type Handler struct {
	deps      []Dependency
	startTime time.Time
}

// New creates a Handler. deps may be empty during startup before the pools
// are established; in that case /ready returns 503 immediately.
func New(deps ...Dependency) *Handler {
	return &Handler{deps: deps, startTime: time.Now()}
}

// healthAttrs is the JSON:API attributes payload for the health response.
type healthAttrs struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	BuildDate     string `json:"build_date"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ServeHealth handles GET /api/v1/health.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	jsonapi.RenderOne(w, http.StatusOK, jsonapi.ResourceObject{
		Type: "health",
		ID:   "1",
		Attributes: healthAttrs{
			Status:        "ok",
			Version:       version.Version,
			Commit:        version.Commit,
			BuildDate:     version.Date,
			UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		},
	})
}

// ServeReady handles GET /api/v1/ready.
// Returns 200 when every registered dependency is reachable; 503 otherwise.
func (h *Handler) ServeReady(w http.ResponseWriter, r *http.Request) {
	if len(h.deps) == 0 {
		jsonapi.RenderError(w, http.StatusServiceUnavailable,
			"dependency_unavailable", "Service Unavailable",
			"no dependencies are initialised yet")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(jsonapi.Meta, len(h.deps))
	ready := true
	for _, d := range h.deps {
		if d.Pinger == nil {
			checks[d.Name] = "not initialised"
			ready = false
			continue
		}
		if err := d.Pinger.Ping(ctx); err != nil {
			checks[d.Name] = "unreachable: " + err.Error()
			ready = false
			continue
		}
		checks[d.Name] = "ok"
	}

	if !ready {
		jsonapi.Render(w, http.StatusServiceUnavailable, jsonapi.ErrorDocument{
			Errors: []jsonapi.ErrorObject{{
				Status: http.StatusText(http.StatusServiceUnavailable),
				Code:   "dependency_unavailable",
				Title:  "Service Unavailable",
				Detail: "one or more dependencies are unreachable",
			}},
		})
		return
	}

	jsonapi.RenderOne(w, http.StatusOK, jsonapi.ResourceObject{
		Type:       "ready",
		ID:         "1",
		Attributes: map[string]string{"status": "ok"},
		Meta:       checks,
	})
}
