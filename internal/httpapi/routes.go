// Package httpapi assembles the presence server's HTTP surface: the WebSocket
// endpoint, canvas save/load, liveness and presence statistics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sharediary/diary3d/internal/canvas"
	"github.com/sharediary/diary3d/internal/presence"
)

// Deps are the collaborators served by the router.
type Deps struct {
	// WS upgrades /ws requests.
	WS          http.Handler
	Canvas      *canvas.Handler
	Broadcaster *presence.Broadcaster
	// Ready, when set, gates /healthz on a dependency check.
	Ready  func(context.Context) error
	Logger *zap.Logger
}

// Stats is the /stats response body.
type Stats struct {
	Connections int                      `json:"connections"`
	Capacity    int                      `json:"capacity"`
	Presence    presence.MetricsSnapshot `json:"presence"`
	Uptime      string                   `json:"uptime"`
}

// SetupRoutes builds the router.
//
// Precondition: every field of d except Ready must be non-nil.
func SetupRoutes(d Deps) http.Handler {
	started := time.Now()
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(d.Logger))
	r.Use(cors)

	r.Handle("/ws", d.WS)
	r.Post("/canvas/save", d.Canvas.Save)
	r.Get("/canvas/load", d.Canvas.Load)
	r.Get("/healthz", healthz(d.Ready, d.Logger))
	r.Get("/stats", stats(d.Broadcaster, started))
	return r
}

func healthz(ready func(context.Context) error, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				logger.Warn("readiness check failed", zap.Error(err))
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func stats(b *presence.Broadcaster, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reg := b.Registry()
		body := Stats{
			Connections: reg.Count(),
			Capacity:    reg.Capacity(),
			Presence:    b.Metrics(),
			Uptime:      time.Since(started).Round(time.Second).String(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}
