/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the kiosk and admin frontends

ROUTE GROUPS:
  /api/attendance/*     Check-in and event queries
  /api/stats/*          Monthly cached stats
  /api/cron/*           External cron entry point
  /api/admin/*          Forced checkout, cache, migration, roster
  /api/links/*          Card-link handshake
  /api/scenarios/*      Demo scenarios
  /*                    Static files (frontend)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultAllowedOrigins are the local dev servers of the kiosk and admin UIs.
var DefaultAllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/attendance", func(r chi.Router) {
			r.Post("/checkin", h.RecordCheckin)
			r.Get("/events", h.ListEvents)
			r.Get("/daily/{date}", h.GetDaily)
		})

		r.Route("/stats/monthly/{year}/{month}", func(r chi.Router) {
			r.Get("/", h.GetMonthlyStats)
			r.Get("/state", h.GetCacheState)
		})

		// Called by an external scheduler; honors the window
		r.Get("/cron/force-checkout", h.CronForceCheckout)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/force-checkout", h.ManualForceCheckout)
			r.Get("/call-logs", h.ListCallLogs)
			r.Get("/cron-settings", h.GetCronSettings)
			r.Put("/cron-settings", h.UpdateCronSettings)
			r.Get("/scheduler", h.GetScheduler)
			r.Post("/cache/{year}/{month}/invalidate", h.InvalidateCache)
			r.Post("/migrate", h.Migrate)
			r.Post("/roster", h.ImportRoster)
		})

		r.Get("/users", h.ListUsers)
		r.Get("/teams", h.ListTeams)

		r.Route("/links", func(r chi.Router) {
			r.Post("/", h.CreateLink)
			r.Get("/{token}", h.GetLink)
			r.Put("/{token}/status", h.UpdateLinkStatus)
			r.Get("/{token}/events", h.WatchLink)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	// Serve the built frontend when present
	staticDir := "./web/dist"
	if _, err := os.Stat(staticDir); os.IsNotExist(err) {
		exe, _ := os.Executable()
		staticDir = filepath.Join(filepath.Dir(exe), "web", "dist")
	}

	if _, err := os.Stat(staticDir); err == nil {
		fileServer := http.FileServer(http.Dir(staticDir))
		r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
			fullPath := filepath.Join(staticDir, filepath.Clean(r.URL.Path))
			if _, err := os.Stat(fullPath); os.IsNotExist(err) {
				// SPA routing: serve index.html
				http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
				return
			}
			fileServer.ServeHTTP(w, r)
		})
	} else {
		r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Attendance Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Attendance Engine API</h1>
<p>No frontend build found in <code>web/dist</code>.</p>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/attendance/daily/today">/api/attendance/daily/today</a> - Who is here today</li>
<li><a href="/api/users">/api/users</a> - List users</li>
<li><a href="/api/admin/call-logs">/api/admin/call-logs</a> - Forced checkout history</li>
<li><a href="/api/scenarios">/api/scenarios</a> - List scenarios</li>
</ul>
</body>
</html>`))
		})
	}

	return r
}
