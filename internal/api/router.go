package api

import (
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds settings for the API router, passed from main.go so
// the router can configure CORS and auth from env vars.
type RouterConfig struct {
	// BackendAPIKey is the key that must be provided in X-API-Key or
	// Authorization: Bearer <key>. Empty skips auth (development mode).
	BackendAPIKey string

	// CorsAllowedOrigins is a comma-separated list of allowed origins.
	// Empty defaults to "*" (development mode).
	CorsAllowedOrigins string
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	// CORS: restrict origins when configured, otherwise allow all (dev mode)
	allowedOrigins := []string{"*"}
	if cfg.CorsAllowedOrigins != "" {
		origins := strings.Split(cfg.CorsAllowedOrigins, ",")
		trimmed := make([]string, 0, len(origins))
		for _, o := range origins {
			if s := strings.TrimSpace(o); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			allowedOrigins = trimmed
		}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check — public, no auth required
	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		if cfg.BackendAPIKey != "" {
			r.Use(APIKeyAuth(cfg.BackendAPIKey))
		}

		// Projects
		r.Get("/projects", h.ListProjects)
		r.Post("/projects", h.CreateProject)
		r.Get("/projects/{id}", h.GetProject)
		r.Put("/projects/{id}", h.UpdateProject)
		r.Delete("/projects/{id}", h.DeleteProject)
		r.Get("/projects/{id}/download", h.Download)
		r.Get("/projects/{id}/costs", h.GetCosts)

		// Storyboard and assembly
		r.Post("/projects/{id}/storyboard", h.GenerateStoryboard)
		r.Post("/projects/{id}/assemble", h.Assemble)

		// Cast
		r.Post("/projects/{id}/cast", h.AddCast)
		r.Put("/projects/{id}/cast/{castId}", h.UpdateCast)
		r.Post("/projects/{id}/cast/{castId}/lock", h.LockCast)

		// Renders
		r.Post("/projects/{id}/shots/{shotId}/render", h.RenderShot)
		r.Post("/projects/{id}/shots/{shotId}/video", h.RenderShotVideo)
		r.Post("/projects/{id}/scenes/{sceneId}/decor", h.RenderDecor)
		r.Post("/projects/{id}/scenes/{sceneId}/wardrobe", h.RenderWardrobe)
		r.Post("/projects/{id}/units/{unitId}/retry", h.RetryUnit)
		r.Post("/projects/{id}/units/{unitId}/cancel", h.CancelUnit)

		// Style lock
		r.Put("/projects/{id}/style-lock", h.SetStyleLock)
		r.Delete("/projects/{id}/style-lock", h.ClearStyleLock)
	})

	return r
}
