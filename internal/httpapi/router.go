package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"llm_fanout/internal/config"
	"llm_fanout/internal/metrics"
	"llm_fanout/internal/middleware"
	"llm_fanout/internal/orchestrator"
	"llm_fanout/internal/utils"
)

// HealthCheck reports whether a backing store answers.
type HealthCheck func(ctx context.Context) error

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Service        *orchestrator.Service
	JWT            config.JWTConfig
	CORSOrigins    []string
	Metrics        metrics.Recorder
	MetricsHandler http.Handler
	Health         HealthCheck
}

// NewRouter creates the HTTP handler with all routes and middleware wired up
func NewRouter(deps Dependencies) http.Handler {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}

	r := mux.NewRouter()
	r.Use(requestIDMiddleware, instrument(deps.Metrics))

	// Public endpoints
	r.HandleFunc("/health", healthHandler(deps.Health)).Methods(http.MethodGet)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler).Methods(http.MethodGet)
	}

	// Owner-scoped endpoints
	h := NewResponsesHandler(deps.Service)
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.OwnerJWTMiddleware(deps.JWT))

	api.HandleFunc("/responses", h.Submit).Methods(http.MethodPost)
	api.HandleFunc("/responses", h.List).Methods(http.MethodGet)
	api.HandleFunc("/responses/stats", h.Stats).Methods(http.MethodGet)
	api.HandleFunc("/responses/{id}", h.Get).Methods(http.MethodGet)
	api.HandleFunc("/responses/{id}", h.Delete).Methods(http.MethodDelete)
	api.HandleFunc("/responses/{id}/retry", h.Retry).Methods(http.MethodPost)
	api.HandleFunc("/responses/{id}/select", h.Select).Methods(http.MethodPost)
	api.HandleFunc("/responses/{id}/select", h.ClearSelection).Methods(http.MethodDelete)
	api.HandleFunc("/responses/{id}/results/{provider}", h.EditResult).Methods(http.MethodPatch)
	api.HandleFunc("/providers", h.Providers).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		utils.RespondWithError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
	})
	return c.Handler(r)
}

func healthHandler(check HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				utils.RespondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
					"error":  err.Error(),
				})
				return
			}
		}
		utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// requestIDMiddleware echoes the caller's X-Request-ID or assigns a new one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records latency and status per route template, so ids in the
// path do not explode label cardinality.
func instrument(rec metrics.Recorder) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			rec.ObserveHTTPRequest(route, r.Method, sw.status, time.Since(start))
		})
	}
}
