// Package api is the HTTP control surface: file queries, retry and delete
// operations, stats, and dynamic configuration.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/clearmedia/clearmedia/internal/config"
	"github.com/clearmedia/clearmedia/internal/metrics"
	"github.com/clearmedia/clearmedia/internal/status"
	"github.com/clearmedia/clearmedia/internal/store"
)

// Server holds handler dependencies.
type Server struct {
	store   *store.Store
	status  *status.Manager
	cfgMgr  *config.Manager
	cfgSvc  *config.Service
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewServer(st *store.Store, sm *status.Manager, cfgMgr *config.Manager,
	cfgSvc *config.Service, m *metrics.Metrics, log zerolog.Logger) *Server {
	return &Server{
		store:   st,
		status:  sm,
		cfgMgr:  cfgMgr,
		cfgSvc:  cfgSvc,
		metrics: m,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// Router builds the chi router with CORS from the current settings.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		// Evaluated per request so a CORS_ORIGINS reload takes effect
		// without a restart.
		AllowOriginFunc: s.originAllowed,
		AllowedMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:  []string{"Accept", "Content-Type", "Authorization"},
	}))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/files", s.handleListFiles)
		r.Get("/files/suggest", s.handleSuggest)
		r.Get("/files/{id}", s.handleGetFile)
		r.Post("/files/{id}/retry", s.handleRetry)
		r.Post("/files/batch-retry", s.handleBatchRetry)
		r.Post("/files/batch-delete", s.handleBatchDelete)
		r.Get("/stats", s.handleStats)
		r.Get("/config", s.handleGetConfig)
		r.Post("/config", s.handlePostConfig)
	})
	return r
}

func (s *Server) originAllowed(r *http.Request, origin string) bool {
	cur := s.cfgMgr.Current()
	for _, o := range cur.CORSOriginList() {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Welcome to ClearMedia API"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the {"detail": ...} error shape used across the API.
func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
