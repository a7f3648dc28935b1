// Package api exposes the engine's inbound contract as a small JSON API:
// submit, query, cancel, stats, and cache invalidation. It is a translation
// layer only; all behavior lives in the service and manager.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/2501Pr0ject/scrapinium/internal/config"
	"github.com/2501Pr0ject/scrapinium/internal/monitor"
	"github.com/2501Pr0ject/scrapinium/internal/scraper"
	"github.com/2501Pr0ject/scrapinium/internal/task"
	"github.com/2501Pr0ject/scrapinium/internal/types"
)

// Server provides the REST surface over the scraping service.
type Server struct {
	mux     *http.ServeMux
	cfg     config.APIConfig
	service *scraper.Service
	tasks   *task.Manager
	monitor *monitor.Monitor
	logger  *slog.Logger
	http    *http.Server
}

// scrapeRequest is the submit payload.
type scrapeRequest struct {
	URL                string `json:"url"`
	OutputFormat       string `json:"output_format,omitempty"`
	UseLLM             bool   `json:"use_llm,omitempty"`
	UseCache           *bool  `json:"use_cache,omitempty"`
	CustomInstructions string `json:"custom_instructions,omitempty"`
	Priority           string `json:"priority,omitempty"`
}

// NewServer creates the API server.
func NewServer(cfg config.APIConfig, service *scraper.Service, tasks *task.Manager, mon *monitor.Monitor, logger *slog.Logger) *Server {
	s := &Server{
		mux:     http.NewServeMux(),
		cfg:     cfg,
		service: service,
		tasks:   tasks,
		monitor: mon,
		logger:  logger.With("component", "api_server"),
	}
	s.registerRoutes()
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("api server starting", "addr", addr)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", "error", err)
		}
	}()
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("POST /api/scrape", s.handleScrape)
	s.mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.handleCancelTask)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("POST /api/cache/invalidate", s.handleInvalidate)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": config.Version,
	})
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}

	format := types.OutputFormat(req.OutputFormat)
	if req.OutputFormat == "" {
		format = types.FormatMarkdown
	}
	useCache := true
	if req.UseCache != nil {
		useCache = *req.UseCache
	}

	spec := types.TaskSpec{
		URL:                req.URL,
		OutputFormat:       format,
		UseLLM:             req.UseLLM,
		UseCache:           useCache,
		CustomInstructions: req.CustomInstructions,
		Priority:           types.ParsePriority(req.Priority),
		ClientID:           clientID(r),
		UserAgent:          r.UserAgent(),
	}

	t, err := s.service.Submit(spec)
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	s.jsonResponse(w, http.StatusAccepted, map[string]any{
		"task_id": t.ID,
		"status":  t.Status,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.service.Cancel(id); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"task_id": id,
		"status":  "cancelled",
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := task.ListFilter{
		Status: types.TaskStatus(r.URL.Query().Get("status")),
		Limit:  50,
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			filter.Limit = n
		}
	}

	items, total := s.tasks.List(filter)
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"tasks":  items,
		"total":  total,
		"offset": filter.Offset,
		"limit":  filter.Limit,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats := s.service.Stats(ctx)
	if s.monitor != nil {
		stats["memory"] = s.monitor.Report()
	}
	s.jsonResponse(w, http.StatusOK, stats)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pattern string `json:"pattern,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.jsonResponse(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
			return
		}
	}

	count := s.service.InvalidateCache(r.Context(), req.Pattern)
	s.jsonResponse(w, http.StatusOK, map[string]int{"invalidated": count})
}

// clientID derives the rate-limit principal from the X-Forwarded-For header when
// present, else from the remote address.
func clientID(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encode error", "error", err)
	}
}

// errorResponse translates taxonomy kinds onto HTTP statuses.
func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	if errors.Is(err, types.ErrTaskNotFound) {
		s.jsonResponse(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}

	var te *types.TaskError
	if errors.As(err, &te) {
		status := http.StatusInternalServerError
		switch te.Kind {
		case types.KindRateLimited:
			status = http.StatusTooManyRequests
		case types.KindInvalidURL:
			status = http.StatusBadRequest
		case types.KindServiceUnavailable:
			status = http.StatusServiceUnavailable
		}
		body := map[string]any{"error": te.Message, "kind": te.Kind}
		if te.RetryAfter > 0 {
			body["retry_after_seconds"] = int(te.RetryAfter.Seconds()) + 1
		}
		s.jsonResponse(w, status, body)
		return
	}

	s.jsonResponse(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
