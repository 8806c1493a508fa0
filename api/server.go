package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phuslu/log"

	"market_intel/config"
	"market_intel/models"
	"market_intel/scraper"
	"market_intel/services"
	"market_intel/storage"
)

// JobControl submits and cancels scrape jobs.
type JobControl interface {
	Submit(ctx context.Context, orgID string, platforms []string) (*models.ScrapeJob, error)
	Cancel(ctx context.Context, jobID string) error
}

// ProgressReader is the polling side of job progress.
type ProgressReader interface {
	Progress(ctx context.Context, jobID string) (*services.ProgressReport, error)
	Status(ctx context.Context, orgID string) (*services.StatusSummary, error)
}

// Streamer subscribes a websocket client to a tenant's progress channel.
type Streamer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, orgID string)
}

type Server struct {
	jobs     JobControl
	progress ProgressReader
	stream   Streamer
	configs  storage.OrgConfigStore
	registry *scraper.Registry
}

func New(jobs JobControl, progress ProgressReader, stream Streamer, configs storage.OrgConfigStore, registry *scraper.Registry) *Server {
	return &Server{jobs: jobs, progress: progress, stream: stream, configs: configs, registry: registry}
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.healthz)
	r.Route("/api", func(r chi.Router) {
		r.Route("/orgs/{orgID}/scrape", func(r chi.Router) {
			r.Post("/", s.submit)
			r.Get("/status", s.status)
			r.Put("/config", s.saveConfig)
			r.Get("/stream", s.streamProgress)
		})
		r.Get("/scrape/jobs/{jobID}", s.getJob)
		r.Delete("/scrape/jobs/{jobID}", s.cancelJob)
	})
	return r
}

type submitRequest struct {
	Platforms []string `json:"platforms"`
}

type submitResponse struct {
	Success   bool     `json:"success"`
	JobID     string   `json:"jobId,omitempty"`
	Platforms []string `json:"platforms,omitempty"`
	Error     string   `json:"error,omitempty"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondJSON(w, http.StatusBadRequest, submitResponse{Error: "invalid request body"})
		return
	}

	job, err := s.jobs.Submit(r.Context(), orgID, req.Platforms)
	if err != nil {
		var active *storage.ActiveJobError
		var cfgErr *scraper.ConfigError
		switch {
		case errors.As(err, &active):
			respondJSON(w, http.StatusConflict, submitResponse{Error: "A scrape job is already running", JobID: active.JobID})
		case errors.As(err, &cfgErr) && cfgErr.NotFound:
			respondJSON(w, http.StatusNotFound, submitResponse{Error: cfgErr.Reason})
		case errors.As(err, &cfgErr):
			respondJSON(w, http.StatusUnprocessableEntity, submitResponse{Error: cfgErr.Reason})
		default:
			log.Error().Err(err).Str("org_id", orgID).Msg("Failed to submit scrape job")
			respondJSON(w, http.StatusInternalServerError, submitResponse{Error: "failed to start scrape"})
		}
		return
	}

	respondJSON(w, http.StatusAccepted, submitResponse{Success: true, JobID: job.ID, Platforms: job.Platforms})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	report, err := s.progress.Progress(r.Context(), jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job progress")
		respondError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if report == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	err := s.jobs.Cancel(r.Context(), jobID)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, submitResponse{Success: true})
	case errors.Is(err, storage.ErrJobNotFound):
		respondJSON(w, http.StatusBadRequest, submitResponse{Error: "Job not found"})
	case errors.Is(err, storage.ErrNotCancellable):
		respondJSON(w, http.StatusBadRequest, submitResponse{Error: "Job is not running"})
	default:
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to cancel scrape job")
		respondJSON(w, http.StatusInternalServerError, submitResponse{Error: "failed to cancel job"})
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	summary, err := s.progress.Status(r.Context(), orgID)
	if err != nil {
		log.Error().Err(err).Str("org_id", orgID).Msg("Failed to load scrape status")
		respondError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// saveConfig replaces the tenant's scrape configuration. Run bookkeeping
// (status, failure streak, timestamps) is owned by the pipeline and kept.
func (s *Server) saveConfig(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	var cfg models.OrgScrapeConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg.OrgID = orgID
	if err := config.Validator().Struct(&cfg); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	for _, p := range cfg.Platforms {
		if _, err := s.registry.Lookup(p); err != nil {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}
	if cfg.Schedule != "" {
		if _, err := services.NextRun(cfg.Schedule, time.Now()); err != nil {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}

	existing, err := s.configs.GetOrgConfig(r.Context(), orgID)
	if err != nil {
		log.Error().Err(err).Str("org_id", orgID).Msg("Failed to load scrape config")
		respondError(w, http.StatusInternalServerError, "failed to save config")
		return
	}
	if existing != nil {
		cfg.RunStatus = existing.RunStatus
		cfg.ConsecutiveFailures = existing.ConsecutiveFailures
		cfg.LastRunAt = existing.LastRunAt
		cfg.NextRunAt = existing.NextRunAt
	} else {
		cfg.RunStatus = models.RunStatusIdle
	}
	if cfg.Schedule != "" && cfg.NextRunAt == nil {
		cfg.NextRunAt, _ = services.NextRun(cfg.Schedule, time.Now())
	}
	cfg.UpdatedAt = time.Now()

	if err := s.configs.SaveOrgConfig(r.Context(), &cfg); err != nil {
		log.Error().Err(err).Str("org_id", orgID).Msg("Failed to save scrape config")
		respondError(w, http.StatusInternalServerError, "failed to save config")
		return
	}
	log.Info().Str("org_id", orgID).Strs("platforms", cfg.Platforms).Bool("enabled", cfg.Enabled).Msg("Scrape config saved")
	respondJSON(w, http.StatusOK, &cfg)
}

func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request) {
	s.stream.ServeWS(w, r, chi.URLParam(r, "orgID"))
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{"success": false, "error": message})
}
