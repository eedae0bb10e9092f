// Package server exposes the management HTTP surface: batch submission,
// job inspection, webhook subscription management and live batch progress
// over websocket.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/docuflow/docuflow/internal/batch"
	"github.com/docuflow/docuflow/internal/bus"
	"github.com/docuflow/docuflow/internal/format"
	"github.com/docuflow/docuflow/internal/metrics"
	"github.com/docuflow/docuflow/internal/models"
	"github.com/docuflow/docuflow/internal/pipeline"
	"github.com/docuflow/docuflow/internal/store"
	"github.com/docuflow/docuflow/internal/webhook"
)

// App wires the pipeline core behind an HTTP API.
type App struct {
	logger      *slog.Logger
	router      *chi.Mux
	graph       *format.Graph
	store       store.Store
	coordinator *batch.Coordinator
	pipeline    *pipeline.Pipeline
	dispatcher  *webhook.Dispatcher
	bus         *bus.Bus
	metrics     *metrics.Collector

	upgrader websocket.Upgrader
}

// NewApp creates the HTTP application.
func NewApp(logger *slog.Logger, graph *format.Graph, st store.Store, coord *batch.Coordinator, pipe *pipeline.Pipeline, disp *webhook.Dispatcher, b *bus.Bus, collector *metrics.Collector) *App {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{
		logger:      logger,
		router:      chi.NewRouter(),
		graph:       graph,
		store:       st,
		coordinator: coord,
		pipeline:    pipe,
		dispatcher:  disp,
		bus:         b,
		metrics:     collector,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	app.registerRoutes()
	return app
}

// Router returns the HTTP handler.
func (a *App) Router() http.Handler {
	return a.router
}

func (a *App) registerRoutes() {
	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.RealIP)
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Timeout(60 * time.Second))

	a.router.Get("/healthz", a.health)
	a.router.Get("/stats", a.stats)

	a.router.Get("/formats", a.listFormats)
	a.router.Get("/formats/{source}", a.formatTargets)

	a.router.Post("/batches", a.submitBatch)
	a.router.Get("/batches/{id}", a.batchSummary)
	a.router.Post("/batches/{id}/cancel", a.cancelBatch)
	a.router.Get("/ws/batches/{id}", a.batchProgressWS)

	a.router.Get("/jobs/{id}", a.getJob)
	a.router.Post("/jobs/{id}/retry", a.retryJob)
	a.router.Post("/jobs/{id}/translate", a.translateJob)
	a.router.Post("/jobs/{id}/reexport", a.reexportJob)

	a.router.Get("/webhooks", a.listWebhooks)
	a.router.Post("/webhooks", a.createWebhook)
	a.router.Get("/webhooks/{id}", a.getWebhook)
	a.router.Delete("/webhooks/{id}", a.deleteWebhook)
	a.router.Post("/webhooks/{id}/activate", a.activateWebhook)
	a.router.Post("/webhooks/{id}/test", a.testWebhook)
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *App) stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.metrics.Snapshot())
}

func (a *App) listFormats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sources": a.graph.Sources()})
}

func (a *App) formatTargets(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	targets := a.graph.TargetsFor(source)
	if len(targets) == 0 {
		respondError(w, http.StatusNotFound, fmt.Sprintf("no conversions defined for %q", source))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"source":  source,
		"targets": targets,
		"ocr":     format.CanOCR(source),
	})
}

type submitBatchRequest struct {
	Kind         models.JobKind `json:"kind"`
	Sources      []batch.Source `json:"sources"`
	TargetFormat string         `json:"target_format,omitempty"`
	Options      models.Options `json:"options,omitempty"`
}

func (a *App) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if err := decodeStrict(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Kind == "" {
		req.Kind = models.KindConversion
	}

	var (
		run *batch.Run
		err error
	)
	switch req.Kind {
	case models.KindConversion:
		if req.TargetFormat == "" {
			respondError(w, http.StatusBadRequest, "target_format is required for conversion batches")
			return
		}
		run, err = a.coordinator.SubmitBatch(r.Context(), req.Sources, req.TargetFormat, req.Options)
	case models.KindOCR:
		run, err = a.coordinator.SubmitOCRBatch(r.Context(), req.Sources, req.Options)
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown job kind %q", req.Kind))
		return
	}
	if err != nil {
		if errors.Is(err, models.ErrInvalidOptions) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error("batch submission failed", "error", err)
		respondError(w, http.StatusInternalServerError, "batch submission failed")
		return
	}

	summary, err := run.Summary(r.Context())
	if err != nil {
		a.logger.Error("batch summary failed", "batch_id", run.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "batch summary failed")
		return
	}
	respondJSON(w, http.StatusAccepted, summary)
}

func (a *App) batchSummary(w http.ResponseWriter, r *http.Request) {
	run, ok := a.coordinator.Get(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "batch not found")
		return
	}
	summary, err := run.Summary(r.Context())
	if err != nil {
		a.logger.Error("batch summary failed", "batch_id", run.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "batch summary failed")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (a *App) cancelBatch(w http.ResponseWriter, r *http.Request) {
	run, ok := a.coordinator.Get(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "batch not found")
		return
	}
	run.Cancel()
	respondJSON(w, http.StatusOK, map[string]any{"batch_id": run.ID, "cancelled": true})
}

func (a *App) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "load job failed")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (a *App) retryJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.pipeline.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	run := a.coordinator.Enqueue(job)
	respondJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "batch_id": run.ID})
}

type translateRequest struct {
	TargetLanguage string `json:"target_language"`
}

func (a *App) translateJob(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if err := decodeStrict(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TargetLanguage == "" {
		respondError(w, http.StatusBadRequest, "target_language is required")
		return
	}
	job, err := a.pipeline.Translate(r.Context(), chi.URLParam(r, "id"), req.TargetLanguage)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	run := a.coordinator.Enqueue(job)
	respondJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "batch_id": run.ID})
}

type reexportRequest struct {
	TargetFormat string `json:"target_format"`
}

func (a *App) reexportJob(w http.ResponseWriter, r *http.Request) {
	var req reexportRequest
	if err := decodeStrict(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TargetFormat == "" {
		respondError(w, http.StatusBadRequest, "target_format is required")
		return
	}
	job, err := a.pipeline.Reexport(r.Context(), chi.URLParam(r, "id"), req.TargetFormat, a.graph)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	run := a.coordinator.Enqueue(job)
	respondJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "batch_id": run.ID})
}

func respondPipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, pipeline.ErrNotRetryable), errors.Is(err, pipeline.ErrNotDerivable):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// decodeStrict decodes JSON rejecting unknown fields, so misspelled or
// unsupported options fail loudly instead of being silently dropped.
func decodeStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
