package server

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/docuflow/docuflow/internal/models"
	"github.com/docuflow/docuflow/internal/store"
)

// subscriptionView hides the signing secret from list/get responses; the
// secret is shown once, on creation.
type subscriptionView struct {
	ID              string   `json:"id"`
	URL             string   `json:"url"`
	Events          []string `json:"events"`
	Active          bool     `json:"active"`
	FailureCount    int      `json:"failure_count"`
	LastTriggeredAt any      `json:"last_triggered_at,omitempty"`
	CreatedAt       any      `json:"created_at"`
}

func viewOf(sub *models.WebhookSubscription) subscriptionView {
	return subscriptionView{
		ID:              sub.ID,
		URL:             sub.URL,
		Events:          sub.Events,
		Active:          sub.Active,
		FailureCount:    sub.FailureCount,
		LastTriggeredAt: sub.LastTriggeredAt,
		CreatedAt:       sub.CreatedAt,
	}
}

func (a *App) listWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := a.store.ListSubscriptions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list subscriptions failed")
		return
	}
	views := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, viewOf(sub))
	}
	respondJSON(w, http.StatusOK, map[string]any{"subscriptions": views})
}

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

func (a *App) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := decodeStrict(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Scheme != "http" && parsed.Scheme != "https" {
		respondError(w, http.StatusBadRequest, "url must be a valid http(s) endpoint")
		return
	}

	sub, err := models.NewSubscription(req.URL, req.Events)
	if errors.Is(err, models.ErrNoEvents) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "create subscription failed")
		return
	}
	if err := a.store.CreateSubscription(r.Context(), sub); err != nil {
		a.logger.Error("create subscription failed", "error", err)
		respondError(w, http.StatusInternalServerError, "create subscription failed")
		return
	}

	// The full record, secret included, is returned exactly once.
	respondJSON(w, http.StatusCreated, sub)
}

func (a *App) getWebhook(w http.ResponseWriter, r *http.Request) {
	sub, err := a.store.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "load subscription failed")
		return
	}
	respondJSON(w, http.StatusOK, viewOf(sub))
}

func (a *App) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	err := a.store.DeleteSubscription(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "delete subscription failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// activateWebhook re-enables a deactivated subscription and clears its
// failure count. Reactivation is always an explicit action, never
// automatic.
func (a *App) activateWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := a.store.UpdateSubscription(r.Context(), id, func(s *models.WebhookSubscription) error {
		s.Active = true
		s.FailureCount = 0
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "activate subscription failed")
		return
	}
	sub, err := a.store.GetSubscription(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "load subscription failed")
		return
	}
	respondJSON(w, http.StatusOK, viewOf(sub))
}

func (a *App) testWebhook(w http.ResponseWriter, r *http.Request) {
	result, err := a.dispatcher.Test(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "test delivery failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":     result.Success,
		"status_code": result.StatusCode,
		"latency_ms":  result.Latency.Milliseconds(),
		"body":        result.Body,
		"error":       result.Err,
	})
}
