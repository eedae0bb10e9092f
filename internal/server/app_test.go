package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuflow/docuflow/internal/batch"
	"github.com/docuflow/docuflow/internal/bus"
	"github.com/docuflow/docuflow/internal/format"
	"github.com/docuflow/docuflow/internal/metrics"
	"github.com/docuflow/docuflow/internal/models"
	"github.com/docuflow/docuflow/internal/pipeline"
	"github.com/docuflow/docuflow/internal/store"
	"github.com/docuflow/docuflow/internal/webhook"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// testApp wires a full in-memory stack with an instant processor.
func testApp(t *testing.T) (*App, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	b := bus.New()
	t.Cleanup(b.Close)

	proc := pipeline.ProcessorFunc(func(_ context.Context, job *models.JobRecord) (*pipeline.Result, error) {
		return &pipeline.Result{OutputRef: "out/" + job.ID, PageCount: 1}, nil
	})
	collector := metrics.NewCollector()
	pipe := pipeline.New(st, proc, b, nil, testLogger(), pipeline.WithMetrics(collector))
	coord := batch.New(format.Default(), st, pipe, nil, testLogger())
	disp := webhook.New(st, nil, testLogger(), webhook.WithBackoff(time.Millisecond, 5*time.Millisecond))
	t.Cleanup(disp.Close)
	b.Subscribe(bus.MatchAll, disp.OnEvent)

	return NewApp(testLogger(), format.Default(), st, coord, pipe, disp, b, collector), st
}

func postJSON(t *testing.T, app *App, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, app *App, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealthz(t *testing.T) {
	app, _ := testApp(t)
	rec := get(t, app, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFormatsEndpoints(t *testing.T) {
	app, _ := testApp(t)

	rec := get(t, app, "/formats/docx")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "docx", body["source"])
	assert.NotEmpty(t, body["targets"])

	rec = get(t, app, "/formats/xyz")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitBatchAndSummary(t *testing.T) {
	app, _ := testApp(t)

	rec := postJSON(t, app, "/batches", map[string]any{
		"sources": []map[string]string{
			{"name": "a.docx", "format": "docx"},
			{"name": "b.docx", "format": "docx"},
		},
		"target_format": "pdf",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	submitted := decode[batch.Summary](t, rec)
	require.NotEmpty(t, submitted.BatchID)
	assert.Equal(t, 2, submitted.Total)

	// Poll until the batch finishes.
	require.Eventually(t, func() bool {
		rec := get(t, app, "/batches/"+submitted.BatchID)
		if rec.Code != http.StatusOK {
			return false
		}
		return decode[batch.Summary](t, rec).Completed == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitBatchMixedLegality(t *testing.T) {
	app, _ := testApp(t)

	rec := postJSON(t, app, "/batches", map[string]any{
		"sources": []map[string]string{
			{"name": "a.docx", "format": "docx"},
			{"name": "b.docx", "format": "docx"},
		},
		"target_format": "xyz",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	summary := decode[batch.Summary](t, rec)
	assert.Equal(t, 2, summary.Failed)
	for _, item := range summary.Items {
		assert.Equal(t, models.ReasonUnsupportedConversion, item.FailureReason)
	}
}

func TestSubmitBatchRejectsUnknownFields(t *testing.T) {
	app, _ := testApp(t)
	rec := postJSON(t, app, "/batches", map[string]any{
		"sources":       []map[string]string{{"name": "a.docx", "format": "docx"}},
		"target_format": "pdf",
		"qualityy":      "high",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryFlow(t *testing.T) {
	app, st := testApp(t)
	ctx := context.Background()

	// Seed a failed job directly.
	job := models.NewJob(models.KindConversion, "a.docx", "docx", "pdf", models.Options{})
	require.NoError(t, st.CreateJob(ctx, job))
	require.NoError(t, st.TransitionJob(ctx, job.ID, models.StatusPending, models.StatusProcessing, nil))
	require.NoError(t, st.TransitionJob(ctx, job.ID, models.StatusProcessing, models.StatusFailed, func(j *models.JobRecord) {
		j.FailureReason = models.ReasonProcessorError
	}))

	rec := postJSON(t, app, fmt.Sprintf("/jobs/%s/retry", job.ID), map[string]any{})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode[map[string]string](t, rec)
	newID := body["job_id"]
	require.NotEmpty(t, newID)
	assert.NotEqual(t, job.ID, newID)

	require.Eventually(t, func() bool {
		got, err := st.GetJob(ctx, newID)
		return err == nil && got.Status == models.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetryNonFailedJobConflicts(t *testing.T) {
	app, st := testApp(t)
	job := models.NewJob(models.KindConversion, "a.docx", "docx", "pdf", models.Options{})
	require.NoError(t, st.CreateJob(context.Background(), job))

	rec := postJSON(t, app, fmt.Sprintf("/jobs/%s/retry", job.ID), map[string]any{})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTranslateFlow(t *testing.T) {
	app, st := testApp(t)
	ctx := context.Background()

	// Seed a completed OCR job.
	job := models.NewJob(models.KindOCR, "scan.pdf", "pdf", "", models.Options{})
	require.NoError(t, st.CreateJob(ctx, job))
	require.NoError(t, st.TransitionJob(ctx, job.ID, models.StatusPending, models.StatusProcessing, nil))
	require.NoError(t, st.TransitionJob(ctx, job.ID, models.StatusProcessing, models.StatusCompleted, func(j *models.JobRecord) {
		j.Result = &models.JobResult{OutputRef: "out/text.txt"}
	}))

	rec := postJSON(t, app, fmt.Sprintf("/jobs/%s/translate", job.ID), map[string]any{"target_language": "de"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = postJSON(t, app, fmt.Sprintf("/jobs/%s/reexport", job.ID), map[string]any{"target_format": "docx"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestWebhookCRUDAndTest(t *testing.T) {
	app, _ := testApp(t)

	// Creation returns the secret once.
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	rec := postJSON(t, app, "/webhooks", map[string]any{
		"url":    target.URL,
		"events": []string{models.EventConversionCompleted},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[models.WebhookSubscription](t, rec)
	assert.NotEmpty(t, created.Secret)

	// Listing hides the secret.
	rec = get(t, app, "/webhooks")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), created.Secret)

	// Manual test delivery.
	rec = postJSON(t, app, "/webhooks/"+created.ID+"/test", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[map[string]any](t, rec)
	assert.Equal(t, true, result["success"])

	// Empty event set is rejected.
	rec = postJSON(t, app, "/webhooks", map[string]any{"url": target.URL, "events": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Delete.
	req := httptest.NewRequest(http.MethodDelete, "/webhooks/"+created.ID, nil)
	del := httptest.NewRecorder()
	app.Router().ServeHTTP(del, req)
	assert.Equal(t, http.StatusNoContent, del.Code)
}

func TestActivateWebhook(t *testing.T) {
	app, st := testApp(t)
	ctx := context.Background()

	sub, err := models.NewSubscription("https://example.com/hook", []string{models.EventOCRCompleted})
	require.NoError(t, err)
	require.NoError(t, st.CreateSubscription(ctx, sub))
	require.NoError(t, st.UpdateSubscription(ctx, sub.ID, func(s *models.WebhookSubscription) error {
		s.Active = false
		s.FailureCount = 12
		return nil
	}))

	rec := postJSON(t, app, "/webhooks/"+sub.ID+"/activate", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := st.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.Equal(t, 0, got.FailureCount)
}
