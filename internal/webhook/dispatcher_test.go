package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuflow/docuflow/internal/models"
	"github.com/docuflow/docuflow/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func fastDispatcher(st store.WebhookStore, opts ...Option) *Dispatcher {
	base := []Option{
		WithBackoff(time.Millisecond, 5*time.Millisecond),
		WithTimeout(2 * time.Second),
	}
	return New(st, nil, testLogger(), append(base, opts...)...)
}

func createSub(t *testing.T, st store.WebhookStore, url string, events ...string) *models.WebhookSubscription {
	t.Helper()
	sub, err := models.NewSubscription(url, events)
	require.NoError(t, err)
	require.NoError(t, st.CreateSubscription(context.Background(), sub))
	return sub
}

func conversionEvent() models.DomainEvent {
	return models.DomainEvent{
		Type:       models.EventConversionCompleted,
		Payload:    map[string]any{"job_id": "j-1"},
		OccurredAt: time.Now().UTC(),
	}
}

func TestDeliverySignedAndVerifiable(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	type received struct {
		body      []byte
		signature string
		eventType string
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{body, r.Header.Get(SignatureHeader), r.Header.Get(EventHeader)}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := createSub(t, st, srv.URL, models.EventConversionCompleted)
	d := fastDispatcher(st)

	d.OnEvent(conversionEvent())
	d.Close()

	select {
	case r := <-got:
		assert.Equal(t, models.EventConversionCompleted, r.eventType)
		assert.True(t, Verify(sub.Secret, r.body, r.signature), "receiver-side verification must succeed")
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery received")
	}

	updated, err := st.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.FailureCount)
	assert.NotNil(t, updated.LastTriggeredAt)
}

func TestEventFilter(t *testing.T) {
	st := store.NewMemory()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	createSub(t, st, srv.URL, models.EventConversionCompleted)
	d := fastDispatcher(st)

	// Both events published on the same bus path; only one matches.
	d.OnEvent(models.DomainEvent{Type: models.EventOCRCompleted, Payload: map[string]any{}, OccurredAt: time.Now().UTC()})
	d.OnEvent(conversionEvent())
	d.Close()

	assert.Equal(t, int32(1), hits.Load(), "subscription must only receive subscribed event types")
}

func TestBoundedRetryAndFailureAccounting(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sub := createSub(t, st, srv.URL, models.EventConversionCompleted)
	d := fastDispatcher(st, WithMaxAttempts(3), WithDeactivateThreshold(100))

	d.OnEvent(conversionEvent())
	d.Close()

	assert.Equal(t, int32(3), attempts.Load(), "a permanently failing endpoint gets exactly the retry budget")

	updated, err := st.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, updated.FailureCount)
	assert.True(t, updated.Active)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := createSub(t, st, srv.URL, models.EventConversionCompleted)
	d := fastDispatcher(st, WithMaxAttempts(3))

	d.OnEvent(conversionEvent())
	d.Close()

	updated, err := st.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.FailureCount, "a successful delivery resets the counter")
}

func TestAutoDeactivation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sub := createSub(t, st, srv.URL, models.EventConversionCompleted)
	d := fastDispatcher(st, WithMaxAttempts(10), WithDeactivateThreshold(2))

	d.OnEvent(conversionEvent())
	d.Close()

	updated, err := st.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, updated.Active, "crossing the threshold deactivates the subscription")
	assert.Equal(t, 2, updated.FailureCount)
	assert.Equal(t, int32(2), attempts.Load(), "retries stop once deactivated")
}

func TestInactiveSubscriptionSkipped(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := createSub(t, st, srv.URL, models.EventConversionCompleted)
	require.NoError(t, st.UpdateSubscription(ctx, sub.ID, func(s *models.WebhookSubscription) error {
		s.Active = false
		return nil
	}))

	d := fastDispatcher(st)
	d.OnEvent(conversionEvent())
	d.Close()

	assert.Equal(t, int32(0), hits.Load())
}

func TestPerSubscriptionOrdering(t *testing.T) {
	st := store.NewMemory()

	var mu sync.Mutex
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.Header.Get(EventHeader))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	createSub(t, st, srv.URL, models.EventConversionCompleted, models.EventConversionFailed)
	d := fastDispatcher(st)

	for i := 0; i < 5; i++ {
		typ := models.EventConversionCompleted
		if i%2 == 1 {
			typ = models.EventConversionFailed
		}
		d.OnEvent(models.DomainEvent{Type: typ, Payload: map[string]any{"seq": i}, OccurredAt: time.Now().UTC()})
	}
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 5)
	want := []string{
		models.EventConversionCompleted,
		models.EventConversionFailed,
		models.EventConversionCompleted,
		models.EventConversionFailed,
		models.EventConversionCompleted,
	}
	assert.Equal(t, want, order, "deliveries to one subscription follow publish order")
}

func TestManualTestDelivery(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	// Subscribed only to OCR events; Test must bypass the filter.
	sub := createSub(t, st, srv.URL, models.EventOCRCompleted)
	d := fastDispatcher(st)

	for i := 0; i < 3; i++ {
		result, err := d.Test(ctx, sub.ID)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, http.StatusOK, result.StatusCode)
		assert.Equal(t, "ok", result.Body)
		assert.Greater(t, result.Latency, time.Duration(0))
	}

	updated, err := st.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.FailureCount, "test deliveries never touch failure accounting")
	assert.True(t, updated.Active)
	assert.Nil(t, updated.LastTriggeredAt)
}

func TestManualTestDeliveryFailureDoesNotDeactivate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sub := createSub(t, st, srv.URL, models.EventOCRCompleted)
	d := fastDispatcher(st, WithDeactivateThreshold(1))

	for i := 0; i < 5; i++ {
		result, err := d.Test(ctx, sub.ID)
		require.NoError(t, err)
		assert.False(t, result.Success)
	}

	updated, err := st.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, updated.Active)
	assert.Equal(t, 0, updated.FailureCount)
}
