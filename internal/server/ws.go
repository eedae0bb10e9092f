package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/docuflow/docuflow/internal/bus"
	"github.com/docuflow/docuflow/internal/models"
)

// batchProgressWS streams batch summaries over a websocket. A fresh
// summary is pushed on connect and after every terminal job event that
// touches one of the batch's items; the stream ends once all items are
// terminal.
func (a *App) batchProgressWS(w http.ResponseWriter, r *http.Request) {
	run, ok := a.coordinator.Get(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "batch not found")
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	items := make(map[string]struct{})
	for _, id := range run.Items() {
		items[id] = struct{}{}
	}

	// Signal channel: one pending wakeup is enough, summaries are
	// recomputed from scratch anyway.
	updated := make(chan struct{}, 1)
	sub := a.bus.Subscribe(bus.MatchAll, func(evt models.DomainEvent) {
		jobID, _ := evt.Payload["job_id"].(string)
		if _, mine := items[jobID]; !mine {
			return
		}
		select {
		case updated <- struct{}{}:
		default:
		}
	})
	defer sub.Cancel()

	// Detect client disconnect.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	push := func() (done bool) {
		summary, err := run.Summary(r.Context())
		if err != nil {
			a.logger.Error("summary for websocket failed", "batch_id", run.ID, "error", err)
			return true
		}
		if err := conn.WriteJSON(summary); err != nil {
			return true
		}
		return summary.Done()
	}

	if push() {
		return
	}
	for {
		select {
		case <-updated:
			if push() {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
