package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docuflow/docuflow/internal/models"
	"github.com/docuflow/docuflow/internal/pipeline"
)

// Remote calls a dedicated conversion/OCR service over HTTP. The request
// carries the full job record; the response carries the processor result.
type Remote struct {
	endpoint   string
	httpClient *http.Client
}

var _ pipeline.Processor = (*Remote)(nil)

// NewRemote creates a remote processor client. The per-call deadline comes
// from the pipeline's context, so the client itself carries no timeout.
func NewRemote(endpoint string) *Remote {
	return &Remote{
		endpoint:   endpoint,
		httpClient: &http.Client{},
	}
}

type remoteResponse struct {
	OutputRef        string         `json:"output_ref"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
	Confidence       float64        `json:"confidence"`
	PageCount        int            `json:"page_count"`
	WordCount        int            `json:"word_count"`
	Metrics          map[string]any `json:"metrics"`
	Error            string         `json:"error"`
}

func (r *Remote) Process(ctx context.Context, job *models.JobRecord) (*pipeline.Result, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call processor: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read processor response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("processor returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var decoded remoteResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode processor response: %w", err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("processor error: %s", decoded.Error)
	}

	return &pipeline.Result{
		OutputRef:      decoded.OutputRef,
		ProcessingTime: time.Duration(decoded.ProcessingTimeMs) * time.Millisecond,
		Confidence:     decoded.Confidence,
		PageCount:      decoded.PageCount,
		WordCount:      decoded.WordCount,
		Metrics:        decoded.Metrics,
	}, nil
}
