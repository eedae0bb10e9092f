package pipeline

import (
	"context"
	"time"

	"github.com/docuflow/docuflow/internal/models"
)

// Result is what a processor reports for a successful run.
type Result struct {
	OutputRef      string
	ProcessingTime time.Duration
	Confidence     float64
	PageCount      int
	WordCount      int
	Metrics        map[string]any
}

// Processor performs the actual byte transformation or text extraction.
// The pipeline treats it as an opaque, fallible, time-bounded operation:
// the context carries the deadline, and any error fails the job. Whether
// the implementation is a local codec, a remote service or an LLM call is
// none of the pipeline's business.
type Processor interface {
	Process(ctx context.Context, job *models.JobRecord) (*Result, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, job *models.JobRecord) (*Result, error)

func (f ProcessorFunc) Process(ctx context.Context, job *models.JobRecord) (*Result, error) {
	return f(ctx, job)
}
