// Package processor provides Processor implementations for the pipeline:
// an LLM-backed processor that delegates the transformation to a hosted
// model, and a remote HTTP processor for dedicated conversion services.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/docuflow/docuflow/internal/models"
	"github.com/docuflow/docuflow/internal/pipeline"
)

// DefaultLLMModel is used when no model name is configured.
const DefaultLLMModel = "gpt-4o-mini"

// LLM delegates conversion and OCR to a hosted language model. The
// document service this core was built for runs its transformations
// through a generative API; this processor keeps that deployment mode.
type LLM struct {
	model  llms.Model
	name   string
	logger *slog.Logger
}

var _ pipeline.Processor = (*LLM)(nil)

// NewLLM creates an LLM processor. Credentials come from the standard
// OPENAI_API_KEY environment variable.
func NewLLM(modelName string, logger *slog.Logger) (*LLM, error) {
	if modelName == "" {
		modelName = DefaultLLMModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	model, err := openai.New(openai.WithModel(modelName))
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	return &LLM{model: model, name: modelName, logger: logger}, nil
}

func (l *LLM) Process(ctx context.Context, job *models.JobRecord) (*pipeline.Result, error) {
	start := time.Now()
	prompt := buildPrompt(job)

	out, err := llms.GenerateFromSinglePrompt(ctx, l.model, prompt, llms.WithTemperature(0.1))
	if err != nil {
		return nil, fmt.Errorf("llm generate: %w", err)
	}
	elapsed := time.Since(start)

	l.logger.Debug("llm processing finished",
		"job_id", job.ID, "model", l.name, "elapsed_ms", elapsed.Milliseconds())

	words := len(strings.Fields(out))
	return &pipeline.Result{
		OutputRef:      fmt.Sprintf("llm-output/%s", job.ID),
		ProcessingTime: elapsed,
		WordCount:      words,
		Metrics: map[string]any{
			"model":        l.name,
			"output_bytes": len(out),
		},
	}, nil
}

func buildPrompt(job *models.JobRecord) string {
	var b strings.Builder
	switch job.Kind {
	case models.KindOCR:
		b.WriteString("Extract all text from the referenced document, preserving reading order.\n")
		if job.Options.OCRLanguage != "" {
			fmt.Fprintf(&b, "The document language is %s.\n", job.Options.OCRLanguage)
		}
		if job.Options.DetectTables {
			b.WriteString("Reconstruct tables as markdown tables.\n")
		}
		if job.Options.DetectHandwriting {
			b.WriteString("Include handwritten passages.\n")
		}
	default:
		fmt.Fprintf(&b, "Convert the referenced %s document to %s.\n", job.SourceFormat, job.TargetFormat)
		if job.Options.TargetLanguage != "" {
			fmt.Fprintf(&b, "Translate the content into %s.\n", job.Options.TargetLanguage)
		}
		if job.Options.Quality != "" {
			fmt.Fprintf(&b, "Render at %s quality.\n", job.Options.Quality)
		}
		if job.Options.PreserveMetadata {
			b.WriteString("Preserve document metadata.\n")
		}
	}
	fmt.Fprintf(&b, "Source file: %s\n", job.SourceName)
	return b.String()
}
