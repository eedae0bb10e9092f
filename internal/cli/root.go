// Package cli provides the docuflow command-line interface. The CLI wires
// the pipeline core directly with an in-memory store; the server binary is
// the long-running deployment.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/docuflow/docuflow/internal/batch"
	"github.com/docuflow/docuflow/internal/bus"
	"github.com/docuflow/docuflow/internal/config"
	"github.com/docuflow/docuflow/internal/format"
	"github.com/docuflow/docuflow/internal/pipeline"
	"github.com/docuflow/docuflow/internal/processor"
	"github.com/docuflow/docuflow/internal/store"
	"github.com/docuflow/docuflow/internal/webhook"
)

// Version is set at build time.
var Version = "0.1.0"

var (
	cfg    config.Config
	logger *slog.Logger

	coreStore       *store.Memory
	coreBus         *bus.Bus
	coreCoordinator *batch.Coordinator
	corePipeline    *pipeline.Pipeline
	coreDispatcher  *webhook.Dispatcher
	coreGraph       *format.Graph
)

var rootCmd = &cobra.Command{
	Use:   "docuflow",
	Short: "Document conversion and OCR job pipeline",
	Long: `Docuflow runs document conversion and OCR jobs through an
asynchronous pipeline with webhook notifications on completion.

The CLI executes batches in-process; use docuflow-server for a
long-running deployment.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()
		var cleanup func() error
		logger, cleanup = config.SetupLogger(cfg.LogFile, cfg.LogLevel)
		cobra.OnFinalize(func() { _ = cleanup() })
		slog.SetDefault(logger)

		graph, err := loadGraph(cfg)
		if err != nil {
			return err
		}
		coreGraph = graph

		proc, err := buildProcessor(cfg, logger)
		if err != nil {
			return err
		}

		coreStore = store.NewMemory()
		coreBus = bus.New()
		corePipeline = pipeline.New(coreStore, proc, coreBus, nil, logger,
			pipeline.WithTimeout(cfg.ProcessTimeout))
		coreCoordinator = batch.New(coreGraph, coreStore, corePipeline, nil, logger,
			batch.WithConcurrency(cfg.Concurrency))
		coreDispatcher = webhook.New(coreStore, nil, logger,
			webhook.WithTimeout(cfg.WebhookTimeout),
			webhook.WithMaxAttempts(cfg.WebhookMaxAttempts),
			webhook.WithDeactivateThreshold(cfg.DeactivateThreshold))
		coreBus.Subscribe(bus.MatchAll, coreDispatcher.OnEvent)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if coreBus != nil {
			coreBus.Close()
		}
		if coreDispatcher != nil {
			coreDispatcher.Close()
		}
	},
}

func loadGraph(cfg config.Config) (*format.Graph, error) {
	graph := format.Default()
	if cfg.FormatTablePath == "" {
		return graph, nil
	}
	f, err := os.Open(cfg.FormatTablePath)
	if err != nil {
		return nil, fmt.Errorf("open format table: %w", err)
	}
	defer f.Close()
	override, err := format.Load(f)
	if err != nil {
		return nil, err
	}
	return format.Merge(graph, override), nil
}

func buildProcessor(cfg config.Config, logger *slog.Logger) (pipeline.Processor, error) {
	switch cfg.ProcessorBackend {
	case "remote":
		return processor.NewRemote(cfg.ProcessorURL), nil
	case "llm":
		return processor.NewLLM(cfg.LLMModel, logger)
	default:
		return nil, fmt.Errorf("unknown processor backend %q", cfg.ProcessorBackend)
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(formatsCmd)
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(ocrCmd)
	rootCmd.AddCommand(webhooksCmd)
}
