package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"
	"github.com/yoohyeon14/essay-ocr-system/internal/gcp"
	"github.com/yoohyeon14/essay-ocr-system/internal/header"
	"github.com/yoohyeon14/essay-ocr-system/internal/ledger"
	"github.com/yoohyeon14/essay-ocr-system/internal/locator"
	"github.com/yoohyeon14/essay-ocr-system/internal/normalize"
	"github.com/yoohyeon14/essay-ocr-system/internal/ocr"
	"github.com/yoohyeon14/essay-ocr-system/internal/pipeline"
	"github.com/yoohyeon14/essay-ocr-system/internal/raster"
	"github.com/yoohyeon14/essay-ocr-system/internal/reference"
)

// BuildOptions adjusts how the pipeline is assembled.
type BuildOptions struct {
	// DryRun keeps delivery records in memory instead of the spreadsheet.
	DryRun bool
	// Storage enables the crop archive when ARCHIVE_BUCKET is set.
	Storage *storage.Client
}

// Pipeline is an orchestrator together with the clients it owns.
type Pipeline struct {
	*pipeline.Orchestrator
	// Memory is set on dry runs.
	Memory  *ledger.MemoryStore
	closers []func() error
}

// Close releases the clients in the reverse order of their creation.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	return errors.Join(errs...)
}

// BuildPipeline wires every stage from the configuration. Clients opened
// before a failing step are closed again.
func BuildPipeline(ctx context.Context, config ProcessorConfig, opts BuildOptions) (_ *Pipeline, err error) {
	p := &Pipeline{}
	defer func() {
		if err == nil {
			return
		}
		if cerr := p.Close(); cerr != nil {
			slog.Warn("Failed to close clients after setup error.", "error", cerr)
		}
	}()

	ocrClient, err := ocr.NewClient(ocr.Config{
		URL:               config.OCRURL,
		Secret:            config.OCRSecret,
		RequestsPerSecond: config.OCRRequestsPerSecond,
	})
	if err != nil {
		return nil, err
	}

	deps := pipeline.Dependencies{
		Rasterizer: raster.New(raster.Config{TargetDPI: config.TargetDPI}),
		Locator:    locator.New(locator.DefaultConfig()),
		OCR:        ocrClient,
	}

	switch config.AIBackend {
	case BackendStudio:
		client, err := gcp.NewStudioClient(ctx, config.GoogleAPIKey, config.GeminiModel)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, client.Close)
		deps.Normalizer = normalize.NewRestorer(client.RestorationModel)
		deps.Headers = header.NewReader(client.HeaderModel, gcp.HeaderUserPrompt)
	case BackendVertex:
		client, err := gcp.NewVertexClient(ctx, config.ProjectID, config.VertexRegion, config.GeminiModel)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, client.Close)
		deps.Normalizer = normalize.NewRestorer(client.RestorationModel)
		deps.Headers = header.NewReader(client.HeaderModel, gcp.HeaderUserPrompt)
	default:
		slog.Warn("No AI backend configured, OCR text will be delivered unrestored.")
	}

	if config.SpreadsheetID != "" {
		service, err := gcp.NewSheetsService(ctx, config.CredentialsFile)
		if err != nil {
			return nil, err
		}
		deps.References = reference.NewSheetSource(service, config.SpreadsheetID, config.ReferenceSheet)
		deps.Roster = reference.NewSheetRoster(service, config.SpreadsheetID)
		if !opts.DryRun {
			store, err := ledger.NewSheetsStore(service, config.SpreadsheetID, config.ResultsSheet)
			if err != nil {
				return nil, err
			}
			if err := store.EnsureHeader(ctx); err != nil {
				return nil, fmt.Errorf("failed to prepare results sheet: %w", err)
			}
			deps.Ledger = ledger.New(store)
		}
	}
	if opts.DryRun {
		p.Memory = ledger.NewMemoryStore()
		deps.Ledger = ledger.New(p.Memory)
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("GOOGLE_SPREADSHEET_ID environment variable must be set")
	}

	if opts.Storage != nil && config.ArchiveBucket != "" {
		deps.Archive = gcp.NewCropArchive(opts.Storage, config.ArchiveBucket)
	}

	policy := config.Policy()
	p.Orchestrator, err = pipeline.New(pipeline.Config{
		Workers:         config.Workers,
		PagesPerStudent: config.PagesPerStudent,
		OCRPolicy:       policy,
		AIPolicy:        policy,
		StorePolicy:     policy,
		SaveToRoster:    config.SaveToRoster && !opts.DryRun,
	}, deps)
	if err != nil {
		return nil, err
	}
	slog.Info("Pipeline initialized.",
		"aiBackend", config.AIBackend,
		"workers", config.Workers,
		"dryRun", opts.DryRun,
		"archive", deps.Archive != nil,
		"roster", deps.Roster != nil,
	)
	return p, nil
}
