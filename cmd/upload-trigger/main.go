package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/yoohyeon14/essay-ocr-system/internal/models"
	"github.com/yoohyeon14/essay-ocr-system/internal/services"
)

var (
	processorInstance *services.Processor
	once              sync.Once
	initErr           error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Register the CloudEvent function. The framework will handle routing the event here.
	functions.CloudEvent("ProcessUploadedDocument", processUploadedDocument)
}

// main is required by the Go Functions Framework.
func main() {}

// processUploadedDocument runs a PDF dropped into the upload bucket.
func processUploadedDocument(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		processorInstance, initErr = services.NewProcessor(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent models.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	err := processorInstance.ProcessEvent(ctx, gcsEvent)
	if models.IsDocumentDecode(err) {
		// A broken upload is final; returning it would only trigger redelivery.
		return nil
	}
	return err
}
