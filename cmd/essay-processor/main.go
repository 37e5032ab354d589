package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
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

	// Register the HTTP function with the framework.
	functions.HTTP("HandleProcessDocument", handleProcessDocument)
}

// main is required by the Go Functions Framework.
func main() {}

// handleProcessDocument is the HTTP handler.
func handleProcessDocument(w http.ResponseWriter, r *http.Request) {
	// Use sync.Once for robust, one-time initialization of clients.
	once.Do(func() {
		processorInstance, initErr = services.NewProcessor(context.Background())
	})
	if initErr != nil {
		slog.Error("CRITICAL: Processor initialization failed.", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.ProcessDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("Could not decode request body.", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	// Delegate to the business logic.
	res, err := processorInstance.Process(r.Context(), req)
	switch {
	case errors.Is(err, services.ErrBadRequest):
		http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
		return
	case models.IsDocumentDecode(err):
		// Retrying cannot fix a broken file.
		http.Error(w, "Unprocessable Entity: "+err.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		// The specific error is already logged inside the Process method.
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response.", "error", err)
	}
}
