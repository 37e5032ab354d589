package services

import (
	"fmt"
	"strconv"
	"time"

	"github.com/yoohyeon14/essay-ocr-system/internal/gcp"
	"github.com/yoohyeon14/essay-ocr-system/internal/models"
	"github.com/yoohyeon14/essay-ocr-system/internal/pipeline"
	"github.com/yoohyeon14/essay-ocr-system/internal/retry"
)

// AI backends selectable with AI_BACKEND.
const (
	BackendStudio = "studio"
	BackendVertex = "vertex"
	BackendNone   = "none"
)

// ProcessorConfig is read from the environment once per instance.
type ProcessorConfig struct {
	ProjectID        string
	CollectionName   string
	WorkflowID       string
	WorkflowLocation string
	ArchiveBucket    string

	OCRURL               string
	OCRSecret            string
	OCRRequestsPerSecond float64

	AIBackend    string
	GoogleAPIKey string
	GeminiModel  string
	VertexRegion string

	SpreadsheetID   string
	CredentialsFile string
	ResultsSheet    string
	ReferenceSheet  string
	SaveToRoster    bool

	Workers         int
	PagesPerStudent int
	MaxRetries      int
	CallTimeout     time.Duration
	TargetDPI       float64
}

// LoadConfig reads the processor configuration. The OCR endpoint is the only
// hard requirement; everything else has a default or is optional.
func LoadConfig() (ProcessorConfig, error) {
	config := ProcessorConfig{
		ProjectID:        gcp.GetEnv("PROJECT_ID", ""),
		CollectionName:   gcp.GetEnv("FIRESTORE_COLLECTION", "documents"),
		WorkflowID:       gcp.GetEnv("WORKFLOW_ID", ""),
		WorkflowLocation: gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		ArchiveBucket:    gcp.GetEnv("ARCHIVE_BUCKET", ""),
		OCRURL:           gcp.GetEnv("CLOVA_OCR_API_URL", ""),
		OCRSecret:        gcp.GetEnv("CLOVA_OCR_SECRET_KEY", ""),
		AIBackend:        gcp.GetEnv("AI_BACKEND", ""),
		GoogleAPIKey:     gcp.GetEnv("GOOGLE_API_KEY", ""),
		GeminiModel:      gcp.GetEnv("GEMINI_MODEL", gcp.DefaultGeminiModel),
		VertexRegion:     gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		SpreadsheetID:    gcp.GetEnv("GOOGLE_SPREADSHEET_ID", ""),
		CredentialsFile:  gcp.GetEnv("GOOGLE_SERVICE_ACCOUNT_FILE", ""),
		ResultsSheet:     gcp.GetEnv("RESULTS_SHEET", ""),
		ReferenceSheet:   gcp.GetEnv("REFERENCE_SHEET", ""),
	}
	if config.OCRURL == "" || config.OCRSecret == "" {
		return config, fmt.Errorf("CLOVA_OCR_API_URL and CLOVA_OCR_SECRET_KEY environment variables must be set")
	}

	var err error
	if config.Workers, err = envInt("WORKER_LIMIT", pipeline.DefaultWorkers); err != nil {
		return config, err
	}
	if config.PagesPerStudent, err = envInt("PAGES_PER_STUDENT", pipeline.DefaultPagesPerStudent); err != nil {
		return config, err
	}
	if config.MaxRetries, err = envInt("MAX_RETRIES", 3); err != nil {
		return config, err
	}
	if config.OCRRequestsPerSecond, err = envFloat("OCR_REQUESTS_PER_SECOND", 0); err != nil {
		return config, err
	}
	if config.TargetDPI, err = envFloat("TARGET_DPI", 0); err != nil {
		return config, err
	}
	if config.SaveToRoster, err = envBool("SAVE_TO_ROSTER", false); err != nil {
		return config, err
	}
	if config.CallTimeout, err = time.ParseDuration(gcp.GetEnv("CALL_TIMEOUT", "60s")); err != nil {
		return config, fmt.Errorf("invalid CALL_TIMEOUT: %w", err)
	}

	switch config.AIBackend {
	case "":
		config.AIBackend = BackendNone
		if config.GoogleAPIKey != "" {
			config.AIBackend = BackendStudio
		}
	case BackendStudio, BackendVertex, BackendNone:
	default:
		return config, fmt.Errorf("invalid AI_BACKEND %q: want studio, vertex or none", config.AIBackend)
	}
	if config.AIBackend == BackendVertex && config.ProjectID == "" {
		return config, fmt.Errorf("PROJECT_ID environment variable must be set for the vertex backend")
	}
	return config, nil
}

// Policy returns the retry policy shared by the external calls of a stage.
func (c ProcessorConfig) Policy() retry.Policy {
	p := retry.Default(models.IsTransient)
	p.MaxRetries = c.MaxRetries
	if c.CallTimeout > 0 {
		p.CallTimeout = c.CallTimeout
	}
	return p
}

func envInt(key string, fallback int) (int, error) {
	raw := gcp.GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q: want a non-negative integer", key, raw)
	}
	return v, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	raw := gcp.GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q: want a non-negative number", key, raw)
	}
	return v, nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := gcp.GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: want true or false", key, raw)
	}
	return v, nil
}
