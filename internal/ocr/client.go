// Package ocr is the client for the CLOVA General OCR (V2) service.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yoohyeon14/essay-ocr-system/internal/models"
	"golang.org/x/time/rate"
)

const (
	apiVersion    = "V2"
	secretHeader  = "X-OCR-SECRET"
	inferSuccess  = "SUCCESS"
	maxErrorBody  = 512
	imageFormat   = "png"
	defaultLang   = "ko"
	defaultClient = 90 * time.Second
)

// Config holds the endpoint and credentials of the OCR service.
type Config struct {
	URL    string
	Secret string
	Lang   string
	// RequestsPerSecond limits calls across all workers. Zero disables the limit.
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// Client sends cropped answer images to the OCR service.
type Client struct {
	config  Config
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewClient validates the configuration and creates a Client.
func NewClient(config Config) (*Client, error) {
	if config.URL == "" || config.Secret == "" {
		return nil, fmt.Errorf("CLOVA_OCR_API_URL and CLOVA_OCR_SECRET_KEY must be set")
	}
	if config.Lang == "" {
		config.Lang = defaultLang
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultClient}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}
	return &Client{config: config, http: httpClient, limiter: limiter, now: time.Now}, nil
}

type imagePayload struct {
	Format string `json:"format"`
	Name   string `json:"name"`
	Data   string `json:"data"`
}

type request struct {
	Version   string         `json:"version"`
	RequestID string         `json:"requestId"`
	Timestamp int64          `json:"timestamp"`
	Lang      string         `json:"lang,omitempty"`
	Images    []imagePayload `json:"images"`
}

type field struct {
	InferText       string   `json:"inferText"`
	InferConfidence *float64 `json:"inferConfidence"`
	LineBreak       bool     `json:"lineBreak"`
}

type imageResult struct {
	InferResult string  `json:"inferResult"`
	Message     string  `json:"message"`
	Fields      []field `json:"fields"`
}

type response struct {
	RequestID string        `json:"requestId"`
	Images    []imageResult `json:"images"`
}

// Transcribe sends one PNG image and returns the recognised text. Errors are
// always either a TransientOcrError or a PermanentOcrError, except when ctx
// itself was cancelled.
func (c *Client) Transcribe(ctx context.Context, png []byte) (models.OcrResult, error) {
	if len(png) == 0 {
		return models.OcrResult{}, models.NewPermanentOcrError(errors.New("empty image"))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return models.OcrResult{}, ctx.Err()
		}
		return models.OcrResult{}, models.NewTransientOcrError(fmt.Errorf("rate limiter: %w", err))
	}

	requestID := uuid.NewString()
	body, err := json.Marshal(request{
		Version:   apiVersion,
		RequestID: requestID,
		Timestamp: c.now().UnixMilli(),
		Lang:      c.config.Lang,
		Images: []imagePayload{{
			Format: imageFormat,
			Name:   "answer",
			Data:   base64.StdEncoding.EncodeToString(png),
		}},
	})
	if err != nil {
		return models.OcrResult{}, models.NewPermanentOcrError(fmt.Errorf("failed to marshal OCR request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return models.OcrResult{}, models.NewPermanentOcrError(fmt.Errorf("failed to build OCR request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, c.config.Secret)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return models.OcrResult{}, ctx.Err()
		}
		return models.OcrResult{}, models.NewTransientOcrError(fmt.Errorf("failed to call OCR service: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.OcrResult{}, models.NewTransientOcrError(fmt.Errorf("failed to read OCR response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return models.OcrResult{}, classifyStatus(resp.StatusCode, raw)
	}

	var parsed response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return models.OcrResult{}, models.NewPermanentOcrError(fmt.Errorf("failed to decode OCR response: %w", err))
	}
	if len(parsed.Images) == 0 {
		return models.OcrResult{}, models.NewPermanentOcrError(errors.New("OCR response carries no image result"))
	}
	img := parsed.Images[0]
	if img.InferResult != inferSuccess {
		return models.OcrResult{}, models.NewPermanentOcrError(fmt.Errorf("OCR inference %s: %s", img.InferResult, img.Message))
	}

	result := models.OcrResult{
		Text:       joinFields(img.Fields),
		Confidence: meanConfidence(img.Fields),
		RequestID:  parsed.RequestID,
	}
	if result.RequestID == "" {
		result.RequestID = requestID
	}
	slog.Debug("OCR call succeeded.", "requestId", result.RequestID, "fields", len(img.Fields))
	return result, nil
}

// classifyStatus maps an HTTP status to the error taxonomy: timeouts, rate
// limits and server errors may pass on retry, any other rejection will not.
func classifyStatus(code int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > maxErrorBody {
		snippet = snippet[:maxErrorBody]
	}
	err := fmt.Errorf("OCR service returned status %d: %s", code, snippet)
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500 {
		return models.NewTransientOcrError(err)
	}
	return models.NewPermanentOcrError(err)
}

func joinFields(fields []field) string {
	var sb strings.Builder
	for i, f := range fields {
		sb.WriteString(f.InferText)
		if i == len(fields)-1 {
			break
		}
		if f.LineBreak {
			sb.WriteByte('\n')
		} else {
			sb.WriteByte(' ')
		}
	}
	return strings.TrimSpace(sb.String())
}

func meanConfidence(fields []field) *float64 {
	var sum float64
	n := 0
	for _, f := range fields {
		if f.InferConfidence != nil {
			sum += *f.InferConfidence
			n++
		}
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}
