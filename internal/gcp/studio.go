package gcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// StudioModel is one configured Gemini model reached with an API key.
type StudioModel struct {
	model *genai.GenerativeModel
}

// Generate mirrors VertexModel.Generate for the API-key backend.
func (m *StudioModel) Generate(ctx context.Context, prompt string, png []byte) (string, error) {
	parts := make([]genai.Part, 0, 2)
	if len(png) > 0 {
		parts = append(parts, genai.ImageData("png", png))
	}
	parts = append(parts, genai.Text(prompt))

	resp, err := m.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", ClassifyAIError(fmt.Errorf("failed to generate content: %w", err))
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String(), nil
}

// StudioClient holds the restoration and header models for deployments that
// authenticate with GOOGLE_API_KEY instead of a Vertex AI project.
type StudioClient struct {
	RestorationModel *StudioModel
	HeaderModel      *StudioModel
	baseClient       *genai.Client
}

// NewStudioClient creates the API-key backed client.
func NewStudioClient(ctx context.Context, apiKey, modelName string) (*StudioClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GOOGLE_API_KEY environment variable not set")
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}

	baseClient, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create new gemini client: %w", err)
	}

	restorationModel := baseClient.GenerativeModel(modelName)
	restorationModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(RestorationSystemPrompt)},
	}
	restorationModel.SetTemperature(restorationTemperature)

	headerModel := baseClient.GenerativeModel(modelName)
	headerModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(HeaderSystemPrompt)},
	}
	headerModel.SetTemperature(restorationTemperature)
	headerModel.ResponseMIMEType = "application/json"

	return &StudioClient{
		RestorationModel: &StudioModel{model: restorationModel},
		HeaderModel:      &StudioModel{model: headerModel},
		baseClient:       baseClient,
	}, nil
}

func (c *StudioClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
