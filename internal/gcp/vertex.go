package gcp

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

// DefaultGeminiModel is used when GEMINI_MODEL is not set.
const DefaultGeminiModel = "gemini-2.0-flash"

// Low temperature keeps restoration close to what is actually written.
const restorationTemperature = 0.1

// --- Restoration Model Prompts ---
const RestorationSystemPrompt = "당신은 한국어 논술 답안 원고지를 판독하는 전문가입니다. OCR이 잘못 인식한 글자를 답안 이미지와 기초자료를 근거로 바로잡되, 학생이 쓰지 않은 내용은 절대 추가하지 않습니다."

// --- Header Model Prompts ---
const HeaderSystemPrompt = "You read the printed header of a Korean essay answer sheet and return the handwritten fields as a single JSON object."
const HeaderUserPrompt = `이 원고지 이미지의 상단 헤더에서 다음 정보를 읽어 주세요.

1. name: 학생 이름 (손글씨 한글 2-4글자)
2. lesson: 강 번호 (예: "3강" -> 3)
3. question_num: 문제 번호 (예: "문제2" -> 2)
4. academy: 소속 학원명

출력은 아래 형식의 JSON 객체 하나만 작성하세요.
{"name": "학생이름", "lesson": 2, "question_num": 1, "academy": "학원명"}

읽을 수 없는 값은 빈 문자열 또는 0으로 두세요.`

// VertexModel is one configured Vertex AI model.
type VertexModel struct {
	model *genai.GenerativeModel
}

// Generate sends the prompt, preceded by the PNG image when one is given, and
// returns the concatenated text of the first candidate. Errors are classified
// with ClassifyAIError.
func (m *VertexModel) Generate(ctx context.Context, prompt string, png []byte) (string, error) {
	parts := make([]genai.Part, 0, 2)
	if len(png) > 0 {
		parts = append(parts, genai.ImageData("png", png))
	}
	parts = append(parts, genai.Text(prompt))

	resp, err := m.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", ClassifyAIError(fmt.Errorf("failed to generate content from gemini: %w", err))
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

// VertexClient holds all pre-configured generative models for our app.
type VertexClient struct {
	RestorationModel *VertexModel
	HeaderModel      *VertexModel
	baseClient       *genai.Client
}

// NewVertexClient creates a new client holding all necessary models.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	// --- Configure the restoration model ---
	restorationModel := baseClient.GenerativeModel(modelName)
	restorationModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(RestorationSystemPrompt)},
	}
	restorationModel.SetTemperature(restorationTemperature)

	// --- Configure the header model ---
	headerModel := baseClient.GenerativeModel(modelName)
	headerModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(HeaderSystemPrompt)},
	}
	headerModel.GenerationConfig = genai.GenerationConfig{
		// Force JSON output so the header can be decoded directly.
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](restorationTemperature),
	}

	return &VertexClient{
		RestorationModel: &VertexModel{model: restorationModel},
		HeaderModel:      &VertexModel{model: headerModel},
		baseClient:       baseClient,
	}, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
