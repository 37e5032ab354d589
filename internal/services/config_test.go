package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setOCREnv(t *testing.T) {
	t.Setenv("CLOVA_OCR_API_URL", "https://ocr.example.com/general")
	t.Setenv("CLOVA_OCR_SECRET_KEY", "secret")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setOCREnv(t)
	t.Setenv("GOOGLE_API_KEY", "")

	config, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, BackendNone, config.AIBackend)
	assert.Equal(t, 10, config.Workers)
	assert.Equal(t, 2, config.PagesPerStudent)
	assert.Equal(t, 3, config.MaxRetries)
	assert.Equal(t, 60*time.Second, config.CallTimeout)
	assert.Equal(t, "documents", config.CollectionName)
	assert.Equal(t, "gemini-2.0-flash", config.GeminiModel)
	assert.False(t, config.SaveToRoster)
}

func TestLoadConfig_StudioChosenWithAPIKey(t *testing.T) {
	setOCREnv(t)
	t.Setenv("GOOGLE_API_KEY", "key")

	config, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, BackendStudio, config.AIBackend)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setOCREnv(t)
	t.Setenv("WORKER_LIMIT", "4")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("CALL_TIMEOUT", "15s")
	t.Setenv("OCR_REQUESTS_PER_SECOND", "2.5")
	t.Setenv("AI_BACKEND", "vertex")
	t.Setenv("PROJECT_ID", "essay-project")
	t.Setenv("SAVE_TO_ROSTER", "true")

	config, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, config.Workers)
	assert.Equal(t, 5, config.MaxRetries)
	assert.Equal(t, 15*time.Second, config.CallTimeout)
	assert.Equal(t, 2.5, config.OCRRequestsPerSecond)
	assert.Equal(t, BackendVertex, config.AIBackend)
	assert.True(t, config.SaveToRoster)

	p := config.Policy()
	assert.Equal(t, 5, p.MaxRetries)
	assert.Equal(t, 15*time.Second, p.CallTimeout)
	assert.NotNil(t, p.Retryable)
}

func TestLoadConfig_Errors(t *testing.T) {
	cases := map[string]map[string]string{
		"missing ocr":       {"CLOVA_OCR_API_URL": ""},
		"bad workers":       {"WORKER_LIMIT": "many"},
		"negative retries":  {"MAX_RETRIES": "-1"},
		"bad timeout":       {"CALL_TIMEOUT": "soon"},
		"bad backend":       {"AI_BACKEND": "openai"},
		"bad roster flag":   {"SAVE_TO_ROSTER": "sometimes"},
		"vertex no project": {"AI_BACKEND": "vertex", "PROJECT_ID": ""},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			setOCREnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
