package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildConfig() ProcessorConfig {
	return ProcessorConfig{
		OCRURL:          "https://ocr.example.com/general",
		OCRSecret:       "secret",
		AIBackend:       BackendNone,
		Workers:         2,
		PagesPerStudent: 2,
		MaxRetries:      1,
	}
}

func TestBuildPipeline_DryRunKeepsRowsInMemory(t *testing.T) {
	pl, err := BuildPipeline(context.Background(), buildConfig(), BuildOptions{DryRun: true})
	require.NoError(t, err)
	assert.NotNil(t, pl.Memory)
	assert.NotNil(t, pl.Orchestrator)
	assert.NoError(t, pl.Close())
}

func TestBuildPipeline_Errors(t *testing.T) {
	noOCR := buildConfig()
	noOCR.OCRSecret = ""
	_, err := BuildPipeline(context.Background(), noOCR, BuildOptions{DryRun: true})
	assert.Error(t, err)

	_, err = BuildPipeline(context.Background(), buildConfig(), BuildOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GOOGLE_SPREADSHEET_ID")
}

func TestBuildPipeline_FailsAfterStudioClientOpened(t *testing.T) {
	config := buildConfig()
	config.AIBackend = BackendStudio
	config.GoogleAPIKey = "test-key"

	// the Studio client is opened first, then setup fails on the missing sheet
	pl, err := BuildPipeline(context.Background(), config, BuildOptions{})
	require.Error(t, err)
	assert.Nil(t, pl)
}

func TestPipeline_CloseReleasesInReverseOrder(t *testing.T) {
	var order []string
	p := &Pipeline{closers: []func() error{
		func() error { order = append(order, "studio"); return errors.New("already closed") },
		func() error { order = append(order, "archive"); return nil },
	}}

	assert.EqualError(t, p.Close(), "already closed")
	assert.Equal(t, []string{"archive", "studio"}, order)
}
