package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yoohyeon14/essay-ocr-system/internal/models"
)

var pngBytes = []byte("\x89PNG fake image")

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{URL: srv.URL, Secret: "s3cret"})
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresConfig(t *testing.T) {
	_, err := NewClient(Config{URL: "http://ocr"})
	assert.Error(t, err)
	_, err = NewClient(Config{Secret: "x"})
	assert.Error(t, err)
}

func TestTranscribe_Success(t *testing.T) {
	var got request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "s3cret", r.Header.Get(secretHeader))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"version": "V2",
			"requestId": "` + got.RequestID + `",
			"images": [{
				"inferResult": "SUCCESS",
				"message": "SUCCESS",
				"fields": [
					{"inferText": "나는", "inferConfidence": 0.9, "lineBreak": false},
					{"inferText": "학생이다", "inferConfidence": 0.7, "lineBreak": true},
					{"inferText": "끝", "inferConfidence": 0.8, "lineBreak": true}
				]
			}]
		}`))
	})
	fixed := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	res, err := c.Transcribe(context.Background(), pngBytes)
	require.NoError(t, err)

	assert.Equal(t, "나는 학생이다\n끝", res.Text)
	require.NotNil(t, res.Confidence)
	assert.InDelta(t, 0.8, *res.Confidence, 1e-9)
	assert.Equal(t, got.RequestID, res.RequestID)

	assert.Equal(t, "V2", got.Version)
	assert.Equal(t, fixed.UnixMilli(), got.Timestamp)
	require.Len(t, got.Images, 1)
	assert.Equal(t, "png", got.Images[0].Format)
	decoded, err := base64.StdEncoding.DecodeString(got.Images[0].Data)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, decoded)
}

func TestTranscribe_NoConfidence(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"images":[{"inferResult":"SUCCESS","fields":[{"inferText":"a"}]}]}`))
	})
	res, err := c.Transcribe(context.Background(), pngBytes)
	require.NoError(t, err)
	assert.Nil(t, res.Confidence)
	assert.NotEmpty(t, res.RequestID)
}

func TestTranscribe_StatusClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   models.ErrorKind
	}{
		{http.StatusTooManyRequests, models.KindTransientOcr},
		{http.StatusRequestTimeout, models.KindTransientOcr},
		{http.StatusInternalServerError, models.KindTransientOcr},
		{http.StatusServiceUnavailable, models.KindTransientOcr},
		{http.StatusUnauthorized, models.KindPermanentOcr},
		{http.StatusBadRequest, models.KindPermanentOcr},
		{http.StatusUnsupportedMediaType, models.KindPermanentOcr},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"code":"0011","message":"nope"}`, tc.status)
		})
		_, err := c.Transcribe(context.Background(), pngBytes)
		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.kind, models.KindOf(err), "status %d", tc.status)
	}
}

func TestTranscribe_InferFailureIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"images":[{"inferResult":"ERROR","message":"image too small"}]}`))
	})
	_, err := c.Transcribe(context.Background(), pngBytes)
	require.Error(t, err)
	assert.Equal(t, models.KindPermanentOcr, models.KindOf(err))
	assert.Contains(t, err.Error(), "image too small")
}

func TestTranscribe_BadBodyIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>gateway</html>`))
	})
	_, err := c.Transcribe(context.Background(), pngBytes)
	assert.Equal(t, models.KindPermanentOcr, models.KindOf(err))
}

func TestTranscribe_EmptyImageIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := c.Transcribe(context.Background(), nil)
	assert.Equal(t, models.KindPermanentOcr, models.KindOf(err))
}

func TestTranscribe_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Transcribe(ctx, pngBytes)
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTranscribe_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(Config{URL: url, Secret: "x"})
	require.NoError(t, err)
	_, err = c.Transcribe(context.Background(), pngBytes)
	assert.Equal(t, models.KindTransientOcr, models.KindOf(err))
}

func TestTranscribe_CancelledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Transcribe(ctx, pngBytes)
	require.Error(t, err)
	assert.Equal(t, models.KindCancelled, models.KindOf(err))
}

func TestTranscribe_RateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"images":[{"inferResult":"SUCCESS","fields":[]}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{URL: srv.URL, Secret: "x", RequestsPerSecond: 20})
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Transcribe(context.Background(), pngBytes)
		require.NoError(t, err)
	}
	// burst of one: the 2nd and 3rd call each wait ~50ms
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}
