package gcp

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/googleapis/gax-go/v2/apierror"
	"github.com/yoohyeon14/essay-ocr-system/internal/models"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ClassifyAIError wraps a Gemini call failure as TransientAiError or
// PermanentAiError. Cancellation of the caller's context is passed through.
func ClassifyAIError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if IsTransientAPIError(err) {
		return models.NewTransientAiError(err)
	}
	return models.NewPermanentAiError(err)
}

// ClassifyStoreError wraps a spreadsheet API failure. Every store failure is
// retryable; quota and availability problems are the common case and an auth
// failure only surfaces after the retries are spent.
func ClassifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return models.NewStoreUnavailableError(err)
}

// IsTransientAPIError reports whether a Google API error (REST or gRPC) may
// succeed on retry.
func IsTransientAPIError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if ae, ok := apierror.FromError(err); ok {
		if code := ae.HTTPCode(); code > 0 {
			return transientHTTP(code)
		}
		if s := ae.GRPCStatus(); s != nil {
			return transientCode(s.Code())
		}
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return transientHTTP(gerr.Code)
	}
	if s, ok := status.FromError(err); ok {
		return transientCode(s.Code())
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func transientHTTP(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func transientCode(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Internal, codes.Aborted:
		return true
	}
	return false
}
