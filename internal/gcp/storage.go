package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// An existing object is not an error: re-running a document must not fail on its
// own earlier output.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName string, content []byte, contentType string) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping.", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		// With small payloads the precondition is only checked on Close.
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping.", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 412
}

// ParseGCSUri splits gs://bucket/object into its parts.
func ParseGCSUri(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("invalid GCS URI %q: missing gs:// prefix", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("invalid GCS URI %q: expected gs://bucket/object", uri)
	}
	return bucket, object, nil
}

// ReadObject downloads a whole object.
func ReadObject(ctx context.Context, client *storage.Client, bucket, object string) ([]byte, error) {
	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open gs://%s/%s: %w", bucket, object, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", bucket, object, err)
	}
	return data, nil
}

// CropArchive keeps cropped answer images in a bucket, one object per page.
type CropArchive struct {
	bucket *storage.BucketHandle
}

func NewCropArchive(client *storage.Client, bucket string) *CropArchive {
	return &CropArchive{bucket: client.Bucket(bucket)}
}

// Archive writes the crop once; an object left by an earlier run is kept.
func (a *CropArchive) Archive(ctx context.Context, documentID string, pageIndex int, png []byte) error {
	return SaveToGCSAtomically(ctx, a.bucket, CropObjectName(documentID, pageIndex), png, "image/png")
}

// CropObjectName is <documentId>/<page:05d>.png.
func CropObjectName(documentID string, pageIndex int) string {
	return fmt.Sprintf("%s/%05d.png", documentID, pageIndex)
}
