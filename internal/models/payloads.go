package models

// These structs define the JSON payloads for HTTP requests and responses
// of the essay-processor function and the upload trigger.

// ProcessDocumentRequest is the input for the essay-processor function.
// Exactly one of GCSUri and PDFBase64 must be set.
type ProcessDocumentRequest struct {
	DocumentID  string `json:"documentId,omitempty"`
	GCSUri      string `json:"gcsUri,omitempty"`
	PDFBase64   string `json:"pdfBase64,omitempty"`
	Filename    string `json:"filename"`
	Lesson      int    `json:"lesson"`
	ExecutionID string `json:"executionId,omitempty"`
}

// ProcessDocumentResponse is the output of the essay-processor function.
type ProcessDocumentResponse struct {
	Status  string        `json:"status"`
	JobID   string        `json:"jobId,omitempty"`
	Outcome *BatchOutcome `json:"outcome"`
}

// GCSEvent is the payload of a GCS object finalize event.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}
