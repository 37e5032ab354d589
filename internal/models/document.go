package models

import "time"

// Job status values stored on the Firestore job record.
const (
	JobStatusProcessing          = "PROCESSING"
	JobStatusCompleted           = "COMPLETED"
	JobStatusCompletedWithErrors = "COMPLETED_WITH_ERRORS"
	JobStatusFailed              = "FAILED"
)

// Document represents the job record for one uploaded manuscript PDF in Firestore.
// It tracks the overall status and the last batch outcome for the file.
type Document struct {
	FileHash            string    `firestore:"fileHash,omitempty"`
	OriginalFilename    string    `firestore:"originalFilename,omitempty"`
	Lesson              int       `firestore:"lesson,omitempty"`
	Status              string    `firestore:"status,omitempty"`
	ErrorDetails        string    `firestore:"errorDetails,omitempty"`
	PageCount           int       `firestore:"pageCount,omitempty"`
	Delivered           int       `firestore:"delivered"`
	PartiallyDelivered  int       `firestore:"partiallyDelivered"`
	Failed              int       `firestore:"failed"`
	WorkflowExecutionID string    `firestore:"workflowExecutionId,omitempty"` // For traceability
	CreatedAt           time.Time `firestore:"createdAt,omitempty"`
	UpdatedAt           time.Time `firestore:"updatedAt,omitempty"`
}

// DocumentInput is one submission handed to the pipeline. DocumentID is the
// caller's stable identifier; when empty the pipeline derives one from the
// content hash of Data.
type DocumentInput struct {
	Source     string
	DocumentID string
	Data       []byte
	Lesson     int
}
