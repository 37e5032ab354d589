package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/googleapis/gax-go/v2"
	"github.com/yoohyeon14/essay-ocr-system/internal/gcp"
	"github.com/yoohyeon14/essay-ocr-system/internal/models"
	"github.com/yoohyeon14/essay-ocr-system/internal/pipeline"
)

// ErrBadRequest marks request validation failures.
var ErrBadRequest = errors.New("bad request")

type documentProcessor interface {
	ProcessDocument(ctx context.Context, in models.DocumentInput) (*models.BatchOutcome, error)
}

// JobTracker records one job per source file.
type JobTracker interface {
	FindByHash(ctx context.Context, fileHash string) (string, error)
	Create(ctx context.Context, doc models.Document) (string, error)
	UpdateStatus(ctx context.Context, id, status, errDetails string) error
	RecordOutcome(ctx context.Context, id, status string, outcome *models.BatchOutcome) error
	RecordExecution(ctx context.Context, id, executionID string) error
}

type executionCreator interface {
	CreateExecution(ctx context.Context, req *executionspb.CreateExecutionRequest, opts ...gax.CallOption) (*executionspb.Execution, error)
}

type fetchFunc func(ctx context.Context, bucket, object string) ([]byte, error)

// Processor runs uploaded documents through the pipeline and keeps the job
// record in Firestore up to date.
type Processor struct {
	config     ProcessorConfig
	pipeline   documentProcessor
	jobs       JobTracker
	executions executionCreator
	fetch      fetchFunc
	closers    []func() error
}

// NewProcessor builds the processor and all of its clients from the environment.
func NewProcessor(ctx context.Context) (*Processor, error) {
	config, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	f := &Processor{
		config: config,
		fetch: func(ctx context.Context, bucket, object string) ([]byte, error) {
			return gcp.ReadObject(ctx, storageClient, bucket, object)
		},
		closers: []func() error{storageClient.Close},
	}

	pl, err := BuildPipeline(ctx, config, BuildOptions{Storage: storageClient})
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	f.pipeline = pl
	f.closers = append(f.closers, pl.Close)

	if config.ProjectID != "" {
		firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		f.jobs = gcp.NewJobStore(firestoreClient, config.CollectionName)
		f.closers = append(f.closers, firestoreClient.Close)
	} else {
		slog.Warn("PROJECT_ID not set, job tracking disabled.")
	}

	if config.WorkflowID != "" {
		executionsClient, err := executions.NewClient(ctx)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
		}
		f.executions = executionsClient
		f.closers = append(f.closers, executionsClient.Close)
	}

	slog.Info("Essay processor initialized.", "aiBackend", config.AIBackend, "workflowId", config.WorkflowID)
	return f, nil
}

// Close releases the clients in the reverse order of their creation.
func (f *Processor) Close() error {
	var errs []error
	for i := len(f.closers) - 1; i >= 0; i-- {
		errs = append(errs, f.closers[i]())
	}
	return errors.Join(errs...)
}

// Process handles one request of the HTTP function.
func (f *Processor) Process(ctx context.Context, req models.ProcessDocumentRequest) (*models.ProcessDocumentResponse, error) {
	logCtx := slog.With("filename", req.Filename, "executionId", req.ExecutionID)

	data, source, err := f.load(ctx, req)
	if err != nil {
		logCtx.Error("Failed to load source document.", "error", err)
		return nil, err
	}
	fileHash := pipeline.ContentHash(data)
	logCtx = logCtx.With("fileHash", fileHash)

	jobID, err := f.startJob(ctx, logCtx, fileHash, source, req.Lesson)
	if err != nil {
		logCtx.Error("Failed to record job.", "error", err)
		return nil, err
	}
	if jobID != "" {
		logCtx = logCtx.With("jobId", jobID)
	}

	outcome, err := f.pipeline.ProcessDocument(ctx, models.DocumentInput{
		Source:     source,
		DocumentID: req.DocumentID,
		Data:       data,
		Lesson:     req.Lesson,
	})
	if err != nil {
		return nil, f.handleError(ctx, logCtx, jobID, "failed to process document", err)
	}

	status := JobStatus(outcome)
	if jobID != "" {
		if err := f.jobs.RecordOutcome(ctx, jobID, status, outcome); err != nil {
			logCtx.Error("Failed to record batch outcome on job.", "error", err)
		}
	}
	// Pages are already delivered at this point; a failed hand-off must not
	// turn the job into a failure.
	executionID, err := f.triggerWorkflow(ctx, logCtx, outcome)
	if err != nil {
		logCtx.Error("Failed to trigger workflow execution.", "error", err)
	}
	if executionID != "" && jobID != "" {
		if err := f.jobs.RecordExecution(ctx, jobID, executionID); err != nil {
			logCtx.Error("Failed to record workflow execution on job.", "error", err)
		}
	}

	logCtx.Info("Document processed.", "status", status, "documentId", outcome.DocumentID)
	return &models.ProcessDocumentResponse{Status: status, JobID: jobID, Outcome: outcome}, nil
}

// ProcessEvent handles a GCS finalize event. Objects that are not PDFs are ignored.
func (f *Processor) ProcessEvent(ctx context.Context, e models.GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	if !strings.EqualFold(path.Ext(e.Name), ".pdf") {
		logCtx.Info("Object is not a PDF, skipping.")
		return nil
	}
	logCtx.Info("Processing new GCS object.")

	lesson := LessonFromPath(e.Name)
	if lesson == 0 {
		logCtx.Warn("No lesson in object path, relying on the sheet header.")
	}
	_, err := f.Process(ctx, models.ProcessDocumentRequest{
		GCSUri:   fmt.Sprintf("gs://%s/%s", e.Bucket, e.Name),
		Filename: path.Base(e.Name),
		Lesson:   lesson,
	})
	return err
}

func (f *Processor) load(ctx context.Context, req models.ProcessDocumentRequest) ([]byte, string, error) {
	switch {
	case req.GCSUri != "" && req.PDFBase64 != "":
		return nil, "", fmt.Errorf("%w: set only one of gcsUri and pdfBase64", ErrBadRequest)
	case req.GCSUri != "":
		bucket, object, err := gcp.ParseGCSUri(req.GCSUri)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		data, err := f.fetch(ctx, bucket, object)
		if err != nil {
			return nil, "", err
		}
		source := req.Filename
		if source == "" {
			source = req.GCSUri
		}
		return data, source, nil
	case req.PDFBase64 != "":
		data, err := base64.StdEncoding.DecodeString(req.PDFBase64)
		if err != nil {
			return nil, "", fmt.Errorf("%w: pdfBase64 is not valid base64: %v", ErrBadRequest, err)
		}
		return data, req.Filename, nil
	default:
		return nil, "", fmt.Errorf("%w: one of gcsUri and pdfBase64 is required", ErrBadRequest)
	}
}

// startJob reuses the job of an earlier run of the same file, or creates one.
func (f *Processor) startJob(ctx context.Context, logCtx *slog.Logger, fileHash, filename string, lesson int) (string, error) {
	if f.jobs == nil {
		return "", nil
	}
	jobID, err := f.jobs.FindByHash(ctx, fileHash)
	if err != nil {
		return "", err
	}
	if jobID != "" {
		logCtx.Info("File seen before, re-running with the existing job.", "jobId", jobID)
		return jobID, f.jobs.UpdateStatus(ctx, jobID, models.JobStatusProcessing, "")
	}
	return f.jobs.Create(ctx, models.Document{
		FileHash:         fileHash,
		OriginalFilename: filename,
		Lesson:           lesson,
		Status:           models.JobStatusProcessing,
		CreatedAt:        time.Now(),
	})
}

// triggerWorkflow hands the batch off to the downstream workflow and returns
// the name of the execution it started.
func (f *Processor) triggerWorkflow(ctx context.Context, logCtx *slog.Logger, outcome *models.BatchOutcome) (string, error) {
	if f.executions == nil {
		return "", nil
	}
	logCtx.Info("Triggering workflow.")
	payloadBytes, err := json.Marshal(map[string]interface{}{
		"documentId": outcome.DocumentID,
		"pageCount":  outcome.PageCount,
		"delivered":  outcome.Succeeded + outcome.PartiallySucceeded,
		"failed":     outcome.Failed,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", f.config.ProjectID, f.config.WorkflowLocation, f.config.WorkflowID),
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	execution, err := f.executions.CreateExecution(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to create execution: %w", err)
	}
	logCtx.Info("Workflow execution started.", "workflowExecutionId", execution.GetName())
	return execution.GetName(), nil
}

func (f *Processor) handleError(ctx context.Context, logCtx *slog.Logger, jobID, message string, originalErr error) error {
	logCtx.Error(message, "error", originalErr)
	if jobID != "" {
		if err := f.jobs.UpdateStatus(ctx, jobID, models.JobStatusFailed, fmt.Sprintf("%s: %v", message, originalErr)); err != nil {
			logCtx.Error("CRITICAL: Failed to update Firestore status to FAILED after a processing error.", "updateError", err)
		}
	}
	return fmt.Errorf("%s: %w", message, originalErr)
}

// JobStatus derives the job status from a batch outcome.
func JobStatus(o *models.BatchOutcome) string {
	delivered := o.Succeeded + o.PartiallySucceeded
	switch {
	case o.Failed == 0 && o.Cancelled == 0:
		return models.JobStatusCompleted
	case delivered > 0:
		return models.JobStatusCompletedWithErrors
	default:
		return models.JobStatusFailed
	}
}

var lessonPattern = regexp.MustCompile(`(?i)lesson-(\d+)/`)

// LessonFromPath reads the lesson from an upload path such as
// "lesson-3/class-a.pdf". Zero means none was found.
func LessonFromPath(name string) int {
	m := lessonPattern.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}
