package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/yoohyeon14/essay-ocr-system/internal/models"
)

type mockPipeline struct {
	mock.Mock
}

func (m *mockPipeline) ProcessDocument(ctx context.Context, in models.DocumentInput) (*models.BatchOutcome, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*models.BatchOutcome)
	return out, args.Error(1)
}

type mockJobs struct {
	mock.Mock
}

func (m *mockJobs) FindByHash(ctx context.Context, fileHash string) (string, error) {
	args := m.Called(ctx, fileHash)
	return args.String(0), args.Error(1)
}

func (m *mockJobs) Create(ctx context.Context, doc models.Document) (string, error) {
	args := m.Called(ctx, doc)
	return args.String(0), args.Error(1)
}

func (m *mockJobs) UpdateStatus(ctx context.Context, id, status, errDetails string) error {
	return m.Called(ctx, id, status, errDetails).Error(0)
}

func (m *mockJobs) RecordOutcome(ctx context.Context, id, status string, outcome *models.BatchOutcome) error {
	return m.Called(ctx, id, status, outcome).Error(0)
}

func (m *mockJobs) RecordExecution(ctx context.Context, id, executionID string) error {
	return m.Called(ctx, id, executionID).Error(0)
}

type fakeExecutions struct {
	requests []*executionspb.CreateExecutionRequest
	err      error
}

func (f *fakeExecutions) CreateExecution(_ context.Context, req *executionspb.CreateExecutionRequest, _ ...gax.CallOption) (*executionspb.Execution, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &executionspb.Execution{Name: "exec-1"}, nil
}

var pdfBytes = []byte("%PDF-1.4 answers")

func outcome(succeeded, partial, failed, cancelled int) *models.BatchOutcome {
	return &models.BatchOutcome{
		DocumentID:         "doc-1",
		PageCount:          succeeded + partial + failed + cancelled,
		Succeeded:          succeeded,
		PartiallySucceeded: partial,
		Failed:             failed,
		Cancelled:          cancelled,
	}
}

func newTestProcessor(pl documentProcessor, jobs JobTracker, exec executionCreator) *Processor {
	p := &Processor{
		config: ProcessorConfig{
			ProjectID:        "essay-project",
			WorkflowID:       "essay-handoff",
			WorkflowLocation: "asia-northeast3",
		},
		pipeline: pl,
		fetch: func(_ context.Context, bucket, object string) ([]byte, error) {
			if bucket == "essays" && object == "lesson-3/class-a.pdf" {
				return pdfBytes, nil
			}
			return nil, errors.New("object not found")
		},
	}
	if jobs != nil {
		p.jobs = jobs
	}
	if exec != nil {
		p.executions = exec
	}
	return p
}

func TestProcess_NewJobCompleted(t *testing.T) {
	pl := new(mockPipeline)
	pl.On("ProcessDocument", mock.Anything, mock.MatchedBy(func(in models.DocumentInput) bool {
		return string(in.Data) == string(pdfBytes) && in.Lesson == 3 && in.DocumentID == "class-a" && in.Source == "class-a.pdf"
	})).Return(outcome(4, 0, 0, 0), nil)

	jobs := new(mockJobs)
	jobs.On("FindByHash", mock.Anything, mock.Anything).Return("", nil)
	jobs.On("Create", mock.Anything, mock.MatchedBy(func(d models.Document) bool {
		return d.Status == models.JobStatusProcessing && d.OriginalFilename == "class-a.pdf" && len(d.FileHash) == 64
	})).Return("job-1", nil)
	jobs.On("RecordOutcome", mock.Anything, "job-1", models.JobStatusCompleted, mock.Anything).Return(nil)
	jobs.On("RecordExecution", mock.Anything, "job-1", "exec-1").Return(nil)

	exec := &fakeExecutions{}
	p := newTestProcessor(pl, jobs, exec)

	resp, err := p.Process(context.Background(), models.ProcessDocumentRequest{
		DocumentID: "class-a",
		GCSUri:     "gs://essays/lesson-3/class-a.pdf",
		Filename:   "class-a.pdf",
		Lesson:     3,
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, resp.Status)
	assert.Equal(t, "job-1", resp.JobID)
	jobs.AssertExpectations(t)

	require.Len(t, exec.requests, 1)
	assert.Equal(t, "projects/essay-project/locations/asia-northeast3/workflows/essay-handoff", exec.requests[0].Parent)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(exec.requests[0].Execution.Argument), &payload))
	assert.Equal(t, "doc-1", payload["documentId"])
	assert.EqualValues(t, 4, payload["delivered"])
}

func TestProcess_ReusesExistingJob(t *testing.T) {
	pl := new(mockPipeline)
	pl.On("ProcessDocument", mock.Anything, mock.Anything).Return(outcome(1, 1, 1, 0), nil)

	jobs := new(mockJobs)
	jobs.On("FindByHash", mock.Anything, mock.Anything).Return("job-7", nil)
	jobs.On("UpdateStatus", mock.Anything, "job-7", models.JobStatusProcessing, "").Return(nil)
	jobs.On("RecordOutcome", mock.Anything, "job-7", models.JobStatusCompletedWithErrors, mock.Anything).Return(nil)

	p := newTestProcessor(pl, jobs, nil)
	resp, err := p.Process(context.Background(), models.ProcessDocumentRequest{
		PDFBase64: base64.StdEncoding.EncodeToString(pdfBytes),
		Filename:  "scan.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompletedWithErrors, resp.Status)
	jobs.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	jobs.AssertExpectations(t)
}

func TestProcess_DecodeErrorFailsJob(t *testing.T) {
	pl := new(mockPipeline)
	pl.On("ProcessDocument", mock.Anything, mock.Anything).
		Return(nil, models.NewDocumentDecodeError(errors.New("not a pdf")))

	jobs := new(mockJobs)
	jobs.On("FindByHash", mock.Anything, mock.Anything).Return("", nil)
	jobs.On("Create", mock.Anything, mock.Anything).Return("job-2", nil)
	jobs.On("UpdateStatus", mock.Anything, "job-2", models.JobStatusFailed, mock.MatchedBy(func(s string) bool {
		return s != ""
	})).Return(nil)

	p := newTestProcessor(pl, jobs, nil)
	_, err := p.Process(context.Background(), models.ProcessDocumentRequest{
		PDFBase64: base64.StdEncoding.EncodeToString([]byte("garbage")),
	})
	require.Error(t, err)
	assert.True(t, models.IsDocumentDecode(err))
	jobs.AssertExpectations(t)
}

func TestProcess_WorkflowFailureDoesNotFailRequest(t *testing.T) {
	pl := new(mockPipeline)
	pl.On("ProcessDocument", mock.Anything, mock.Anything).Return(outcome(2, 0, 0, 0), nil)

	p := newTestProcessor(pl, nil, &fakeExecutions{err: errors.New("permission denied")})
	resp, err := p.Process(context.Background(), models.ProcessDocumentRequest{
		PDFBase64: base64.StdEncoding.EncodeToString(pdfBytes),
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, resp.Status)
	assert.Empty(t, resp.JobID)
}

func TestProcess_WorkflowFailureRecordsNoExecution(t *testing.T) {
	pl := new(mockPipeline)
	pl.On("ProcessDocument", mock.Anything, mock.Anything).Return(outcome(2, 0, 0, 0), nil)

	jobs := new(mockJobs)
	jobs.On("FindByHash", mock.Anything, mock.Anything).Return("", nil)
	jobs.On("Create", mock.Anything, mock.Anything).Return("job-3", nil)
	jobs.On("RecordOutcome", mock.Anything, "job-3", models.JobStatusCompleted, mock.Anything).Return(nil)

	p := newTestProcessor(pl, jobs, &fakeExecutions{err: errors.New("permission denied")})
	resp, err := p.Process(context.Background(), models.ProcessDocumentRequest{
		PDFBase64: base64.StdEncoding.EncodeToString(pdfBytes),
	})
	require.NoError(t, err)
	assert.Equal(t, "job-3", resp.JobID)
	jobs.AssertNotCalled(t, "RecordExecution", mock.Anything, mock.Anything, mock.Anything)
	jobs.AssertExpectations(t)
}

func TestProcessor_CloseReleasesInReverseOrder(t *testing.T) {
	var order []string
	p := &Processor{closers: []func() error{
		func() error { order = append(order, "storage"); return nil },
		func() error { order = append(order, "pipeline"); return errors.New("already closed") },
		func() error { order = append(order, "firestore"); return nil },
	}}

	err := p.Close()
	assert.EqualError(t, err, "already closed")
	assert.Equal(t, []string{"firestore", "pipeline", "storage"}, order)
}

func TestProcess_BadRequests(t *testing.T) {
	p := newTestProcessor(new(mockPipeline), nil, nil)
	cases := map[string]models.ProcessDocumentRequest{
		"no source":   {},
		"two sources": {GCSUri: "gs://essays/a.pdf", PDFBase64: "JVBERg=="},
		"bad base64":  {PDFBase64: "%%%"},
		"bad uri":     {GCSUri: "essays/a.pdf"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := p.Process(context.Background(), req)
			assert.ErrorIs(t, err, ErrBadRequest)
		})
	}

	_, err := p.Process(context.Background(), models.ProcessDocumentRequest{GCSUri: "gs://essays/missing.pdf"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBadRequest)
}

func TestProcessEvent(t *testing.T) {
	pl := new(mockPipeline)
	pl.On("ProcessDocument", mock.Anything, mock.MatchedBy(func(in models.DocumentInput) bool {
		return in.Lesson == 3 && in.DocumentID == "" && in.Source == "class-a.pdf"
	})).Return(outcome(2, 0, 0, 0), nil).Once()

	p := newTestProcessor(pl, nil, nil)
	require.NoError(t, p.ProcessEvent(context.Background(), models.GCSEvent{Bucket: "essays", Name: "lesson-3/class-a.pdf"}))
	require.NoError(t, p.ProcessEvent(context.Background(), models.GCSEvent{Bucket: "essays", Name: "lesson-3/notes.txt"}))
	pl.AssertExpectations(t)
}

func TestJobStatus(t *testing.T) {
	assert.Equal(t, models.JobStatusCompleted, JobStatus(outcome(3, 1, 0, 0)))
	assert.Equal(t, models.JobStatusCompletedWithErrors, JobStatus(outcome(1, 0, 2, 0)))
	assert.Equal(t, models.JobStatusCompletedWithErrors, JobStatus(outcome(0, 1, 0, 1)))
	assert.Equal(t, models.JobStatusFailed, JobStatus(outcome(0, 0, 2, 0)))
	assert.Equal(t, models.JobStatusFailed, JobStatus(outcome(0, 0, 0, 2)))
	assert.Equal(t, models.JobStatusCompleted, JobStatus(outcome(0, 0, 0, 0)))
}

func TestLessonFromPath(t *testing.T) {
	assert.Equal(t, 3, LessonFromPath("lesson-3/class-a.pdf"))
	assert.Equal(t, 12, LessonFromPath("2026/Lesson-12/b.pdf"))
	assert.Zero(t, LessonFromPath("uploads/class-a.pdf"))
	assert.Zero(t, LessonFromPath("lesson-3.pdf"))
}
