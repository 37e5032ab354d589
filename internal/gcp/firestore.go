package gcp

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/yoohyeon14/essay-ocr-system/internal/models"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// It centralizes client creation for all services.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// JobStore keeps one job document per source file in a Firestore collection.
type JobStore struct {
	client     *firestore.Client
	collection string
}

func NewJobStore(client *firestore.Client, collection string) *JobStore {
	if collection == "" {
		collection = "documents"
	}
	return &JobStore{client: client, collection: collection}
}

// FindByHash returns the id of the job already recorded for fileHash, or ""
// when the file has not been seen.
func (s *JobStore) FindByHash(ctx context.Context, fileHash string) (string, error) {
	docs, err := s.client.Collection(s.collection).Where("fileHash", "==", fileHash).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return "", fmt.Errorf("failed to query jobs by hash: %w", err)
	}
	if len(docs) == 0 {
		return "", nil
	}
	return docs[0].Ref.ID, nil
}

// Create adds a job document and returns its id.
func (s *JobStore) Create(ctx context.Context, doc models.Document) (string, error) {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	doc.UpdatedAt = doc.CreatedAt
	ref, _, err := s.client.Collection(s.collection).Add(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("failed to create job document: %w", err)
	}
	return ref.ID, nil
}

// UpdateStatus sets the job status and, when given, the error details.
func (s *JobStore) UpdateStatus(ctx context.Context, id, status, errDetails string) error {
	updates := []firestore.Update{
		{Path: "status", Value: status},
		{Path: "updatedAt", Value: time.Now()},
	}
	if errDetails != "" {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: errDetails})
	}
	if _, err := s.client.Collection(s.collection).Doc(id).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}
	return nil
}

// RecordOutcome stores the counts of a finished batch together with the final status.
func (s *JobStore) RecordOutcome(ctx context.Context, id, status string, outcome *models.BatchOutcome) error {
	updates := []firestore.Update{
		{Path: "status", Value: status},
		{Path: "pageCount", Value: outcome.PageCount},
		{Path: "delivered", Value: outcome.Succeeded},
		{Path: "partiallyDelivered", Value: outcome.PartiallySucceeded},
		{Path: "failed", Value: outcome.Failed},
		{Path: "updatedAt", Value: time.Now()},
	}
	if _, err := s.client.Collection(s.collection).Doc(id).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to record outcome for job %s: %w", id, err)
	}
	return nil
}

// RecordExecution links the job to the workflow execution started for it.
func (s *JobStore) RecordExecution(ctx context.Context, id, executionID string) error {
	updates := []firestore.Update{
		{Path: "workflowExecutionId", Value: executionID},
		{Path: "updatedAt", Value: time.Now()},
	}
	if _, err := s.client.Collection(s.collection).Doc(id).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to record workflow execution for job %s: %w", id, err)
	}
	return nil
}
