package models

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("boom")

	assert.Equal(t, KindTransientOcr, KindOf(NewTransientOcrError(cause)))
	assert.Equal(t, KindPermanentAi, KindOf(fmt.Errorf("wrapped: %w", NewPermanentAiError(cause))))
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindUnknown, KindOf(cause))
}

func TestIsTransient(t *testing.T) {
	cause := errors.New("boom")

	assert.True(t, IsTransient(NewTransientOcrError(cause)))
	assert.True(t, IsTransient(NewTransientAiError(cause)))
	assert.True(t, IsTransient(NewStoreUnavailableError(cause)))
	assert.False(t, IsTransient(NewPermanentOcrError(cause)))
	assert.False(t, IsTransient(NewPermanentAiError(cause)))
	assert.False(t, IsTransient(NewDocumentDecodeError(cause)))
	assert.False(t, IsTransient(cause))
}

func TestPipelineError_Unwrap(t *testing.T) {
	err := NewStoreUnavailableError(context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "StoreUnavailableError")
}

func TestPipelineError_NilCause(t *testing.T) {
	err := NewPermanentOcrError(nil)
	require.Error(t, err)
	assert.Equal(t, "PermanentOcrError: PermanentOcrError", err.Error())
}

func TestPage_QuestionAndGroup(t *testing.T) {
	cases := []struct {
		index, perStudent, question, group int
	}{
		{0, 2, 1, 0},
		{1, 2, 2, 0},
		{2, 2, 1, 1},
		{5, 2, 2, 2},
		{3, 1, 1, 3},
		{3, 0, 1, 3},
	}
	for _, c := range cases {
		p := &Page{Index: c.index}
		assert.Equal(t, c.question, p.Question(c.perStudent), "question for page %d", c.index)
		assert.Equal(t, c.group, p.Group(c.perStudent), "group for page %d", c.index)
	}
}

func TestIdentityKey(t *testing.T) {
	assert.Equal(t, "doc-1#p0003", IdentityKey("doc-1", 3))
	assert.NotEqual(t, IdentityKey("doc-1", 1), IdentityKey("doc-1", 10))
}

func TestCollector_ConcurrentAdd(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := NewCollector("doc", "scan.pdf", IdentityFromCaller, started)

	statuses := []PageStatus{PageDelivered, PagePartiallyDelivered, PageFailed, PageCancelled}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			po := PageOutcome{PageIndex: i, Status: statuses[i%len(statuses)]}
			if po.Status == PageFailed {
				po.Failure = &PageFailure{PageIndex: i, Stage: StageTranscribe, Kind: KindPermanentOcr}
			}
			c.Add(po)
		}(i)
	}
	wg.Wait()

	out := c.Finish(started.Add(time.Minute))
	assert.Equal(t, 40, out.PageCount)
	assert.Equal(t, 10, out.Succeeded)
	assert.Equal(t, 10, out.PartiallySucceeded)
	assert.Equal(t, 10, out.Failed)
	assert.Equal(t, 10, out.Cancelled)
	require.Len(t, out.Failures, 10)
	for i, p := range out.Pages {
		assert.Equal(t, i, p.PageIndex)
	}
	assert.Equal(t, 2, out.Failures[0].PageIndex)
}
