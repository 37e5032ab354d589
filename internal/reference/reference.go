// Package reference loads the lesson material (prompt, passage, rubric, model
// answer) that gives the restoration model its vocabulary, and the per-lesson
// student rosters that header names are matched against.
package reference

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/yoohyeon14/essay-ocr-system/internal/gcp"
	"github.com/yoohyeon14/essay-ocr-system/internal/models"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/sheets/v4"
)

// DefaultSheet is the worksheet holding the reference rows.
const DefaultSheet = "기초자료"

// Source finds the reference material of one question of one lesson. A
// missing row is not an error and yields an empty Reference.
type Source interface {
	Lookup(ctx context.Context, lesson, question int) (models.Reference, error)
}

// SheetSource reads the reference worksheet. Columns are lesson, question,
// prompt, passage, rubric, model answer; the first row is a header.
type SheetSource struct {
	service       *sheets.Service
	spreadsheetID string
	sheet         string
}

func NewSheetSource(service *sheets.Service, spreadsheetID, sheet string) *SheetSource {
	if sheet == "" {
		sheet = DefaultSheet
	}
	return &SheetSource{service: service, spreadsheetID: spreadsheetID, sheet: sheet}
}

func (s *SheetSource) Lookup(ctx context.Context, lesson, question int) (models.Reference, error) {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, gcp.SheetRange(s.sheet, "A:F")).Context(ctx).Do()
	if err != nil {
		return models.Reference{}, gcp.ClassifyStoreError(fmt.Errorf("failed to read reference sheet %q: %w", s.sheet, err))
	}
	for _, row := range resp.Values {
		rowLesson, err1 := strconv.Atoi(gcp.CellString(row, 0))
		rowQuestion, err2 := strconv.Atoi(gcp.CellString(row, 1))
		if err1 != nil || err2 != nil {
			continue
		}
		if rowLesson == lesson && rowQuestion == question {
			return models.Reference{
				Prompt:      gcp.CellString(row, 2),
				Passage:     gcp.CellString(row, 3),
				Rubric:      gcp.CellString(row, 4),
				ModelAnswer: gcp.CellString(row, 5),
			}, nil
		}
	}
	slog.Warn("No reference material for question.", "lesson", lesson, "question", question)
	return models.Reference{}, nil
}

// Cache memoizes lookups for the lifetime of one batch. Concurrent lookups of
// the same question share one call; failures are not cached.
type Cache struct {
	src   Source
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]models.Reference
}

func NewCache(src Source) *Cache {
	return &Cache{src: src, entries: make(map[string]models.Reference)}
}

func (c *Cache) Lookup(ctx context.Context, lesson, question int) (models.Reference, error) {
	key := fmt.Sprintf("%d/%d", lesson, question)

	c.mu.Lock()
	ref, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return ref, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		c.mu.Lock()
		ref, ok := c.entries[key]
		c.mu.Unlock()
		if ok {
			return ref, nil
		}
		ref, err := c.src.Lookup(ctx, lesson, question)
		if err != nil {
			return models.Reference{}, err
		}
		c.mu.Lock()
		c.entries[key] = ref
		c.mu.Unlock()
		return ref, nil
	})
	if err != nil {
		return models.Reference{}, err
	}
	return v.(models.Reference), nil
}
