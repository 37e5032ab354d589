package reference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/yoohyeon14/essay-ocr-system/internal/gcp"
	"github.com/yoohyeon14/essay-ocr-system/internal/models"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/sheets/v4"
)

// Answer columns of a roster worksheet, by question slot.
var answerColumns = map[int]string{1: "H", 2: "O"}

// headerNames are first-column titles that are not students.
var headerNames = map[string]bool{"학생이름": true, "이름": true}

// RosterSheet names the roster worksheet of a lesson.
func RosterSheet(lesson int) string {
	return fmt.Sprintf("%d강", lesson)
}

// RosterSource lists the students of a lesson and stores answers in their rows.
type RosterSource interface {
	Students(ctx context.Context, lesson int) ([]models.Student, error)
	SaveAnswer(ctx context.Context, lesson, row, question int, text string) error
}

// SheetRoster reads the per-lesson roster worksheets. Column A holds the
// student name and column B the teacher in charge.
type SheetRoster struct {
	service       *sheets.Service
	spreadsheetID string
}

func NewSheetRoster(service *sheets.Service, spreadsheetID string) *SheetRoster {
	return &SheetRoster{service: service, spreadsheetID: spreadsheetID}
}

// Students returns the roster of lesson. A lesson without a worksheet has an
// empty roster.
func (s *SheetRoster) Students(ctx context.Context, lesson int) ([]models.Student, error) {
	sheet := RosterSheet(lesson)
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, gcp.SheetRange(sheet, "A:B")).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusBadRequest {
			slog.Warn("No roster worksheet for lesson.", "sheet", sheet, "error", err)
			return nil, nil
		}
		return nil, gcp.ClassifyStoreError(fmt.Errorf("failed to read roster %q: %w", sheet, err))
	}
	return parseRoster(resp.Values), nil
}

// SaveAnswer writes text into the answer column of question on a roster row.
// Questions without an answer column are ignored.
func (s *SheetRoster) SaveAnswer(ctx context.Context, lesson, row, question int, text string) error {
	col, ok := answerColumns[question]
	if !ok || row <= 0 {
		return nil
	}
	cell := gcp.SheetRange(RosterSheet(lesson), fmt.Sprintf("%s%d", col, row))
	_, err := s.service.Spreadsheets.Values.Update(s.spreadsheetID, cell, &sheets.ValueRange{
		Values: [][]interface{}{{text}},
	}).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return gcp.ClassifyStoreError(fmt.Errorf("failed to write answer to %s: %w", cell, err))
	}
	return nil
}

// parseRoster skips the title rows above the first student and keeps every
// row with a name after it.
func parseRoster(values [][]interface{}) []models.Student {
	start := len(values)
	for i, row := range values {
		name := gcp.CellString(row, 0)
		if name != "" && !headerNames[name] {
			start = i
			break
		}
	}
	var students []models.Student
	for i := start; i < len(values); i++ {
		name := gcp.CellString(values[i], 0)
		if name == "" {
			continue
		}
		students = append(students, models.Student{
			Row:     i + 1,
			Name:    name,
			Teacher: gcp.CellString(values[i], 1),
		})
	}
	return students
}

// Match finds name on the roster. An exact match wins; otherwise the first
// student whose name contains, or is contained in, the name read from the
// sheet is taken, since handwritten headers are often truncated or padded.
func Match(students []models.Student, name string) (models.Student, bool) {
	name = strings.Join(strings.Fields(name), "")
	if name == "" {
		return models.Student{}, false
	}
	for _, s := range students {
		if strings.Join(strings.Fields(s.Name), "") == name {
			return s, true
		}
	}
	for _, s := range students {
		n := strings.Join(strings.Fields(s.Name), "")
		if strings.Contains(n, name) || strings.Contains(name, n) {
			return s, true
		}
	}
	return models.Student{}, false
}

// Roster memoizes lesson rosters for the lifetime of one batch, the same way
// Cache does for reference material.
type Roster struct {
	src   RosterSource
	group singleflight.Group

	mu      sync.Mutex
	lessons map[int][]models.Student
}

func NewRoster(src RosterSource) *Roster {
	return &Roster{src: src, lessons: make(map[int][]models.Student)}
}

// Find resolves name against the roster of lesson.
func (r *Roster) Find(ctx context.Context, lesson int, name string) (models.Student, bool, error) {
	students, err := r.students(ctx, lesson)
	if err != nil {
		return models.Student{}, false, err
	}
	s, ok := Match(students, name)
	return s, ok, nil
}

func (r *Roster) SaveAnswer(ctx context.Context, lesson, row, question int, text string) error {
	return r.src.SaveAnswer(ctx, lesson, row, question, text)
}

func (r *Roster) students(ctx context.Context, lesson int) ([]models.Student, error) {
	r.mu.Lock()
	students, ok := r.lessons[lesson]
	r.mu.Unlock()
	if ok {
		return students, nil
	}

	v, err, _ := r.group.Do(fmt.Sprint(lesson), func() (interface{}, error) {
		r.mu.Lock()
		students, ok := r.lessons[lesson]
		r.mu.Unlock()
		if ok {
			return students, nil
		}
		students, err := r.src.Students(ctx, lesson)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.lessons[lesson] = students
		r.mu.Unlock()
		return students, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.Student), nil
}
