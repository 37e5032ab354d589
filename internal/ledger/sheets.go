package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yoohyeon14/essay-ocr-system/internal/gcp"
	"github.com/yoohyeon14/essay-ocr-system/internal/models"
	"google.golang.org/api/sheets/v4"
)

// DefaultSheet is the worksheet results are appended to.
const DefaultSheet = "OCR결과"

// Columns of the results worksheet; the identity key is always column A.
var Columns = []string{
	"identity_key", "document_id", "page_index", "lesson", "question",
	"student_name", "academy", "text", "raw_text", "confidence",
	"ocr_request_id", "region_detected", "status", "processed_at",
	"roster_row", "roster_status",
}

const (
	rowColumns = "A:P"
	headerRow  = "A1:P1"
)

// SheetsStore keeps delivery records as rows of one worksheet.
//
// The worksheet is treated as append-only. Lookup remembers the identity keys
// it has read and fetches only the rows after the last one it saw, re-reading
// that last row to notice rows removed or reordered by hand, in which case the
// whole key column is read again.
type SheetsStore struct {
	service       *sheets.Service
	spreadsheetID string
	sheet         string

	mu      sync.Mutex
	keys    map[string]struct{}
	scanned int
	lastKey string
}

func NewSheetsStore(service *sheets.Service, spreadsheetID, sheet string) (*SheetsStore, error) {
	if spreadsheetID == "" {
		return nil, fmt.Errorf("GOOGLE_SPREADSHEET_ID must be set")
	}
	if sheet == "" {
		sheet = DefaultSheet
	}
	return &SheetsStore{
		service:       service,
		spreadsheetID: spreadsheetID,
		sheet:         sheet,
		keys:          make(map[string]struct{}),
	}, nil
}

// EnsureHeader writes the column names when the worksheet is empty.
func (s *SheetsStore) EnsureHeader(ctx context.Context) error {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, gcp.SheetRange(s.sheet, headerRow)).Context(ctx).Do()
	if err != nil {
		return gcp.ClassifyStoreError(fmt.Errorf("failed to read header row: %w", err))
	}
	if len(resp.Values) > 0 && len(resp.Values[0]) > 0 {
		return nil
	}

	header := make([]interface{}, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, gcp.SheetRange(s.sheet, headerRow), &sheets.ValueRange{
		Values: [][]interface{}{header},
	}).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return gcp.ClassifyStoreError(fmt.Errorf("failed to write header row: %w", err))
	}
	return nil
}

// Lookup reports whether key is in the identity-key column. Every call reads
// the sheet, so a row appended by another process is seen by the next lookup.
func (s *SheetsStore) Lookup(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refresh(ctx); err != nil {
		return false, err
	}
	_, ok := s.keys[key]
	return ok, nil
}

func (s *SheetsStore) refresh(ctx context.Context) error {
	start := max(s.scanned, 1)
	values, err := s.readKeys(ctx, start)
	if err != nil {
		return err
	}
	if s.scanned > 0 && (len(values) == 0 || gcp.CellString(values[0], 0) != s.lastKey) {
		slog.Warn("Results sheet changed outside the pipeline, rereading identity keys.", "sheet", s.sheet)
		s.keys, s.scanned, s.lastKey = make(map[string]struct{}), 0, ""
		start = 1
		if values, err = s.readKeys(ctx, start); err != nil {
			return err
		}
	}
	for _, row := range values {
		if k := gcp.CellString(row, 0); k != "" {
			s.keys[k] = struct{}{}
		}
	}
	if len(values) > 0 {
		s.scanned = start + len(values) - 1
		s.lastKey = gcp.CellString(values[len(values)-1], 0)
	}
	return nil
}

// readKeys returns column A from row start to the last non-empty row.
func (s *SheetsStore) readKeys(ctx context.Context, start int) ([][]interface{}, error) {
	cells := gcp.SheetRange(s.sheet, fmt.Sprintf("A%d:A", start))
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, cells).Context(ctx).Do()
	if err != nil {
		return nil, gcp.ClassifyStoreError(fmt.Errorf("failed to read identity keys: %w", err))
	}
	return resp.Values, nil
}

// Append inserts one row. The Sheets append call writes the row as a unit, so
// concurrent appends never interleave cells.
func (s *SheetsStore) Append(ctx context.Context, record models.DeliveryRecord) error {
	_, err := s.service.Spreadsheets.Values.Append(s.spreadsheetID, gcp.SheetRange(s.sheet, rowColumns), &sheets.ValueRange{
		Values: [][]interface{}{recordRow(record)},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return gcp.ClassifyStoreError(fmt.Errorf("failed to append row for %s: %w", record.IdentityKey, err))
	}
	return nil
}

func recordRow(r models.DeliveryRecord) []interface{} {
	var confidence interface{} = ""
	if r.Confidence != nil {
		confidence = *r.Confidence
	}
	var rosterRow interface{} = ""
	if r.RosterRow > 0 {
		rosterRow = r.RosterRow
	}
	return []interface{}{
		r.IdentityKey,
		r.DocumentID,
		r.PageIndex,
		r.Lesson,
		r.Question,
		r.StudentName,
		r.Academy,
		r.Text,
		r.RawText,
		confidence,
		r.OcrRequestID,
		r.RegionDetected,
		string(r.Status),
		r.ProcessedAt.UTC().Format(time.RFC3339),
		rosterRow,
		string(r.RosterStatus),
	}
}
