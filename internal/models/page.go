package models

import (
	"fmt"
	"image"
	"time"
)

// PageStatus is the position of a page in the per-page state machine.
type PageStatus string

const (
	PagePending            PageStatus = "Pending"
	PageRasterized         PageStatus = "Rasterized"
	PageCropped            PageStatus = "Cropped"
	PageTranscribed        PageStatus = "Transcribed"
	PageNormalized         PageStatus = "Normalized"
	PageDelivered          PageStatus = "Delivered"
	PagePartiallyDelivered PageStatus = "PartiallyDelivered"
	PageFailed             PageStatus = "Failed"
	PageCancelled          PageStatus = "Cancelled"
)

// Region is a crop rectangle plus whether it came from grid detection.
type Region struct {
	Bounds   image.Rectangle
	Detected bool
}

// Page is one page of a document as it moves through the pipeline. It is
// created by the rasterizer and mutated in place by each later stage.
type Page struct {
	Index int
	Image image.Image
	DPI   float64

	// RasterErr is set when the page carried no usable scan.
	RasterErr error

	Crop           image.Image
	CropPNG        []byte
	RegionDetected bool

	OCR            *OcrResult
	RawText        string
	NormalizedText string
	Restored       bool

	// Header is the student header of the sheet the page belongs to.
	Header StudentHeader
	Status PageStatus
}

// Question returns the 1-based question slot of the page inside its page group.
func (p *Page) Question(pagesPerStudent int) int {
	if pagesPerStudent <= 0 {
		pagesPerStudent = 1
	}
	return p.Index%pagesPerStudent + 1
}

// Group returns the index of the page group (one student's sheet) the page belongs to.
func (p *Page) Group(pagesPerStudent int) int {
	if pagesPerStudent <= 0 {
		pagesPerStudent = 1
	}
	return p.Index / pagesPerStudent
}

// OcrResult is the immutable outcome of one transcription call.
type OcrResult struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	RequestID  string   `json:"requestId"`
}

// StudentHeader is what the header reader recovers from the top of a sheet.
type StudentHeader struct {
	Name     string `json:"name"`
	Lesson   int    `json:"lesson"`
	Question int    `json:"question_num"`
	Academy  string `json:"academy"`
}

// Reference is the lesson material used as context when restoring OCR text.
type Reference struct {
	Prompt      string
	Passage     string
	Rubric      string
	ModelAnswer string
}

// Empty reports whether no reference material was found.
func (r Reference) Empty() bool {
	return r.Prompt == "" && r.Passage == "" && r.Rubric == "" && r.ModelAnswer == ""
}

// Student is one row of a lesson roster worksheet.
type Student struct {
	// Row is the 1-based worksheet row.
	Row     int
	Name    string
	Teacher string
}

// RosterStatus tells whether the header's student name was found on the
// lesson roster. It is empty when no roster was consulted.
type RosterStatus string

const (
	RosterMatched   RosterStatus = "matched"
	RosterUnmatched RosterStatus = "unmatched"
)

// RecordStatus is the status column written with a delivery record.
type RecordStatus string

const (
	RecordSuccess RecordStatus = "success"
	RecordPartial RecordStatus = "partial"
	// RecordFailed marks a record returned for reconciliation; it is never stored.
	RecordFailed RecordStatus = "failed"
)

// DeliveryRecord is the row persisted to the spreadsheet store.
type DeliveryRecord struct {
	IdentityKey    string       `json:"identityKey"`
	DocumentID     string       `json:"documentId"`
	PageIndex      int          `json:"pageIndex"`
	Lesson         int          `json:"lesson,omitempty"`
	Question       int          `json:"question"`
	StudentName    string       `json:"studentName,omitempty"`
	Academy        string       `json:"academy,omitempty"`
	Text           string       `json:"text"`
	RawText        string       `json:"rawText"`
	Confidence     *float64     `json:"confidence,omitempty"`
	OcrRequestID   string       `json:"ocrRequestId,omitempty"`
	RegionDetected bool         `json:"regionDetected"`
	Status         RecordStatus `json:"status"`
	ProcessedAt    time.Time    `json:"processedAt"`
	RosterRow      int          `json:"rosterRow,omitempty"`
	RosterStatus   RosterStatus `json:"rosterStatus,omitempty"`
}

// IdentityKey is the durable idempotency key for a page of a document.
func IdentityKey(documentID string, pageIndex int) string {
	return fmt.Sprintf("%s#p%04d", documentID, pageIndex)
}
