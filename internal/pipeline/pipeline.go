// Package pipeline drives every page of a document through rasterize, locate,
// transcribe, normalize and deliver, and aggregates the per-page results into
// a BatchOutcome.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/yoohyeon14/essay-ocr-system/internal/ledger"
	"github.com/yoohyeon14/essay-ocr-system/internal/locator"
	"github.com/yoohyeon14/essay-ocr-system/internal/models"
	"github.com/yoohyeon14/essay-ocr-system/internal/normalize"
	"github.com/yoohyeon14/essay-ocr-system/internal/reference"
	"github.com/yoohyeon14/essay-ocr-system/internal/retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultWorkers matches the fan-out used for page uploads elsewhere.
const DefaultWorkers = 10

// DefaultPagesPerStudent is the two-page answer sheet: header and question 1,
// then question 2.
const DefaultPagesPerStudent = 2

// headerBand is the share of the first page sent to the header reader.
const headerBand = 0.25

type Rasterizer interface {
	Rasterize(data []byte) ([]models.Page, error)
}

type Locator interface {
	Crop(img image.Image, question int) (image.Image, models.Region)
}

type Transcriber interface {
	Transcribe(ctx context.Context, png []byte) (models.OcrResult, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, key string, page *models.Page, record models.DeliveryRecord) (ledger.Result, error)
}

type HeaderReader interface {
	Read(ctx context.Context, png []byte) (models.StudentHeader, error)
}

// Archiver keeps a copy of each cropped answer image.
type Archiver interface {
	Archive(ctx context.Context, documentID string, pageIndex int, png []byte) error
}

// Config is the explicit configuration of an Orchestrator.
type Config struct {
	Workers         int
	PagesPerStudent int
	OCRPolicy       retry.Policy
	AIPolicy        retry.Policy
	StorePolicy     retry.Policy
	// SaveToRoster also writes the delivered text into the matched student's
	// answer cell on the lesson roster.
	SaveToRoster bool
	Now          func() time.Time
}

// Dependencies are the stage implementations. Rasterizer, Locator, OCR and
// Ledger are required. A nil Normalizer means Passthrough; References,
// Roster, Headers and Archive are optional.
type Dependencies struct {
	Rasterizer Rasterizer
	Locator    Locator
	OCR        Transcriber
	Normalizer normalize.Normalizer
	Ledger     Deliverer
	References reference.Source
	Roster     reference.RosterSource
	Headers    HeaderReader
	Archive    Archiver
}

type Orchestrator struct {
	config Config
	deps   Dependencies
}

func New(config Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Rasterizer == nil || deps.Locator == nil || deps.OCR == nil || deps.Ledger == nil {
		return nil, errors.New("pipeline: rasterizer, locator, OCR client and ledger are required")
	}
	if deps.Normalizer == nil {
		deps.Normalizer = normalize.Passthrough{}
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.PagesPerStudent <= 0 {
		config.PagesPerStudent = DefaultPagesPerStudent
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Orchestrator{config: config, deps: deps}, nil
}

// batch is the state shared by the pages of one ProcessDocument call.
type batch struct {
	documentID string
	lesson     int
	pages      []models.Page
	refs       reference.Source
	roster     *reference.Roster

	headerGroup singleflight.Group
	headerMu    sync.Mutex
	headers     map[int]models.StudentHeader
}

// ProcessDocument runs the whole document and always returns an outcome,
// except when the document itself cannot be decoded. Cancelling ctx stops
// dispatching pages; pages already running finish their current call and are
// reported Cancelled unless their delivery had already started.
func (o *Orchestrator) ProcessDocument(ctx context.Context, in models.DocumentInput) (*models.BatchOutcome, error) {
	started := o.config.Now()
	documentID, idSource := in.DocumentID, models.IdentityFromCaller
	if documentID == "" {
		documentID, idSource = ContentHash(in.Data), models.IdentityFromContentHash
	}
	logCtx := slog.With("documentId", documentID, "source", in.Source)
	if idSource == models.IdentityFromContentHash {
		logCtx.Warn("No document id supplied, using content hash; re-uploads of a modified scan will not be deduplicated.")
	}

	pages, err := o.deps.Rasterizer.Rasterize(in.Data)
	if err != nil {
		if !models.IsDocumentDecode(err) {
			err = models.NewDocumentDecodeError(err)
		}
		logCtx.Error("Failed to decode document.", "error", err)
		return nil, err
	}
	logCtx.Info("Starting batch.", "pageCount", len(pages), "workers", o.config.Workers)

	b := &batch{
		documentID: documentID,
		lesson:     in.Lesson,
		pages:      pages,
		headers:    make(map[int]models.StudentHeader),
	}
	if o.deps.References != nil {
		b.refs = reference.NewCache(o.deps.References)
	}
	if o.deps.Roster != nil {
		b.roster = reference.NewRoster(o.deps.Roster)
	}

	collector := models.NewCollector(documentID, in.Source, idSource, started)
	var eg errgroup.Group
	eg.SetLimit(o.config.Workers)

	for i := range pages {
		page := &pages[i]
		if ctx.Err() != nil {
			collector.Add(cancelledOutcome(documentID, page))
			continue
		}
		eg.Go(func() error {
			collector.Add(o.processPage(ctx, b, page))
			return nil
		})
	}
	_ = eg.Wait()

	outcome := collector.Finish(o.config.Now())
	logCtx.Info("Batch finished.",
		"succeeded", outcome.Succeeded,
		"partiallySucceeded", outcome.PartiallySucceeded,
		"failed", outcome.Failed,
		"cancelled", outcome.Cancelled,
		"alreadyDelivered", outcome.AlreadyDelivered,
		"duration", outcome.FinishedAt.Sub(outcome.StartedAt).String(),
	)
	return outcome, nil
}

// ContentHash is the document id used when the caller supplies none.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (o *Orchestrator) processPage(ctx context.Context, b *batch, page *models.Page) models.PageOutcome {
	key := models.IdentityKey(b.documentID, page.Index)
	question := page.Question(o.config.PagesPerStudent)
	logCtx := slog.With("documentId", b.documentID, "page", page.Index, "question", question)
	out := models.PageOutcome{PageIndex: page.Index, IdentityKey: key, Attempts: map[models.Stage]int{}}

	fail := func(stage models.Stage, err error) models.PageOutcome {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			logCtx.Info("Page cancelled.", "stage", stage)
			page.Status = models.PageCancelled
			out.Status = models.PageCancelled
			return out
		}
		logCtx.Error("Page failed.", "stage", stage, "error", err)
		page.Status = models.PageFailed
		out.Status = models.PageFailed
		out.Failure = &models.PageFailure{
			PageIndex: page.Index,
			Stage:     stage,
			Kind:      models.KindOf(err),
			Reason:    err.Error(),
		}
		return out
	}
	cancelled := func(stage models.Stage) (models.PageOutcome, bool) {
		if ctx.Err() == nil {
			return out, false
		}
		logCtx.Info("Page cancelled.", "before", stage)
		page.Status = models.PageCancelled
		out.Status = models.PageCancelled
		return out, true
	}

	// Rasterized.
	if page.RasterErr != nil {
		return fail(models.StageRasterize, page.RasterErr)
	}
	if res, stop := cancelled(models.StageLocate); stop {
		return res
	}

	// Cropped.
	crop, region := o.deps.Locator.Crop(page.Image, question)
	png, err := locator.EncodePNG(crop)
	if err != nil {
		return fail(models.StageLocate, err)
	}
	page.Crop, page.CropPNG, page.RegionDetected = crop, png, region.Detected
	page.Status = models.PageCropped
	out.RegionDetected = region.Detected
	if !region.Detected {
		logCtx.Info("Answer grid not detected, used proportional crop.")
	}
	o.archive(ctx, logCtx, b.documentID, page.Index, png)

	header := o.header(ctx, logCtx, b, page)
	page.Header = header
	lesson := b.lesson
	if lesson == 0 {
		lesson = header.Lesson
	}
	if res, stop := cancelled(models.StageTranscribe); stop {
		return res
	}

	// Transcribed.
	var ocr models.OcrResult
	attempts, err := o.attempt(ctx, o.config.OCRPolicy, "ocr", func(ctx context.Context) error {
		var err error
		ocr, err = o.deps.OCR.Transcribe(ctx, png)
		return err
	})
	out.Attempts[models.StageTranscribe] = attempts
	if err != nil {
		return fail(models.StageTranscribe, err)
	}
	page.OCR, page.RawText = &ocr, ocr.Text
	page.Status = models.PageTranscribed
	if res, stop := cancelled(models.StageNormalize); stop {
		return res
	}

	// Normalized, or degraded to the raw text.
	ref := o.reference(ctx, logCtx, b, lesson, question)
	var norm normalize.Result
	attempts, err = o.attempt(ctx, o.config.AIPolicy, "normalize", func(ctx context.Context) error {
		var err error
		norm, err = o.deps.Normalizer.Normalize(ctx, normalize.Request{
			RawText:   ocr.Text,
			Image:     png,
			Reference: ref,
			Lesson:    lesson,
			Question:  question,
		})
		return err
	})
	out.Attempts[models.StageNormalize] = attempts
	switch {
	case err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil:
		res, _ := cancelled(models.StageDeliver)
		return res
	case err != nil:
		logCtx.Warn("Normalization failed, delivering raw OCR text.", "kind", models.KindOf(err), "error", err)
		page.NormalizedText, page.Restored = ocr.Text, false
	case !norm.Restored:
		page.NormalizedText, page.Restored = ocr.Text, false
	default:
		page.NormalizedText, page.Restored = norm.Text, true
		page.Status = models.PageNormalized
	}
	if res, stop := cancelled(models.StageDeliver); stop {
		return res
	}
	student, rosterStatus := o.matchRoster(ctx, logCtx, b, lesson, header.Name)

	// Delivered. Once started, delivery runs to completion regardless of
	// batch cancellation.
	record := models.DeliveryRecord{
		IdentityKey:    key,
		DocumentID:     b.documentID,
		PageIndex:      page.Index,
		Lesson:         lesson,
		Question:       question,
		StudentName:    header.Name,
		Academy:        header.Academy,
		Text:           page.NormalizedText,
		RawText:        ocr.Text,
		Confidence:     ocr.Confidence,
		OcrRequestID:   ocr.RequestID,
		RegionDetected: region.Detected,
		Status:         models.RecordSuccess,
		ProcessedAt:    o.config.Now().UTC(),
		RosterRow:      student.Row,
		RosterStatus:   rosterStatus,
	}
	if !page.Restored {
		record.Status = models.RecordPartial
	}

	var result ledger.Result
	attempts, err = o.attempt(context.WithoutCancel(ctx), o.config.StorePolicy, "deliver", func(ctx context.Context) error {
		var err error
		result, err = o.deps.Ledger.Deliver(ctx, key, page, record)
		return err
	})
	out.Attempts[models.StageDeliver] = attempts
	if err != nil {
		res := fail(models.StageDeliver, err)
		unsaved := record
		unsaved.Status = models.RecordFailed
		res.Record = &unsaved
		return res
	}

	if o.config.SaveToRoster && rosterStatus == models.RosterMatched && result == ledger.Delivered {
		o.saveToRoster(ctx, logCtx, b, lesson, student.Row, question, record.Text)
	}

	out.Record = &record
	out.AlreadyDelivered = result == ledger.AlreadyDelivered
	out.Status = models.PageDelivered
	if record.Status == models.RecordPartial {
		out.Status = models.PagePartiallyDelivered
	}
	page.Status = out.Status
	return out
}

// attempt runs op under the policy. Each call runs on a context detached from
// batch cancellation and bounded by the policy's call timeout, so an in-flight
// call is never cut short; cancellation only stops further retries.
func (o *Orchestrator) attempt(ctx context.Context, p retry.Policy, name string, op func(context.Context) error) (int, error) {
	timeout := p.CallTimeout
	p.CallTimeout = 0
	return p.Do(ctx, name, func(ctx context.Context) error {
		callCtx := context.WithoutCancel(ctx)
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, timeout)
			defer cancel()
		}
		return op(callCtx)
	})
}

func (o *Orchestrator) archive(ctx context.Context, logCtx *slog.Logger, documentID string, index int, png []byte) {
	if o.deps.Archive == nil {
		return
	}
	_, err := o.attempt(ctx, o.config.StorePolicy, "archive", func(ctx context.Context) error {
		return o.deps.Archive.Archive(ctx, documentID, index, png)
	})
	if err != nil {
		logCtx.Warn("Failed to archive crop.", "error", err)
	}
}

func (o *Orchestrator) reference(ctx context.Context, logCtx *slog.Logger, b *batch, lesson, question int) models.Reference {
	if b.refs == nil || lesson == 0 {
		return models.Reference{}
	}
	var ref models.Reference
	_, err := o.attempt(ctx, o.config.StorePolicy, "reference", func(ctx context.Context) error {
		var err error
		ref, err = b.refs.Lookup(ctx, lesson, question)
		return err
	})
	if err != nil {
		logCtx.Warn("Failed to load reference material, restoring without it.", "lesson", lesson, "error", err)
		return models.Reference{}
	}
	return ref
}

// matchRoster looks the header's student name up on the lesson roster. The
// status stays empty when there is no roster, name or lesson to check, or the
// roster cannot be read.
func (o *Orchestrator) matchRoster(ctx context.Context, logCtx *slog.Logger, b *batch, lesson int, name string) (models.Student, models.RosterStatus) {
	if b.roster == nil || lesson == 0 || name == "" {
		return models.Student{}, ""
	}
	var (
		student models.Student
		found   bool
	)
	_, err := o.attempt(ctx, o.config.StorePolicy, "roster", func(ctx context.Context) error {
		var err error
		student, found, err = b.roster.Find(ctx, lesson, name)
		return err
	})
	if err != nil {
		logCtx.Warn("Failed to read roster, delivering without a match.", "lesson", lesson, "error", err)
		return models.Student{}, ""
	}
	if !found {
		logCtx.Warn("Student not on roster.", "lesson", lesson, "name", name)
		return models.Student{}, models.RosterUnmatched
	}
	return student, models.RosterMatched
}

func (o *Orchestrator) saveToRoster(ctx context.Context, logCtx *slog.Logger, b *batch, lesson, row, question int, text string) {
	_, err := o.attempt(context.WithoutCancel(ctx), o.config.StorePolicy, "roster-save", func(ctx context.Context) error {
		return b.roster.SaveAnswer(ctx, lesson, row, question, text)
	})
	if err != nil {
		logCtx.Warn("Failed to save answer to roster.", "lesson", lesson, "row", row, "error", err)
	}
}

// header returns the student header of the page's sheet, reading it once per
// page group from the group's first page. Failures yield an empty header.
func (o *Orchestrator) header(ctx context.Context, logCtx *slog.Logger, b *batch, page *models.Page) models.StudentHeader {
	if o.deps.Headers == nil {
		return models.StudentHeader{}
	}
	group := page.Group(o.config.PagesPerStudent)

	b.headerMu.Lock()
	h, ok := b.headers[group]
	b.headerMu.Unlock()
	if ok {
		return h
	}

	v, _, _ := b.headerGroup.Do(fmt.Sprint(group), func() (interface{}, error) {
		b.headerMu.Lock()
		h, ok := b.headers[group]
		b.headerMu.Unlock()
		if ok {
			return h, nil
		}

		h = o.readHeader(ctx, logCtx, b, group)
		b.headerMu.Lock()
		b.headers[group] = h
		b.headerMu.Unlock()
		return h, nil
	})
	return v.(models.StudentHeader)
}

func (o *Orchestrator) readHeader(ctx context.Context, logCtx *slog.Logger, b *batch, group int) models.StudentHeader {
	first := group * o.config.PagesPerStudent
	if first >= len(b.pages) || b.pages[first].Image == nil {
		return models.StudentHeader{}
	}
	img := b.pages[first].Image
	bounds := img.Bounds()
	band := image.Rect(bounds.Min.X, bounds.Min.Y, bounds.Max.X, bounds.Min.Y+int(float64(bounds.Dy())*headerBand))
	png, err := locator.EncodePNG(locator.SubImage(img, band))
	if err != nil {
		logCtx.Warn("Failed to encode header band.", "error", err)
		return models.StudentHeader{}
	}

	var h models.StudentHeader
	_, err = o.attempt(ctx, o.config.AIPolicy, "header", func(ctx context.Context) error {
		var err error
		h, err = o.deps.Headers.Read(ctx, png)
		return err
	})
	if err != nil {
		logCtx.Warn("Failed to read student header.", "group", group, "error", err)
		return models.StudentHeader{}
	}
	logCtx.Info("Student header read.", "group", group, "academy", h.Academy)
	return h
}

func cancelledOutcome(documentID string, page *models.Page) models.PageOutcome {
	page.Status = models.PageCancelled
	return models.PageOutcome{
		PageIndex:   page.Index,
		IdentityKey: models.IdentityKey(documentID, page.Index),
		Status:      models.PageCancelled,
	}
}
