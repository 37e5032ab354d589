// Package ledger is the idempotent write path to the results spreadsheet.
//
// Deliver looks the identity key up immediately before appending, so a page
// is written at most once however often it is reprocessed. Google Sheets has
// no conditional append: two processes delivering the same key at the same
// moment can both miss the lookup and both append. Inside one process the
// ledger closes that window by serializing deliveries per key; across
// processes the window stays open for the duration of one lookup+append.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/yoohyeon14/essay-ocr-system/internal/models"
)

// Store is the spreadsheet backend.
type Store interface {
	// Lookup reports whether a row with the identity key exists.
	Lookup(ctx context.Context, key string) (bool, error)
	// Append writes one row as a single unit.
	Append(ctx context.Context, record models.DeliveryRecord) error
}

// Result of one delivery.
type Result string

const (
	Delivered        Result = "delivered"
	AlreadyDelivered Result = "already-delivered"
)

const lockStripes = 64

type Ledger struct {
	store Store
	locks [lockStripes]sync.Mutex
}

func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Deliver writes record under key unless the key is already present. On
// success the page moves to its delivered status. Store failures are returned
// as StoreUnavailableError so the caller can retry the whole delivery.
func (l *Ledger) Deliver(ctx context.Context, key string, page *models.Page, record models.DeliveryRecord) (Result, error) {
	if record.Status == models.RecordFailed {
		return "", fmt.Errorf("refusing to store a failed record for %s", key)
	}
	record.IdentityKey = key

	mu := l.lock(key)
	mu.Lock()
	defer mu.Unlock()

	logCtx := slog.With("identityKey", key)

	exists, err := l.store.Lookup(ctx, key)
	if err != nil {
		return "", storeError("lookup", err)
	}
	if exists {
		logCtx.Info("Page already delivered, skipping append.")
		markDelivered(page, record)
		return AlreadyDelivered, nil
	}

	if err := l.store.Append(ctx, record); err != nil {
		return "", storeError("append", err)
	}
	logCtx.Info("Page delivered.", "status", record.Status)
	markDelivered(page, record)
	return Delivered, nil
}

func (l *Ledger) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.locks[h.Sum32()%lockStripes]
}

func markDelivered(page *models.Page, record models.DeliveryRecord) {
	if page == nil {
		return
	}
	if record.Status == models.RecordPartial {
		page.Status = models.PagePartiallyDelivered
		return
	}
	page.Status = models.PageDelivered
}

func storeError(op string, err error) error {
	var pe *models.PipelineError
	if errors.As(err, &pe) || errors.Is(err, context.Canceled) {
		return err
	}
	return models.NewStoreUnavailableError(fmt.Errorf("store %s: %w", op, err))
}
