package models

import (
	"sort"
	"sync"
	"time"
)

// IdentitySource tells where the document id behind the identity keys came from.
type IdentitySource string

const (
	IdentityFromCaller      IdentitySource = "caller"
	IdentityFromContentHash IdentitySource = "content-hash"
)

// PageOutcome is the final state of one page after a batch run.
type PageOutcome struct {
	PageIndex        int             `json:"pageIndex"`
	IdentityKey      string          `json:"identityKey"`
	Status           PageStatus      `json:"status"`
	AlreadyDelivered bool            `json:"alreadyDelivered,omitempty"`
	RegionDetected   bool            `json:"regionDetected"`
	Attempts         map[Stage]int   `json:"attempts,omitempty"`
	Failure          *PageFailure    `json:"failure,omitempty"`
	Record           *DeliveryRecord `json:"record,omitempty"`
}

// PageFailure names the failing stage and error kind of a page.
type PageFailure struct {
	PageIndex int       `json:"pageIndex"`
	Stage     Stage     `json:"stage"`
	Kind      ErrorKind `json:"kind"`
	Reason    string    `json:"reason"`
}

// BatchOutcome summarizes one ProcessDocument call.
type BatchOutcome struct {
	DocumentID         string         `json:"documentId"`
	Source             string         `json:"source"`
	IdentitySource     IdentitySource `json:"identitySource"`
	PageCount          int            `json:"pageCount"`
	Succeeded          int            `json:"succeeded"`
	PartiallySucceeded int            `json:"partiallySucceeded"`
	Failed             int            `json:"failed"`
	Cancelled          int            `json:"cancelled"`
	AlreadyDelivered   int            `json:"alreadyDelivered"`
	Pages              []PageOutcome  `json:"pages"`
	Failures           []PageFailure  `json:"failures"`
	StartedAt          time.Time      `json:"startedAt"`
	FinishedAt         time.Time      `json:"finishedAt"`
}

// Collector aggregates page outcomes from concurrent page pipelines.
type Collector struct {
	mu      sync.Mutex
	outcome *BatchOutcome
}

// NewCollector starts an outcome for a document.
func NewCollector(documentID, source string, idSource IdentitySource, started time.Time) *Collector {
	return &Collector{outcome: &BatchOutcome{
		DocumentID:     documentID,
		Source:         source,
		IdentitySource: idSource,
		Pages:          []PageOutcome{},
		Failures:       []PageFailure{},
		StartedAt:      started,
	}}
}

// Add records the outcome of one page.
func (c *Collector) Add(po PageOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	o := c.outcome
	o.Pages = append(o.Pages, po)
	switch po.Status {
	case PageDelivered:
		o.Succeeded++
	case PagePartiallyDelivered:
		o.PartiallySucceeded++
	case PageFailed:
		o.Failed++
	case PageCancelled:
		o.Cancelled++
	}
	if po.AlreadyDelivered {
		o.AlreadyDelivered++
	}
	if po.Failure != nil {
		o.Failures = append(o.Failures, *po.Failure)
	}
}

// Finish freezes the outcome, ordering pages and failures by page index.
func (c *Collector) Finish(finished time.Time) *BatchOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	o := c.outcome
	sort.Slice(o.Pages, func(i, j int) bool { return o.Pages[i].PageIndex < o.Pages[j].PageIndex })
	sort.Slice(o.Failures, func(i, j int) bool { return o.Failures[i].PageIndex < o.Failures[j].PageIndex })
	o.PageCount = len(o.Pages)
	o.FinishedAt = finished
	return o
}
