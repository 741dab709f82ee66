package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"propradar/models"
)

// FailedItemStore is the persistence surface of the dead-letter queue.
type FailedItemStore interface {
	InsertFailedItem(ctx context.Context, fi *models.FailedItem) error
	ClaimRetryBatch(ctx context.Context, limit int, leaseTTL time.Duration) ([]models.FailedItem, error)
	MarkRetryFailure(ctx context.Context, id uuid.UUID, errorMessage string) error
	MarkResolved(ctx context.Context, id uuid.UUID) error
	ListUnresolved(ctx context.Context, limit int) ([]models.FailedItem, error)
}

// Reprocessor pushes a raw item back through the same normalize→store
// path the orchestrator uses. Set after the pipeline is built.
type Reprocessor func(ctx context.Context, raw *models.RawItem) error

// DeadLetterQueue keeps items that failed processing and retries them a
// bounded number of times. Items that exhaust their retries stay
// unresolved and queryable; nothing is ever silently dropped.
type DeadLetterQueue struct {
	store      FailedItemStore
	maxRetries int
	leaseTTL   time.Duration
	reprocess  Reprocessor
}

func NewDeadLetterQueue(store FailedItemStore, maxRetries int, leaseTTL time.Duration) *DeadLetterQueue {
	return &DeadLetterQueue{
		store:      store,
		maxRetries: maxRetries,
		leaseTTL:   leaseTTL,
	}
}

func (q *DeadLetterQueue) SetReprocessor(fn Reprocessor) {
	q.reprocess = fn
}

func (q *DeadLetterQueue) Enqueue(ctx context.Context, source models.Source, rawPayload json.RawMessage, errorMessage string, errorType models.ErrorType) error {
	item := &models.FailedItem{
		ID:           uuid.New(),
		Source:       source,
		RawPayload:   rawPayload,
		ErrorMessage: errorMessage,
		ErrorType:    errorType,
		MaxRetries:   q.maxRetries,
		CreatedAt:    time.Now(),
	}
	if err := q.store.InsertFailedItem(ctx, item); err != nil {
		return fmt.Errorf("enqueue failed item: %w", err)
	}
	return nil
}

// SweepResult summarizes one retry sweep.
type SweepResult struct {
	Attempted int
	Resolved  int
	Failed    int
	Exhausted int
}

// SweepRetries claims up to maxBatch retryable items and reprocesses
// them. The store-side lease gives per-item mutual exclusion, so
// overlapping sweeps never double-count a retry.
func (q *DeadLetterQueue) SweepRetries(ctx context.Context, maxBatch int) (SweepResult, error) {
	var res SweepResult
	if q.reprocess == nil {
		return res, fmt.Errorf("no reprocessor configured")
	}

	items, err := q.store.ClaimRetryBatch(ctx, maxBatch, q.leaseTTL)
	if err != nil {
		return res, fmt.Errorf("claim retry batch: %w", err)
	}

	for i := range items {
		item := &items[i]
		res.Attempted++

		var raw models.RawItem
		if err := json.Unmarshal(item.RawPayload, &raw); err != nil {
			// Payload itself is broken; burn a retry so the item
			// eventually goes terminal instead of looping forever.
			q.recordFailure(ctx, item, fmt.Sprintf("unmarshal payload: %v", err), &res)
			continue
		}

		if err := q.reprocess(ctx, &raw); err != nil {
			q.recordFailure(ctx, item, err.Error(), &res)
			continue
		}

		if err := q.store.MarkResolved(ctx, item.ID); err != nil {
			log.Printf("DLQ: failed to mark %s resolved: %v", item.ID, err)
			continue
		}
		res.Resolved++
	}

	return res, nil
}

func (q *DeadLetterQueue) recordFailure(ctx context.Context, item *models.FailedItem, msg string, res *SweepResult) {
	if err := q.store.MarkRetryFailure(ctx, item.ID, msg); err != nil {
		log.Printf("DLQ: failed to record retry failure for %s: %v", item.ID, err)
		return
	}
	res.Failed++
	if item.RetryCount+1 >= item.MaxRetries {
		res.Exhausted++
		log.Printf("DLQ: item %s (%s) exhausted %d retries, awaiting operator review", item.ID, item.ErrorType, item.MaxRetries)
	}
}

// Resolve dismisses an item manually (operator action).
func (q *DeadLetterQueue) Resolve(ctx context.Context, id uuid.UUID) error {
	return q.store.MarkResolved(ctx, id)
}

// Unresolved lists items awaiting retry or operator review.
func (q *DeadLetterQueue) Unresolved(ctx context.Context, limit int) ([]models.FailedItem, error) {
	return q.store.ListUnresolved(ctx, limit)
}
