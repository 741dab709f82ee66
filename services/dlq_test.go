package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"propradar/models"
)

type fakeFailedItemStore struct {
	items map[uuid.UUID]*models.FailedItem
	now   time.Time
}

func newFakeFailedItemStore() *fakeFailedItemStore {
	return &fakeFailedItemStore{
		items: make(map[uuid.UUID]*models.FailedItem),
		now:   time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
	}
}

func (s *fakeFailedItemStore) InsertFailedItem(ctx context.Context, fi *models.FailedItem) error {
	cp := *fi
	s.items[fi.ID] = &cp
	return nil
}

func (s *fakeFailedItemStore) ClaimRetryBatch(ctx context.Context, limit int, leaseTTL time.Duration) ([]models.FailedItem, error) {
	var out []models.FailedItem
	for _, fi := range s.items {
		if len(out) >= limit {
			break
		}
		if fi.IsResolved || fi.RetryCount >= fi.MaxRetries {
			continue
		}
		if fi.LastRetryAt != nil && fi.LastRetryAt.Add(leaseTTL).After(s.now) {
			continue
		}
		out = append(out, *fi)
	}
	return out, nil
}

func (s *fakeFailedItemStore) MarkRetryFailure(ctx context.Context, id uuid.UUID, errorMessage string) error {
	fi, ok := s.items[id]
	if !ok || fi.RetryCount >= fi.MaxRetries {
		return nil
	}
	fi.RetryCount++
	fi.ErrorMessage = errorMessage
	now := s.now
	fi.LastRetryAt = &now
	return nil
}

func (s *fakeFailedItemStore) MarkResolved(ctx context.Context, id uuid.UUID) error {
	if fi, ok := s.items[id]; ok {
		fi.IsResolved = true
		now := s.now
		fi.ResolvedAt = &now
	}
	return nil
}

func (s *fakeFailedItemStore) ListUnresolved(ctx context.Context, limit int) ([]models.FailedItem, error) {
	var out []models.FailedItem
	for _, fi := range s.items {
		if !fi.IsResolved && len(out) < limit {
			out = append(out, *fi)
		}
	}
	return out, nil
}

func validPayload(t *testing.T, id string) json.RawMessage {
	t.Helper()
	raw := models.RawItem{
		Source:     models.SourceSS,
		ExternalID: id,
		Fields:     json.RawMessage(`{"title": "retry me"}`),
	}
	data, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestEnqueueDefaults(t *testing.T) {
	store := newFakeFailedItemStore()
	q := NewDeadLetterQueue(store, 3, 2*time.Minute)

	err := q.Enqueue(context.Background(), models.SourceSS, validPayload(t, "1"), "normalize title: missing", models.ErrorTypeNormalization)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	items, _ := q.Unresolved(context.Background(), 10)
	if len(items) != 1 {
		t.Fatalf("expected 1 unresolved item")
	}
	fi := items[0]
	if fi.RetryCount != 0 || fi.MaxRetries != 3 || fi.IsResolved {
		t.Fatalf("bad defaults: %+v", fi)
	}
}

func TestSweepResolvesOnSuccess(t *testing.T) {
	store := newFakeFailedItemStore()
	q := NewDeadLetterQueue(store, 3, 2*time.Minute)
	q.SetReprocessor(func(ctx context.Context, raw *models.RawItem) error {
		return nil
	})

	q.Enqueue(context.Background(), models.SourceSS, validPayload(t, "1"), "transient", models.ErrorTypeStorage)

	res, err := q.SweepRetries(context.Background(), 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Attempted != 1 || res.Resolved != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	items, _ := q.Unresolved(context.Background(), 10)
	if len(items) != 0 {
		t.Fatalf("resolved item still listed")
	}
}

func TestSweepStopsAtMaxRetries(t *testing.T) {
	store := newFakeFailedItemStore()
	q := NewDeadLetterQueue(store, 3, 2*time.Minute)
	attempts := 0
	q.SetReprocessor(func(ctx context.Context, raw *models.RawItem) error {
		attempts++
		return errors.New("still broken")
	})

	q.Enqueue(context.Background(), models.SourceSS, validPayload(t, "1"), "broken", models.ErrorTypeNormalization)

	for i := 0; i < 5; i++ {
		store.now = store.now.Add(10 * time.Minute) // expire leases
		if _, err := q.SweepRetries(context.Background(), 10); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}

	if attempts != 3 {
		t.Fatalf("expected exactly 3 retry attempts, got %d", attempts)
	}

	items, _ := q.Unresolved(context.Background(), 10)
	if len(items) != 1 {
		t.Fatalf("exhausted item vanished")
	}
	if !items[0].TerminallyFailed() {
		t.Fatalf("item not terminally failed: %+v", items[0])
	}
}

func TestSweepCountsExhausted(t *testing.T) {
	store := newFakeFailedItemStore()
	q := NewDeadLetterQueue(store, 1, 2*time.Minute)
	q.SetReprocessor(func(ctx context.Context, raw *models.RawItem) error {
		return errors.New("nope")
	})

	q.Enqueue(context.Background(), models.SourceSS, validPayload(t, "1"), "broken", models.ErrorTypeDedup)

	res, err := q.SweepRetries(context.Background(), 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Failed != 1 || res.Exhausted != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSweepLeaseExcludesRecentlyTried(t *testing.T) {
	store := newFakeFailedItemStore()
	q := NewDeadLetterQueue(store, 3, 2*time.Minute)
	q.SetReprocessor(func(ctx context.Context, raw *models.RawItem) error {
		return errors.New("still broken")
	})

	q.Enqueue(context.Background(), models.SourceSS, validPayload(t, "1"), "broken", models.ErrorTypeStorage)

	res1, _ := q.SweepRetries(context.Background(), 10)
	if res1.Attempted != 1 {
		t.Fatalf("first sweep: %+v", res1)
	}

	// Immediately sweeping again finds nothing: the item was just tried.
	res2, _ := q.SweepRetries(context.Background(), 10)
	if res2.Attempted != 0 {
		t.Fatalf("lease not respected: %+v", res2)
	}

	store.now = store.now.Add(10 * time.Minute)
	res3, _ := q.SweepRetries(context.Background(), 10)
	if res3.Attempted != 1 {
		t.Fatalf("expired lease not reclaimed: %+v", res3)
	}
}

func TestSweepCorruptPayloadBurnsRetry(t *testing.T) {
	store := newFakeFailedItemStore()
	q := NewDeadLetterQueue(store, 3, 2*time.Minute)
	q.SetReprocessor(func(ctx context.Context, raw *models.RawItem) error {
		t.Fatalf("reprocessor called with corrupt payload")
		return nil
	})

	q.Enqueue(context.Background(), models.SourceSS, json.RawMessage(`{not json`), "broken", models.ErrorTypeStorage)

	res, err := q.SweepRetries(context.Background(), 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("corrupt payload not counted as failure: %+v", res)
	}
}

func TestSweepWithoutReprocessor(t *testing.T) {
	q := NewDeadLetterQueue(newFakeFailedItemStore(), 3, 2*time.Minute)
	if _, err := q.SweepRetries(context.Background(), 10); err == nil {
		t.Fatalf("expected error without reprocessor")
	}
}

func TestResolveDismissesItem(t *testing.T) {
	store := newFakeFailedItemStore()
	q := NewDeadLetterQueue(store, 3, 2*time.Minute)

	q.Enqueue(context.Background(), models.SourceSS, validPayload(t, "1"), "broken", models.ErrorTypeStorage)
	items, _ := q.Unresolved(context.Background(), 10)

	if err := q.Resolve(context.Background(), items[0].ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	items, _ = q.Unresolved(context.Background(), 10)
	if len(items) != 0 {
		t.Fatalf("dismissed item still unresolved")
	}
}
