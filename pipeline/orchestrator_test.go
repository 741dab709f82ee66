package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"propradar/config"
	"propradar/models"
	"propradar/proxy"
	"propradar/realtime"
	"propradar/services"
)

// memStore backs every persistence interface the orchestrator touches.
type memStore struct {
	mu       sync.Mutex
	runs     map[uuid.UUID]*models.SpiderRun
	listings map[string]*models.Listing
	failed   []models.FailedItem
	links    map[string]*models.DuplicateLink
}

func newMemStore() *memStore {
	return &memStore{
		runs:     make(map[uuid.UUID]*models.SpiderRun),
		listings: make(map[string]*models.Listing),
		links:    make(map[string]*models.DuplicateLink),
	}
}

func (s *memStore) CreateRunIfNoActive(ctx context.Context, run *models.SpiderRun) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.Source == run.Source && r.Status == models.RunStatusRunning {
			return false, nil
		}
	}
	cp := *run
	s.runs[run.ID] = &cp
	return true, nil
}

func (s *memStore) AddRunProgress(ctx context.Context, id uuid.UUID, delta models.RunProgress) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.Status != models.RunStatusRunning {
		return false, nil
	}
	r.ItemsScraped += delta.ItemsScraped
	r.ItemsFailed += delta.ItemsFailed
	r.TotalRequests += delta.TotalRequests
	r.FailedRequests += delta.FailedRequests
	return true, nil
}

func (s *memStore) FinishRun(ctx context.Context, id uuid.UUID, status models.RunStatus, errorMessage string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.Status != models.RunStatusRunning {
		return false, nil
	}
	r.Status = status
	r.ErrorMessage = errorMessage
	now := time.Now()
	r.FinishedAt = &now
	return true, nil
}

func (s *memStore) GetRun(ctx context.Context, id uuid.UUID) (*models.SpiderRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) UpsertListing(ctx context.Context, l *models.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.listings[l.ListingID] = &cp
	return nil
}

func (s *memStore) FindDuplicateCandidates(ctx context.Context, l *models.Listing, radiusM float64, postedWindow time.Duration) ([]models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Listing
	for _, c := range s.listings {
		if c.Source != l.Source {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *memStore) InsertDuplicateLink(ctx context.Context, dl *models.DuplicateLink) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dl.OriginalID + "|" + dl.DuplicateID
	if _, ok := s.links[key]; ok {
		return false, nil
	}
	s.links[key] = dl
	return true, nil
}

func (s *memStore) InsertFailedItem(ctx context.Context, fi *models.FailedItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, *fi)
	return nil
}

func (s *memStore) ClaimRetryBatch(ctx context.Context, limit int, leaseTTL time.Duration) ([]models.FailedItem, error) {
	return nil, nil
}

func (s *memStore) MarkRetryFailure(ctx context.Context, id uuid.UUID, errorMessage string) error {
	return nil
}

func (s *memStore) MarkResolved(ctx context.Context, id uuid.UUID) error { return nil }

func (s *memStore) ListUnresolved(ctx context.Context, limit int) ([]models.FailedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.FailedItem(nil), s.failed...), nil
}

func (s *memStore) activeRun(source models.Source) *models.SpiderRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.Source == source && r.Status == models.RunStatusRunning {
			cp := *r
			return &cp
		}
	}
	return nil
}

func (s *memStore) anyRun() *models.SpiderRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		cp := *r
		return &cp
	}
	return nil
}

// fakePool always hands out the same endpoint.
type fakePool struct {
	mu       sync.Mutex
	outcomes []bool
	empty    bool
}

func (p *fakePool) Acquire() (models.ProxyEndpoint, error) {
	if p.empty {
		return models.ProxyEndpoint{}, proxy.ErrNoHealthyProxies
	}
	return models.ProxyEndpoint{URL: "http://proxy:8080", IsActive: true}, nil
}

func (p *fakePool) ReportOutcome(url string, success bool, responseTime time.Duration, reqErr error) {
	p.mu.Lock()
	p.outcomes = append(p.outcomes, success)
	p.mu.Unlock()
}

func (p *fakePool) Reactivate(url string) error         { return nil }
func (p *fakePool) Snapshot() []models.ProxyEndpoint    { return nil }
func (p *fakePool) Deactivated() []models.ProxyEndpoint { return nil }

// scriptedAdapter serves predefined pages.
type scriptedAdapter struct {
	source models.Source
	pages  [][]models.RawItem
	delay  time.Duration
	// endless keeps returning the last page with more=true.
	endless bool

	mu      sync.Mutex
	fetched int
}

func (a *scriptedAdapter) Source() models.Source { return a.source }

func (a *scriptedAdapter) FetchPage(ctx context.Context, client *http.Client, page int) ([]models.RawItem, bool, error) {
	a.mu.Lock()
	a.fetched++
	a.mu.Unlock()

	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	if page > len(a.pages) {
		if a.endless {
			return a.pages[len(a.pages)-1], true, nil
		}
		return nil, false, fmt.Errorf("page %d out of range", page)
	}
	more := a.endless || page < len(a.pages)
	return a.pages[page-1], more, nil
}

func rawItems(source models.Source, n int, badIndex int) []models.RawItem {
	items := make([]models.RawItem, 0, n)
	for i := 0; i < n; i++ {
		fields := fmt.Sprintf(`{"title": "flat %d", "price": %d}`, i, 50000+i)
		if i == badIndex {
			fields = `{"price": 50000}` // no title, fails normalization
		}
		items = append(items, models.RawItem{
			Source:     source,
			ExternalID: fmt.Sprintf("ext-%d", i),
			Fields:     json.RawMessage(fields),
		})
	}
	return items
}

func testOrchestrator(store *memStore, pool proxy.Pool) *Orchestrator {
	cfg := &config.Config{
		Pipeline: config.PipelineConfig{
			ConcurrentRequests: 4,
			RequestTimeout:     time.Second,
			DispatchBackoff:    5 * time.Millisecond,
		},
		Dedup: config.DedupConfig{
			Threshold: 0.75, TitleWeight: 0.35, PriceWeight: 0.25,
			AreaWeight: 0.15, CoordWeight: 0.25,
			PriceTolerance: 0.05, AreaTolerance: 0.05,
			CoordRadiusM: 200, PostedWindowDay: 14,
		},
		Realtime: config.RealtimeConfig{
			HeartbeatInterval: time.Minute, MissLimit: 3, SubscriberBuffer: 64,
		},
		Sources: map[string]*config.SourceConfig{
			"ss": {ID: "ss", Name: "SS", ConcurrentRequests: 4},
		},
	}

	runs := services.NewRunCoordinator(store)
	dlq := services.NewDeadLetterQueue(store, 3, 2*time.Minute)
	detector := services.NewDuplicateDetector(store, cfg.Dedup)
	publisher := realtime.NewPublisher(cfg.Realtime)

	o := NewOrchestrator(cfg, runs, dlq, detector, store, pool, publisher, nil)
	o.SetClientFactory(func(proxyURL string, timeout time.Duration) (*http.Client, error) {
		return &http.Client{Timeout: timeout}, nil
	})
	dlq.SetReprocessor(o.Reprocess)
	return o
}

func TestRunSourceCountsFailedItems(t *testing.T) {
	store := newMemStore()
	o := testOrchestrator(store, &fakePool{})
	o.RegisterAdapter(&scriptedAdapter{
		source: models.SourceSS,
		pages:  [][]models.RawItem{rawItems(models.SourceSS, 10, 3)},
	})

	if err := o.RunSource(context.Background(), models.SourceSS); err != nil {
		t.Fatalf("run: %v", err)
	}

	run := store.anyRun()
	if run.Status != models.RunStatusCompleted {
		t.Fatalf("status: %s (%s)", run.Status, run.ErrorMessage)
	}
	if run.ItemsScraped != 9 || run.ItemsFailed != 1 {
		t.Fatalf("counters: scraped=%d failed=%d", run.ItemsScraped, run.ItemsFailed)
	}
	if run.TotalRequests != 1 || run.FailedRequests != 0 {
		t.Fatalf("request counters: total=%d failed=%d", run.TotalRequests, run.FailedRequests)
	}

	if len(store.failed) != 1 {
		t.Fatalf("expected 1 failed item, got %d", len(store.failed))
	}
	fi := store.failed[0]
	if fi.RetryCount != 0 || fi.ErrorType != models.ErrorTypeNormalization {
		t.Fatalf("failed item: %+v", fi)
	}
	if len(store.listings) != 9 {
		t.Fatalf("expected 9 listings persisted, got %d", len(store.listings))
	}
}

func TestRunSourceMultiplePages(t *testing.T) {
	store := newMemStore()
	pool := &fakePool{}
	o := testOrchestrator(store, pool)
	o.RegisterAdapter(&scriptedAdapter{
		source: models.SourceSS,
		pages: [][]models.RawItem{
			rawItems(models.SourceSS, 3, -1),
			{{Source: models.SourceSS, ExternalID: "p2-0", Fields: json.RawMessage(`{"title": "second page"}`)}},
		},
	})

	if err := o.RunSource(context.Background(), models.SourceSS); err != nil {
		t.Fatalf("run: %v", err)
	}

	run := store.anyRun()
	if run.ItemsScraped != 4 {
		t.Fatalf("scraped: %d", run.ItemsScraped)
	}
	if run.TotalRequests != 2 {
		t.Fatalf("total requests: %d", run.TotalRequests)
	}
	if len(pool.outcomes) != 2 {
		t.Fatalf("pool outcomes: %d", len(pool.outcomes))
	}
}

func TestRunSourceFailsWithoutProxies(t *testing.T) {
	store := newMemStore()
	o := testOrchestrator(store, &fakePool{empty: true})
	o.RegisterAdapter(&scriptedAdapter{
		source: models.SourceSS,
		pages:  [][]models.RawItem{rawItems(models.SourceSS, 2, -1)},
	})

	if err := o.RunSource(context.Background(), models.SourceSS); err == nil {
		t.Fatalf("expected run failure with empty pool")
	}

	run := store.anyRun()
	if run.Status != models.RunStatusFailed {
		t.Fatalf("status: %s", run.Status)
	}
	if run.ErrorMessage != "no healthy proxies" {
		t.Fatalf("error message: %q", run.ErrorMessage)
	}
}

func TestRunSourcePausedPipeline(t *testing.T) {
	store := newMemStore()
	o := testOrchestrator(store, &fakePool{})
	o.RegisterAdapter(&scriptedAdapter{
		source: models.SourceSS,
		pages:  [][]models.RawItem{rawItems(models.SourceSS, 1, -1)},
	})

	o.Pause()
	if err := o.RunSource(context.Background(), models.SourceSS); err == nil {
		t.Fatalf("paused pipeline accepted a run")
	}
	if store.anyRun() != nil {
		t.Fatalf("run record created while paused")
	}

	o.Resume()
	if err := o.RunSource(context.Background(), models.SourceSS); err != nil {
		t.Fatalf("run after resume: %v", err)
	}
}

func TestCancelRunStopsDispatch(t *testing.T) {
	store := newMemStore()
	o := testOrchestrator(store, &fakePool{})
	o.RegisterAdapter(&scriptedAdapter{
		source:  models.SourceSS,
		pages:   [][]models.RawItem{rawItems(models.SourceSS, 2, -1)},
		endless: true,
		delay:   5 * time.Millisecond,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- o.RunSource(context.Background(), models.SourceSS)
	}()

	// Wait for the run to appear, then cancel it.
	var run *models.SpiderRun
	deadline := time.Now().Add(2 * time.Second)
	for run == nil {
		if time.Now().After(deadline) {
			t.Fatalf("run never started")
		}
		run = store.activeRun(models.SourceSS)
		time.Sleep(time.Millisecond)
	}
	if !o.CancelRun(run.ID) {
		t.Fatalf("cancel did not find active run")
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}

	final, _ := store.GetRun(context.Background(), run.ID)
	if final.Status != models.RunStatusCancelled {
		t.Fatalf("status: %s", final.Status)
	}

	if o.CancelRun(run.ID) {
		t.Fatalf("cancel of finished run reported success")
	}
}

func TestRunSourceRejectsConcurrent(t *testing.T) {
	store := newMemStore()
	o := testOrchestrator(store, &fakePool{})
	o.RegisterAdapter(&scriptedAdapter{
		source:  models.SourceSS,
		pages:   [][]models.RawItem{rawItems(models.SourceSS, 1, -1)},
		endless: true,
		delay:   5 * time.Millisecond,
	})

	go o.RunSource(context.Background(), models.SourceSS)

	deadline := time.Now().Add(2 * time.Second)
	for store.activeRun(models.SourceSS) == nil {
		if time.Now().After(deadline) {
			t.Fatalf("run never started")
		}
		time.Sleep(time.Millisecond)
	}

	err := o.RunSource(context.Background(), models.SourceSS)
	if !errors.Is(err, services.ErrDuplicateActiveRun) {
		t.Fatalf("expected ErrDuplicateActiveRun, got %v", err)
	}

	run := store.activeRun(models.SourceSS)
	if run != nil {
		o.CancelRun(run.ID)
	}
}

func TestReprocessSharesIngestPath(t *testing.T) {
	store := newMemStore()
	o := testOrchestrator(store, &fakePool{})

	raw := &models.RawItem{
		Source:     models.SourceSS,
		ExternalID: "retry-1",
		Fields:     json.RawMessage(`{"title": "now valid", "price": 75000}`),
	}
	if err := o.Reprocess(context.Background(), raw); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if store.listings["ss:retry-1"] == nil {
		t.Fatalf("reprocessed item not persisted")
	}

	bad := &models.RawItem{Source: models.SourceSS, ExternalID: "retry-2", Fields: json.RawMessage(`{"price": 1}`)}
	if err := o.Reprocess(context.Background(), bad); err == nil {
		t.Fatalf("invalid item reprocessed without error")
	}
}
