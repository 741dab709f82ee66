package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"propradar/config"
	"propradar/httputil"
	"propradar/models"
	"propradar/proxy"
	"propradar/realtime"
	"propradar/services"
)

// ListingStore is the persistence surface for canonical listings.
type ListingStore interface {
	UpsertListing(ctx context.Context, l *models.Listing) error
}

// PipelineLogger mirrors pipeline events into the operational store so
// the HTTP API can serve them without tailing the daemon log.
type PipelineLogger interface {
	Log(runID *string, level models.LogLevel, message, source string) error
}

// ClientFactory builds the HTTP client for one acquired proxy. Swapped
// in tests.
type ClientFactory func(proxyURL string, timeout time.Duration) (*http.Client, error)

const maxDispatchAttempts = 5

// Orchestrator drives scrape runs end to end: proxy acquisition, page
// fetching, per-item processing and run bookkeeping.
type Orchestrator struct {
	cfg       *config.Config
	runs      *services.RunCoordinator
	dlq       *services.DeadLetterQueue
	detector  *services.DuplicateDetector
	listings  ListingStore
	pool      proxy.Pool
	publisher *realtime.Publisher
	pipeLog   PipelineLogger
	newClient ClientFactory

	adapters map[models.Source]Adapter

	mu      sync.Mutex
	paused  bool
	cancels map[uuid.UUID]context.CancelFunc

	// daemonCtx outlives individual runs so cancelling a run never
	// aborts items already in flight.
	daemonCtx context.Context
}

func NewOrchestrator(
	cfg *config.Config,
	runs *services.RunCoordinator,
	dlq *services.DeadLetterQueue,
	detector *services.DuplicateDetector,
	listings ListingStore,
	pool proxy.Pool,
	publisher *realtime.Publisher,
	pipeLog PipelineLogger,
) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		runs:      runs,
		dlq:       dlq,
		detector:  detector,
		listings:  listings,
		pool:      pool,
		publisher: publisher,
		pipeLog:   pipeLog,
		newClient: httputil.NewProxiedClient,
		adapters:  make(map[models.Source]Adapter),
		cancels:   make(map[uuid.UUID]context.CancelFunc),
		daemonCtx: context.Background(),
	}
	for id, srcCfg := range cfg.Sources {
		src := models.Source(id)
		if models.ValidSource(src) {
			o.adapters[src] = NewFeedAdapter(src, srcCfg)
		}
	}
	return o
}

// SetDaemonContext installs the process-lifetime context used for
// in-flight items after a run is cancelled.
func (o *Orchestrator) SetDaemonContext(ctx context.Context) {
	o.daemonCtx = ctx
}

// SetClientFactory overrides how per-proxy HTTP clients are built.
func (o *Orchestrator) SetClientFactory(f ClientFactory) {
	o.newClient = f
}

func (o *Orchestrator) RegisterAdapter(a Adapter) {
	o.adapters[a.Source()] = a
}

func (o *Orchestrator) Pause() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
	log.Printf("Pipeline paused")
}

func (o *Orchestrator) Resume() {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	log.Printf("Pipeline resumed")
}

func (o *Orchestrator) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// CancelRun stops dispatch for an active run. Items already picked up
// finish normally; the run lands in the cancelled status.
func (o *Orchestrator) CancelRun(id uuid.UUID) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[id]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// RunAll scrapes every configured source sequentially. A failure in one
// source does not stop the others.
func (o *Orchestrator) RunAll(ctx context.Context) {
	for _, src := range models.AllSources {
		if _, ok := o.adapters[src]; !ok {
			continue
		}
		if err := o.RunSource(ctx, src); err != nil {
			log.Printf("Warning: run for %s: %v", src, err)
		}
	}
}

// RunSource executes one scrape run for one source.
func (o *Orchestrator) RunSource(ctx context.Context, source models.Source) error {
	if o.Paused() {
		return fmt.Errorf("pipeline is paused")
	}

	adapter, ok := o.adapters[source]
	if !ok {
		return fmt.Errorf("no adapter for source %s", source)
	}
	srcCfg := o.cfg.Sources[string(source)]
	if srcCfg == nil {
		return fmt.Errorf("no config for source %s", source)
	}

	runID, err := o.runs.StartRun(ctx, source, o.cfg.Settings(srcCfg))
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[runID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.cancels, runID)
		o.mu.Unlock()
	}()

	idStr := runID.String()
	o.logRun(&idStr, models.LogLevelInfo, fmt.Sprintf("run started for %s", source), source)
	o.publisher.Publish(realtime.EventRunStarted, map[string]string{"run_id": idStr, "source": string(source)})

	err = o.dispatch(runCtx, runID, adapter, srcCfg)

	status := models.RunStatusCompleted
	errMsg := ""
	switch {
	case errors.Is(err, context.Canceled):
		status = models.RunStatusCancelled
	case err != nil:
		status = models.RunStatusFailed
		errMsg = err.Error()
	}

	if cerr := o.runs.CompleteRun(o.daemonCtx, runID, status, errMsg); cerr != nil {
		log.Printf("Warning: complete run %s: %v", runID, cerr)
	}

	o.logRun(&idStr, models.LogLevelInfo, fmt.Sprintf("run finished with status %s", status), source)
	o.publisher.Publish(realtime.EventRunCompleted, map[string]string{
		"run_id": idStr, "source": string(source), "status": string(status),
	})
	return err
}

// dispatch walks the feed page by page and fans items out to a bounded
// worker pool. Page fetches are sequential; item processing is not.
func (o *Orchestrator) dispatch(ctx context.Context, runID uuid.UUID, adapter Adapter, srcCfg *config.SourceConfig) error {
	sem := make(chan struct{}, srcCfg.ConcurrentRequests)
	var wg sync.WaitGroup
	defer wg.Wait()

	rateLimit := time.Duration(srcCfg.RateLimitMS) * time.Millisecond
	dispatched := 0

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		items, more, err := o.fetchPage(ctx, runID, adapter, page)
		if err != nil {
			return err
		}

		for i := range items {
			if srcCfg.MaxItems > 0 && dispatched >= srcCfg.MaxItems {
				return nil
			}
			dispatched++

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}

			wg.Add(1)
			item := items[i]
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				// Items in flight survive run cancellation.
				o.processItem(o.daemonCtx, runID, &item)
			}()
		}

		if !more {
			return nil
		}
		if rateLimit > 0 {
			select {
			case <-time.After(rateLimit):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// fetchPage acquires a proxy and fetches one page, retrying through
// different endpoints. An empty pool backs off before retrying; a pool
// that stays empty fails the run.
func (o *Orchestrator) fetchPage(ctx context.Context, runID uuid.UUID, adapter Adapter, page int) ([]models.RawItem, bool, error) {
	var lastErr error

	for attempt := 0; attempt < maxDispatchAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		ep, err := o.pool.Acquire()
		if err != nil {
			lastErr = err
			log.Printf("Warning: %s page %d: %v, backing off %s", adapter.Source(), page, err, o.cfg.Pipeline.DispatchBackoff)
			select {
			case <-time.After(o.cfg.Pipeline.DispatchBackoff):
				continue
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}

		client, err := o.newClient(ep.URL, o.cfg.Pipeline.RequestTimeout)
		if err != nil {
			return nil, false, fmt.Errorf("build client for %s: %w", ep.URL, err)
		}

		start := time.Now()
		items, more, err := adapter.FetchPage(ctx, client, page)
		elapsed := time.Since(start)
		if err != nil && ctx.Err() != nil {
			// Cancellation is not the proxy's fault.
			return nil, false, ctx.Err()
		}
		o.pool.ReportOutcome(ep.URL, err == nil, elapsed, err)

		progress := models.RunProgress{TotalRequests: 1}
		if err != nil {
			progress.FailedRequests = 1
		}
		if perr := o.runs.RecordProgress(o.daemonCtx, runID, progress); perr != nil {
			log.Printf("Warning: record progress for %s: %v", runID, perr)
		}

		if err == nil {
			return items, more, nil
		}
		lastErr = err
		log.Printf("Warning: %s page %d via %s: %v", adapter.Source(), page, ep.URL, err)
	}

	if errors.Is(lastErr, proxy.ErrNoHealthyProxies) {
		return nil, false, fmt.Errorf("no healthy proxies")
	}
	return nil, false, fmt.Errorf("page %d: %w", page, lastErr)
}

// processItem runs one raw item through normalize, persist and dedup.
// Failures land in the DLQ and count against the run; they never stop
// other items.
func (o *Orchestrator) processItem(ctx context.Context, runID uuid.UUID, raw *models.RawItem) {
	idStr := runID.String()

	listing, errType, err := o.ingest(ctx, raw)
	if err != nil {
		payload, _ := json.Marshal(raw)
		if qerr := o.dlq.Enqueue(ctx, raw.Source, payload, err.Error(), errType); qerr != nil {
			log.Printf("Warning: DLQ enqueue for %s/%s: %v", raw.Source, raw.ExternalID, qerr)
		}
		o.logRun(&idStr, models.LogLevelWarn, fmt.Sprintf("item %s failed: %v", raw.ExternalID, err), raw.Source)
		o.recordItem(ctx, runID, false)
		return
	}

	o.publisher.Publish(realtime.EventNewListing, listing)
	o.recordItem(ctx, runID, true)
}

// ingest is the shared normalize→persist→dedup path. The DLQ reprocessor
// uses it too, so a retried item follows exactly the original path.
func (o *Orchestrator) ingest(ctx context.Context, raw *models.RawItem) (*models.Listing, models.ErrorType, error) {
	listing, err := services.Normalize(raw, time.Now())
	if err != nil {
		return nil, models.ErrorTypeNormalization, err
	}

	if err := o.listings.UpsertListing(ctx, listing); err != nil {
		return nil, models.ErrorTypeStorage, fmt.Errorf("upsert: %w", err)
	}

	link, err := o.detector.FindDuplicate(ctx, listing)
	if err != nil {
		return nil, models.ErrorTypeDedup, fmt.Errorf("dedup: %w", err)
	}
	if link != nil {
		o.publisher.Publish(realtime.EventDuplicate, link)
	}

	return listing, "", nil
}

// Reprocess is wired into the DLQ as its retry path.
func (o *Orchestrator) Reprocess(ctx context.Context, raw *models.RawItem) error {
	_, _, err := o.ingest(ctx, raw)
	if err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) recordItem(ctx context.Context, runID uuid.UUID, ok bool) {
	progress := models.RunProgress{}
	if ok {
		progress.ItemsScraped = 1
	} else {
		progress.ItemsFailed = 1
	}
	if err := o.runs.RecordProgress(ctx, runID, progress); err != nil {
		log.Printf("Warning: record item progress for %s: %v", runID, err)
	}
}

func (o *Orchestrator) logRun(runID *string, level models.LogLevel, message string, source models.Source) {
	if o.pipeLog == nil {
		return
	}
	if err := o.pipeLog.Log(runID, level, message, string(source)); err != nil {
		log.Printf("Warning: pipeline log: %v", err)
	}
}
