package workers

import (
	"context"
	"fmt"
	"log"
	"time"

	"propradar/models"
	"propradar/services"
)

// SweepWorker periodically retries failed items from the dead-letter
// queue.
type SweepWorker struct {
	dlq       *services.DeadLetterQueue
	batchSize int
	triggerCh chan struct{}
	logFunc   LogFunc
}

func NewSweepWorker(dlq *services.DeadLetterQueue, batchSize int) *SweepWorker {
	return &SweepWorker{
		dlq:       dlq,
		batchSize: batchSize,
		triggerCh: make(chan struct{}, 1),
		logFunc:   NoOpLogger,
	}
}

func (w *SweepWorker) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

// Trigger causes the worker to run immediately
func (w *SweepWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Run starts the sweep worker loop
func (w *SweepWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Sweep worker stopping")
			return
		case <-ticker.C:
			w.sweep(ctx)
		case <-w.triggerCh:
			log.Println("Sweep worker triggered manually")
			w.sweep(ctx)
		}
	}
}

func (w *SweepWorker) sweep(ctx context.Context) {
	result, err := w.dlq.SweepRetries(ctx, w.batchSize)
	if err != nil {
		log.Printf("Sweep: %v", err)
		return
	}
	if result.Attempted == 0 {
		return
	}

	msg := fmt.Sprintf("Retried %d failed items: %d resolved, %d failed", result.Attempted, result.Resolved, result.Failed)
	if result.Exhausted > 0 {
		msg += fmt.Sprintf(", %d exhausted", result.Exhausted)
	}
	log.Printf("Sweep: %s", msg)
	w.logFunc(models.LogLevelInfo, "sweep", msg)
}
