package workers

import (
	"context"
	"log"
	"time"

	"propradar/models"
	"propradar/services"
)

// QualityWorker recomputes data quality metrics on a schedule.
type QualityWorker struct {
	scorer    *services.QualityScorer
	triggerCh chan struct{}
	logFunc   LogFunc
}

func NewQualityWorker(scorer *services.QualityScorer) *QualityWorker {
	return &QualityWorker{
		scorer:    scorer,
		triggerCh: make(chan struct{}, 1),
		logFunc:   NoOpLogger,
	}
}

func (w *QualityWorker) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

// Trigger causes the worker to run immediately
func (w *QualityWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Run starts the quality worker loop
func (w *QualityWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Quality worker stopping")
			return
		case <-ticker.C:
			w.compute(ctx)
		case <-w.triggerCh:
			log.Println("Quality worker triggered manually")
			w.compute(ctx)
		}
	}
}

func (w *QualityWorker) compute(ctx context.Context) {
	if err := w.scorer.ComputeAll(ctx, time.Now()); err != nil {
		log.Printf("Quality: %v", err)
		w.logFunc(models.LogLevelError, "quality", err.Error())
		return
	}
	w.logFunc(models.LogLevelInfo, "quality", "quality metrics recomputed")
}
