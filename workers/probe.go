package workers

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"propradar/httputil"
	"propradar/models"
	"propradar/proxy"
)

// ProbeWorker health-checks deactivated proxies and puts recovered ones
// back in rotation. Each probe goes through the proxy under test, so a
// success means the full egress path works.
type ProbeWorker struct {
	pool      proxy.Pool
	probeURL  string
	timeout   time.Duration
	triggerCh chan struct{}
	logFunc   LogFunc
}

func NewProbeWorker(pool proxy.Pool, probeURL string, timeout time.Duration) *ProbeWorker {
	return &ProbeWorker{
		pool:      pool,
		probeURL:  probeURL,
		timeout:   timeout,
		triggerCh: make(chan struct{}, 1),
		logFunc:   NoOpLogger,
	}
}

func (w *ProbeWorker) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

// Trigger causes the worker to run immediately
func (w *ProbeWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Run starts the probe worker loop
func (w *ProbeWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Probe worker stopping")
			return
		case <-ticker.C:
			w.probeAll(ctx)
		case <-w.triggerCh:
			log.Println("Probe worker triggered manually")
			w.probeAll(ctx)
		}
	}
}

func (w *ProbeWorker) probeAll(ctx context.Context) {
	deactivated := w.pool.Deactivated()
	if len(deactivated) == 0 {
		return
	}

	log.Printf("Probe: checking %d deactivated proxies", len(deactivated))

	recovered := 0
	for _, ep := range deactivated {
		if err := ctx.Err(); err != nil {
			return
		}
		if err := w.probe(ctx, ep.URL); err != nil {
			log.Printf("Probe: %s still failing: %v", ep.URL, err)
			continue
		}
		if err := w.pool.Reactivate(ep.URL); err != nil {
			log.Printf("Probe: reactivate %s: %v", ep.URL, err)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		msg := fmt.Sprintf("Reactivated %d of %d deactivated proxies", recovered, len(deactivated))
		log.Printf("Probe: %s", msg)
		w.logFunc(models.LogLevelInfo, "probe", msg)
	}
}

func (w *ProbeWorker) probe(ctx context.Context, proxyURL string) error {
	client, err := httputil.NewProxiedClient(proxyURL, w.timeout)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.probeURL, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
