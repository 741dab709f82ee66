package proxy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"propradar/config"
	"propradar/models"
)

// ErrNoHealthyProxies is returned by Acquire when the active set is
// empty. Callers must back off; the pool does not retry internally.
var ErrNoHealthyProxies = errors.New("no healthy proxies in pool")

// Pool hands out egress endpoints and collects per-request outcomes.
// Implementations must be safe for many concurrent callers.
type Pool interface {
	Acquire() (models.ProxyEndpoint, error)
	ReportOutcome(url string, success bool, responseTime time.Duration, reqErr error)
	Reactivate(url string) error
	Snapshot() []models.ProxyEndpoint
	Deactivated() []models.ProxyEndpoint
}

// Store persists endpoint state between daemon restarts. Best-effort:
// a write failure never blocks the pool.
type Store interface {
	SaveProxyEndpoint(ctx context.Context, ep *models.ProxyEndpoint) error
}

type endpoint struct {
	mu    sync.Mutex
	state models.ProxyEndpoint
}

// Manager is the in-process Pool. Selection takes a consistent snapshot
// of the active set; mutations lock only the single endpoint they touch.
type Manager struct {
	mu        sync.RWMutex
	endpoints map[string]*endpoint

	rrMu      sync.Mutex
	rrCounter uint64

	threshold int
	alpha     float64
	store     Store
}

func NewManager(cfg *config.ProxyPoolConfig, store Store) *Manager {
	m := &Manager{
		endpoints: make(map[string]*endpoint),
		threshold: cfg.FailureThreshold,
		alpha:     cfg.EMAAlpha,
		store:     store,
	}
	for _, epCfg := range cfg.Endpoints {
		m.endpoints[epCfg.URL] = &endpoint{
			state: models.ProxyEndpoint{
				URL:            epCfg.URL,
				IsActive:       true,
				SuccessRate:    100,
				CountryCode:    epCfg.CountryCode,
				AnonymityLevel: epCfg.AnonymityLevel,
			},
		}
	}
	return m
}

// Acquire picks the next endpoint round-robin among the top quartile of
// active endpoints by success rate, so traffic spreads instead of
// hammering the single best proxy.
func (m *Manager) Acquire() (models.ProxyEndpoint, error) {
	active := m.activeSnapshot()
	if len(active) == 0 {
		return models.ProxyEndpoint{}, ErrNoHealthyProxies
	}

	sort.Slice(active, func(i, j int) bool {
		if active[i].SuccessRate != active[j].SuccessRate {
			return active[i].SuccessRate > active[j].SuccessRate
		}
		return active[i].URL < active[j].URL
	})

	quartile := (len(active) + 3) / 4
	top := active[:quartile]

	m.rrMu.Lock()
	idx := m.rrCounter % uint64(len(top))
	m.rrCounter++
	m.rrMu.Unlock()

	return top[idx], nil
}

// ReportOutcome updates the rolling success rate and counters for one
// endpoint. The circuit-break transition happens here, atomically with
// the failure report that crosses the threshold.
func (m *Manager) ReportOutcome(url string, success bool, responseTime time.Duration, reqErr error) {
	ep := m.lookup(url)
	if ep == nil {
		return
	}

	ep.mu.Lock()
	s := &ep.state
	s.TotalRequests++
	s.LastChecked = time.Now()

	outcome := 0.0
	if success {
		outcome = 100.0
		s.SuccessfulRequests++
		s.ConsecutiveFailures = 0
		s.LastError = nil
		ms := responseTime.Milliseconds()
		s.ResponseTimeMS = &ms
	} else {
		s.ConsecutiveFailures++
		if reqErr != nil {
			msg := reqErr.Error()
			s.LastError = &msg
		}
		if s.IsActive && s.ConsecutiveFailures >= m.threshold {
			s.IsActive = false
			now := time.Now()
			s.DeactivatedAt = &now
			log.Printf("Proxy %s deactivated after %d consecutive failures", url, s.ConsecutiveFailures)
		}
	}
	s.SuccessRate = (1-m.alpha)*s.SuccessRate + m.alpha*outcome

	snapshot := *s
	ep.mu.Unlock()

	m.persist(&snapshot)
}

// Reactivate puts a deactivated endpoint back in rotation. Only the
// external health probe calls this; the pool never self-heals, to avoid
// flapping.
func (m *Manager) Reactivate(url string) error {
	ep := m.lookup(url)
	if ep == nil {
		return fmt.Errorf("unknown proxy: %s", url)
	}

	ep.mu.Lock()
	ep.state.IsActive = true
	ep.state.ConsecutiveFailures = 0
	ep.state.DeactivatedAt = nil
	ep.state.LastChecked = time.Now()
	snapshot := ep.state
	ep.mu.Unlock()

	log.Printf("Proxy %s reactivated", url)
	m.persist(&snapshot)
	return nil
}

// Snapshot returns a copy of every endpoint's current state.
func (m *Manager) Snapshot() []models.ProxyEndpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.ProxyEndpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		ep.mu.Lock()
		out = append(out, ep.state)
		ep.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Deactivated lists endpoints waiting on an external probe.
func (m *Manager) Deactivated() []models.ProxyEndpoint {
	var out []models.ProxyEndpoint
	for _, ep := range m.Snapshot() {
		if !ep.IsActive {
			out = append(out, ep)
		}
	}
	return out
}

func (m *Manager) activeSnapshot() []models.ProxyEndpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.ProxyEndpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		ep.mu.Lock()
		if ep.state.IsActive {
			out = append(out, ep.state)
		}
		ep.mu.Unlock()
	}
	return out
}

func (m *Manager) lookup(url string) *endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoints[url]
}

func (m *Manager) persist(s *models.ProxyEndpoint) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.SaveProxyEndpoint(ctx, s); err != nil {
		log.Printf("Warning: failed to persist proxy state for %s: %v", s.URL, err)
	}
}
