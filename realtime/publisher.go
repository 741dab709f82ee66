package realtime

import (
	"context"
	"log"
	"sync"
	"time"

	"propradar/config"
)

type EventType string

const (
	EventNewListing   EventType = "new_listing"
	EventRunStarted   EventType = "run_started"
	EventRunCompleted EventType = "run_completed"
	EventDuplicate    EventType = "duplicate_detected"
	EventPong         EventType = "pong"

	// EventAny subscribes to everything.
	EventAny EventType = "*"
)

type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Subscription is one consumer's view of the stream. Events arrive on C;
// the consumer must call AckHeartbeat on each pong or it gets dropped.
type Subscription struct {
	C      <-chan Event
	id     int64
	pub    *Publisher
	cancel sync.Once
}

func (s *Subscription) Cancel() {
	s.cancel.Do(func() { s.pub.remove(s.id) })
}

func (s *Subscription) AckHeartbeat() {
	s.pub.ack(s.id)
}

type subscriber struct {
	ch        chan Event
	eventType EventType
	acked     bool
	missed    int
}

// Publisher fans events out to subscribers without ever blocking the
// pipeline. Each subscriber has a bounded buffer; when it is full the
// oldest event is dropped to make room. Subscribers that stop acking
// heartbeats are evicted.
type Publisher struct {
	mu     sync.Mutex
	subs   map[int64]*subscriber
	nextID int64
	cfg    config.RealtimeConfig
}

func NewPublisher(cfg config.RealtimeConfig) *Publisher {
	if cfg.SubscriberBuffer < 1 {
		cfg.SubscriberBuffer = 1
	}
	return &Publisher{
		subs: make(map[int64]*subscriber),
		cfg:  cfg,
	}
}

// Subscribe registers a consumer for one event type (or EventAny).
func (p *Publisher) Subscribe(eventType EventType) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	sub := &subscriber{
		ch:        make(chan Event, p.cfg.SubscriberBuffer),
		eventType: eventType,
	}
	p.subs[p.nextID] = sub

	return &Subscription{C: sub.ch, id: p.nextID, pub: p}
}

// Publish delivers the event to matching subscribers. Never blocks: a
// full subscriber buffer sheds its oldest event.
func (p *Publisher) Publish(eventType EventType, payload interface{}) {
	event := Event{Type: eventType, Timestamp: time.Now(), Payload: payload}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs {
		if sub.eventType != EventAny && sub.eventType != eventType {
			continue
		}
		p.deliver(sub, event)
	}
}

func (p *Publisher) deliver(sub *subscriber, event Event) {
	for {
		select {
		case sub.ch <- event:
			return
		default:
			select {
			case <-sub.ch:
			default:
			}
		}
	}
}

// Heartbeat counts a miss for every subscriber that has not acked since
// the previous beat, drops those past the limit, then publishes a pong.
func (p *Publisher) Heartbeat() {
	p.mu.Lock()

	for id, sub := range p.subs {
		if !sub.acked {
			sub.missed++
		}
		if sub.missed > p.cfg.MissLimit {
			delete(p.subs, id)
			close(sub.ch)
			log.Printf("Realtime: dropped subscriber %d after %d missed heartbeats", id, sub.missed)
			continue
		}
		sub.acked = false
	}

	event := Event{Type: EventPong, Timestamp: time.Now()}
	for _, sub := range p.subs {
		p.deliver(sub, event)
	}
	p.mu.Unlock()
}

// Run beats on the configured interval until the context ends.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Heartbeat()
		}
	}
}

func (p *Publisher) ack(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, ok := p.subs[id]; ok {
		sub.acked = true
		sub.missed = 0
	}
}

func (p *Publisher) remove(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, ok := p.subs[id]; ok {
		delete(p.subs, id)
		close(sub.ch)
	}
}

func (p *Publisher) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}
