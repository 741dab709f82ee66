package realtime

import (
	"testing"
	"time"

	"propradar/config"
)

func testPublisher(buffer int) *Publisher {
	return NewPublisher(config.RealtimeConfig{
		HeartbeatInterval: time.Minute,
		MissLimit:         3,
		SubscriberBuffer:  buffer,
	})
}

func drain(c <-chan Event) []Event {
	var out []Event
	for {
		select {
		case e, ok := <-c:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestPublishFansOut(t *testing.T) {
	p := testPublisher(8)
	s1 := p.Subscribe(EventNewListing)
	s2 := p.Subscribe(EventNewListing)
	s3 := p.Subscribe(EventRunCompleted)

	p.Publish(EventNewListing, map[string]string{"listing_id": "ss:1"})

	if got := len(drain(s1.C)); got != 1 {
		t.Fatalf("s1 got %d events", got)
	}
	if got := len(drain(s2.C)); got != 1 {
		t.Fatalf("s2 got %d events", got)
	}
	if got := len(drain(s3.C)); got != 0 {
		t.Fatalf("s3 got %d events for a type it never subscribed to", got)
	}
}

func TestSubscribeAnyReceivesEverything(t *testing.T) {
	p := testPublisher(8)
	s := p.Subscribe(EventAny)

	p.Publish(EventNewListing, nil)
	p.Publish(EventRunCompleted, nil)
	p.Publish(EventDuplicate, nil)

	if got := len(drain(s.C)); got != 3 {
		t.Fatalf("expected 3 events, got %d", got)
	}
}

func TestSlowSubscriberNeverBlocks(t *testing.T) {
	p := testPublisher(2)
	s := p.Subscribe(EventNewListing)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			p.Publish(EventNewListing, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}

	// Buffer keeps the most recent events.
	events := drain(s.C)
	if len(events) != 2 {
		t.Fatalf("expected 2 buffered events, got %d", len(events))
	}
	if events[len(events)-1].Payload != 99 {
		t.Fatalf("oldest-drop policy violated, last payload %v", events[len(events)-1].Payload)
	}
}

func TestHeartbeatDropsStaleSubscriber(t *testing.T) {
	p := testPublisher(8)
	live := p.Subscribe(EventAny)
	stale := p.Subscribe(EventAny)

	// Three missed beats are tolerated.
	for i := 0; i < 3; i++ {
		p.Heartbeat()
		live.AckHeartbeat()
	}
	if p.ActiveCount() != 2 {
		t.Fatalf("subscriber dropped before the miss limit, active=%d", p.ActiveCount())
	}

	// The fourth missed beat evicts.
	p.Heartbeat()
	live.AckHeartbeat()
	if p.ActiveCount() != 1 {
		t.Fatalf("stale subscriber not dropped, active=%d", p.ActiveCount())
	}

	// The stale channel is closed so the consumer unblocks.
	events := drain(stale.C)
	if len(events) == 0 {
		t.Fatalf("expected buffered pongs before close")
	}
	if _, ok := <-stale.C; ok {
		t.Fatalf("stale channel not closed")
	}
}

func TestAckResetsMissCounter(t *testing.T) {
	p := testPublisher(8)
	s := p.Subscribe(EventAny)

	for round := 0; round < 3; round++ {
		// Miss two beats, then ack: the counter resets each time.
		p.Heartbeat()
		p.Heartbeat()
		s.AckHeartbeat()
	}
	p.Heartbeat()
	if p.ActiveCount() != 1 {
		t.Fatalf("acked subscriber dropped")
	}
}

func TestHeartbeatPublishesPong(t *testing.T) {
	p := testPublisher(8)
	s := p.Subscribe(EventRunCompleted)

	p.Heartbeat()

	events := drain(s.C)
	if len(events) != 1 || events[0].Type != EventPong {
		t.Fatalf("pong not delivered to typed subscriber: %v", events)
	}
}

func TestCancelRemovesSubscriber(t *testing.T) {
	p := testPublisher(8)
	s := p.Subscribe(EventAny)
	if p.ActiveCount() != 1 {
		t.Fatalf("subscribe not registered")
	}

	s.Cancel()
	s.Cancel() // idempotent

	if p.ActiveCount() != 0 {
		t.Fatalf("cancel did not remove subscriber")
	}
	if _, ok := <-s.C; ok {
		t.Fatalf("channel not closed on cancel")
	}
}
