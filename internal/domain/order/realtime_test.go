package order

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medmart/marketplace/internal/platform/websocket"
)

type recordingWSPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *recordingWSPublisher) Publish(_ context.Context, ev websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingWSPublisher) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestToWebsocketEvent(t *testing.T) {
	id := uuid.New()
	ev := ToWebsocketEvent(ChangeEvent{Op: OpUpdated, Kind: KindLabTest, OrderID: id, At: baseTime})

	if ev.Type != "order.updated" || ev.Topic != "orders.lab_test" {
		t.Errorf("unexpected frame: %+v", ev)
	}
	if ev.ResourceID != id.String() || ev.ResourceType != "lab_test" {
		t.Errorf("unexpected resource: %s %s", ev.ResourceType, ev.ResourceID)
	}
	var decoded ChangeEvent
	if err := json.Unmarshal(ev.Data, &decoded); err != nil {
		t.Fatalf("data is not a change event: %v", err)
	}
	if decoded.OrderID != id || decoded.Op != OpUpdated {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

func TestRelay_ForwardsBothKinds(t *testing.T) {
	repo := NewInMemoryRepo()
	pub := &recordingWSPublisher{}
	relay := NewRelay(repo, pub, zerolog.New(io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	// Subscriptions are registered asynchronously; keep writing until seen.
	waitFor(t, func() bool {
		o := newMedOrder(StatusPending)
		o.OrderNumber = ""
		_ = repo.Create(context.Background(), o)
		return pub.len() > 0
	})
	l := newLabOrder(StatusPending)
	_ = repo.Create(context.Background(), l)
	waitFor(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		for _, ev := range pub.events {
			if ev.Topic == Topic(KindLabTest) {
				return true
			}
		}
		return false
	})

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestTopic(t *testing.T) {
	for _, k := range Kinds {
		if got := Topic(k); got[:len(TopicPrefix)] != TopicPrefix {
			t.Errorf("topic %s lacks prefix %s", got, TopicPrefix)
		}
	}
}
