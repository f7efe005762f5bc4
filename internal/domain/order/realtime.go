package order

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/medmart/marketplace/internal/platform/websocket"
)

// Topic is the websocket topic carrying changes to orders of kind.
func Topic(kind Kind) string {
	return "orders." + string(kind)
}

// TopicPrefix is shared by every order topic.
const TopicPrefix = "orders."

// Relay forwards repository change events, including those caused by other
// processes, to a websocket publisher.
type Relay struct {
	repo   Repository
	pub    websocket.EventPublisher
	logger zerolog.Logger
}

func NewRelay(repo Repository, pub websocket.EventPublisher, logger zerolog.Logger) *Relay {
	return &Relay{
		repo:   repo,
		pub:    pub,
		logger: logger.With().Str("component", "order_relay").Logger(),
	}
}

// Run subscribes to every order kind and forwards events until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, kind := range Kinds {
		events, unsubscribe, err := r.repo.Subscribe(ctx, kind)
		if err != nil {
			return fmt.Errorf("relay subscribe %s: %w", kind, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer unsubscribe()
			for ev := range events {
				if err := r.pub.Publish(ctx, ToWebsocketEvent(ev)); err != nil {
					r.logger.Warn().Err(err).Str("order_id", ev.OrderID.String()).Msg("relay publish failed")
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// ToWebsocketEvent wraps a change event in the websocket frame format.
func ToWebsocketEvent(ev ChangeEvent) websocket.Event {
	data, _ := json.Marshal(ev)
	return websocket.Event{
		Type:         "order." + string(ev.Op),
		Topic:        Topic(ev.Kind),
		ResourceType: string(ev.Kind),
		ResourceID:   ev.OrderID.String(),
		Timestamp:    ev.At,
		Data:         data,
	}
}
