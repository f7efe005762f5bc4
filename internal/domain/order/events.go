package order

import (
	"context"
	"fmt"
)

// MessagePublisher is the broker capability used to announce status changes.
type MessagePublisher interface {
	Publish(ctx context.Context, routingKey string, payload interface{}) error
}

// RoutingKey is order.<kind>.<status>, e.g. order.medication.shipped.
func RoutingKey(ev StatusChange) string {
	return fmt.Sprintf("order.%s.%s", ev.Kind, ev.To)
}

type brokerPublisher struct {
	mp MessagePublisher
}

// NewBrokerPublisher adapts a topic-exchange publisher to EventPublisher.
func NewBrokerPublisher(mp MessagePublisher) EventPublisher {
	return &brokerPublisher{mp: mp}
}

func (p *brokerPublisher) PublishStatusChange(ctx context.Context, ev StatusChange) error {
	return p.mp.Publish(ctx, RoutingKey(ev), ev)
}
