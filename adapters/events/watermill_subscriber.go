package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/coalaura/logger"
)

// RevokedHandler is called once per revocation received from the bus
type RevokedHandler func(event RevokedEvent)

// WatermillSubscriber feeds revocations published by any instance into a handler
type WatermillSubscriber struct {
	subscriber message.Subscriber
	topic      string
	log        *logger.Logger
}

// NewWatermillSubscriber creates a new Watermill subscriber
func NewWatermillSubscriber(subscriber message.Subscriber, log *logger.Logger) *WatermillSubscriber {
	return &WatermillSubscriber{
		subscriber: subscriber,
		topic:      TopicRevoked,
		log:        log,
	}
}

// Run delivers events to handle until ctx is done or the subscription closes.
// Malformed messages are acked and dropped.
func (s *WatermillSubscriber) Run(ctx context.Context, handle RevokedHandler) error {
	messages, err := s.subscriber.Subscribe(ctx, s.topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.topic, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return ctx.Err()
			}

			var event RevokedEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil || event.SessionID == "" {
				s.log.Warning("revoked: dropping malformed event " + msg.UUID)
				msg.Ack()
				continue
			}

			handle(event)
			msg.Ack()
		}
	}
}
