package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/ports"
)

// TopicRevoked carries session revocations between instances
const TopicRevoked = "walletgate.session.revoked"

// RevokedEvent represents a session revocation
type RevokedEvent struct {
	SessionID string `json:"session_id"`
	Account   string `json:"account"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{
		publisher: publisher,
		topic:     TopicRevoked,
	}
}

// PublishRevoked publishes a revocation event
func (p *WatermillPublisher) PublishRevoked(ctx context.Context, session *core.Session) error {
	event := RevokedEvent{
		SessionID: session.ID,
		Account:   string(session.Account),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(session.ID, payload)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
