package events

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/coalaura/logger"
	"github.com/layer-3/walletgate/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevocationRoundTrip(t *testing.T) {
	// persistent so the event survives until Run subscribes
	bus := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NewStdLogger(false, false))
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan RevokedEvent, 1)
	sub := NewWatermillSubscriber(bus, logger.New())
	done := make(chan error, 1)
	go func() {
		done <- sub.Run(ctx, func(event RevokedEvent) { received <- event })
	}()

	// malformed events are skipped
	require.NoError(t, bus.Publish(TopicRevoked, message.NewMessage("bad", []byte("not json"))))

	pub := NewWatermillPublisher(bus)
	err := pub.PublishRevoked(ctx, &core.Session{ID: "sess-1", Account: "0xabc"})
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, "sess-1", event.SessionID)
		assert.Equal(t, "0xabc", event.Account)
	case <-time.After(2 * time.Second):
		t.Fatal("revocation not delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}
