// Package subscriber receives Cloud Storage notifications from a Pub/Sub
// subscription and hands them to a Handler.
package subscriber

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"

	"visionwatch/internal/logger"
	"visionwatch/internal/notification"
)

// Handler processes one decoded notification.
type Handler interface {
	Handle(ctx context.Context, ev *notification.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev *notification.Event) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, ev *notification.Event) error {
	return f(ctx, ev)
}

// Settings tunes message flow.
type Settings struct {
	// MaxOutstandingMessages caps unacknowledged messages held at once.
	MaxOutstandingMessages int
	// NumGoroutines is the number of streaming pulls; zero keeps the library default.
	NumGoroutines int
}

// Subscriber pulls notifications and acks them once handled.
type Subscriber struct {
	sub     *pubsub.Subscription
	handler Handler
	log     zerolog.Logger
}

// New binds a subscriber to subscriptionID on client.
func New(client *pubsub.Client, subscriptionID string, handler Handler, settings Settings) *Subscriber {
	sub := client.Subscription(subscriptionID)
	if settings.MaxOutstandingMessages > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = settings.MaxOutstandingMessages
	}
	if settings.NumGoroutines > 0 {
		sub.ReceiveSettings.NumGoroutines = settings.NumGoroutines
	}

	return &Subscriber{
		sub:     sub,
		handler: handler,
		log:     logger.WithComponent("subscriber"),
	}
}

// Run receives messages until ctx is cancelled. A cancelled context is a clean
// shutdown and returns nil.
func (s *Subscriber) Run(ctx context.Context) error {
	const op = "Run"

	s.log.Info().Str("subscription", s.sub.String()).Msg("Listening for messages")

	err := s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if s.deliver(ctx, msg.ID, msg.Attributes, msg.Data) {
			msg.Ack()
		} else {
			msg.Nack()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: receive on %s: %w", op, s.sub.String(), err)
	}

	s.log.Info().Str("subscription", s.sub.String()).Msg("Stopped listening")
	return nil
}

// deliver decodes and handles one message and reports whether it should be acked.
func (s *Subscriber) deliver(ctx context.Context, id string, attrs map[string]string, data []byte) bool {
	log := s.log.With().Str("message_id", id).Logger()

	ev, err := notification.Parse(attrs, data)
	if err != nil {
		// Redelivery cannot repair a bad notification.
		log.Warn().Err(err).Interface("attributes", attrs).Msg("Dropping malformed notification")
		return true
	}

	log.Info().Msg("Received notification:\n" + ev.Summary())

	if err := s.handler.Handle(ctx, ev); err != nil {
		log.Error().Err(err).Str("uri", ev.URI()).Msg("Handler failed, message will be redelivered")
		return false
	}
	return true
}
