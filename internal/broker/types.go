package broker

import (
	"context"

	"mailpipe/pkg/models"
)

// Publisher emits dead-letter events to the operational event stream.
type Publisher interface {
	Publish(ctx context.Context, event models.DeadLetterEvent) error
	Close() error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(_ context.Context, _ models.DeadLetterEvent) error { return nil }
func (NopPublisher) Close() error                                              { return nil }
