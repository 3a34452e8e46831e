// Package notify forwards committed ticket events to downstream targets
// without ever blocking or failing the transition that produced them.
package notify

import (
	"context"

	"turnero/ticket-service/internal/models"
)

// Sink receives every committed lifecycle event.
type Sink interface {
	Emit(ctx context.Context, event models.Event) error
}

// Notification is what a Target receives: the event plus its rendered
// message.
type Notification struct {
	Type    string       `json:"type"`
	Event   models.Event `json:"event"`
	Message string       `json:"message"`
}

type Target interface {
	Name() string
	Send(ctx context.Context, notification Notification) error
}

type SinkFunc func(ctx context.Context, event models.Event) error

func (f SinkFunc) Emit(ctx context.Context, event models.Event) error {
	return f(ctx, event)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, models.Event) error { return nil })
