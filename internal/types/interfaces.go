package types

import (
	"context"

	"github.com/user/chanbridge/internal/notification"
)

// Backend is key-addressed byte storage for persisted session state.
// Read returns an error wrapping state.ErrNotFound when key is absent.
type Backend interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
}

// Lister is implemented by backends that can enumerate their keys.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// Behavior turns a normalized inbound event into business-logic actions.
type Behavior interface {
	ProcessInteraction(ctx context.Context, event notification.IncomingNotification) error
}

// BehaviorFunc adapts a plain function to Behavior.
type BehaviorFunc func(ctx context.Context, event notification.IncomingNotification) error

func (f BehaviorFunc) ProcessInteraction(ctx context.Context, event notification.IncomingNotification) error {
	return f(ctx, event)
}
