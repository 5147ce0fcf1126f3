// Package plugin defines the contract every channel adapter implements and
// the pieces adapters share: required-key validation, payload coercion and
// HTTP delivery of outgoing notifications.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/user/chanbridge/internal/gateway"
	"github.com/user/chanbridge/internal/notification"
)

// Plugin adapts one chat channel to the canonical notification shapes.
//
// ValidateRequest is a predicate and never fails loudly. ProcessEventData
// re-validates, normalizes the event into an IncomingNotification and
// hands it to the bound behavior; it is expected to run in the background
// so its errors reach the dispatcher, not the inbound caller.
type Plugin interface {
	Name() string
	ValidateRequest(eventData map[string]any, headers http.Header, rawBody []byte) bool
	ProcessEventData(ctx context.Context, eventData map[string]any, headers http.Header, rawBody []byte) error
	HandleRequest(w http.ResponseWriter, r *http.Request)

	SendMessage(ctx context.Context, text string, event *notification.IncomingNotification, messageType notification.MessageType) error
	AddReaction(ctx context.Context, event *notification.IncomingNotification, channelID, timestamp, reactionName string) error
	RemoveReaction(ctx context.Context, event *notification.IncomingNotification, channelID, timestamp, reactionName string) error
}

// ErrNoEvent is returned by reply operations called without the event
// being answered.
var ErrNoEvent = errors.New("no incoming event to reply to")

// Reply starts an outgoing notification of kind answering event.
func Reply(event *notification.IncomingNotification, kind notification.EventType) (notification.OutgoingNotification, error) {
	if event == nil {
		return notification.OutgoingNotification{}, ErrNoEvent
	}
	return notification.FromIncoming(*event, kind), nil
}

// Sender delivers an already-built outgoing notification. Every plugin in
// this module implements it so the delivery registry can route replies by
// origin plugin name.
type Sender interface {
	Send(ctx context.Context, n notification.OutgoingNotification) error
}

// Runner is implemented by plugins that pull events from their platform
// instead of receiving webhooks. Run blocks until ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// Scheduler accepts background jobs. *gateway.Dispatcher satisfies it.
type Scheduler interface {
	Enqueue(job gateway.Job) error
}

// HasRequiredKeys reports whether every key is present in eventData and
// rawBody is syntactically valid JSON.
func HasRequiredKeys(eventData map[string]any, rawBody []byte, keys []string) bool {
	if !json.Valid(rawBody) {
		return false
	}
	for _, k := range keys {
		if _, ok := eventData[k]; !ok {
			return false
		}
	}
	return true
}

// MethodNotAllowed is the HandleRequest of plugins that do not accept
// webhooks.
func MethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}
