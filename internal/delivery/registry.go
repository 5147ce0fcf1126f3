// Package delivery routes outgoing notifications back to the channel
// plugin an event came from.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/user/chanbridge/internal/notification"
	"github.com/user/chanbridge/internal/plugin"
)

// ErrNoSender is returned when no plugin is registered for a notification's
// origin_plugin_name.
var ErrNoSender = errors.New("no sender registered")

// Registry maps plugin names to senders.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]plugin.Sender
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		senders: make(map[string]plugin.Sender),
	}
}

// Register adds the sender for notifications originating from name.
func (r *Registry) Register(name string, sender plugin.Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[name] = sender
}

// Deliver hands n to the sender registered under n.OriginPluginName.
func (r *Registry) Deliver(ctx context.Context, n notification.OutgoingNotification) error {
	r.mu.RLock()
	sender, ok := r.senders[n.OriginPluginName]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("plugin %q: %w", n.OriginPluginName, ErrNoSender)
	}
	return sender.Send(ctx, n)
}

// Reply builds a message answering event and delivers it.
func (r *Registry) Reply(ctx context.Context, event notification.IncomingNotification, text string, messageType notification.MessageType) error {
	out := notification.FromIncoming(event, notification.EventMessage)
	out.Text = text
	out.MessageType = messageType
	return r.Deliver(ctx, out)
}

// Names returns the registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.senders))
	for name := range r.senders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
