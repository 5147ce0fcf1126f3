package behavior

import (
	"context"
	"fmt"

	"github.com/user/chanbridge/internal/notification"
	"github.com/user/chanbridge/internal/session"
)

// Record stores inbound messages in the conversation's session without
// replying. It suits channels that are only archived.
type Record struct {
	sessions Sessions
}

func NewRecord(sessions Sessions) *Record {
	return &Record{sessions: sessions}
}

func (r *Record) ProcessInteraction(ctx context.Context, event notification.IncomingNotification) error {
	err := r.sessions.WithSession(ctx, event.ChannelID, event.ThreadID, func(s *session.EnrichedSession) error {
		idx := s.AddMessage("user", event.Text)
		return s.AddUserInteractionToMessage(idx, interaction(event))
	})
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return nil
}
