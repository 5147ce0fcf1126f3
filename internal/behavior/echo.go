package behavior

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/user/chanbridge/internal/metrics"
	"github.com/user/chanbridge/internal/notification"
	"github.com/user/chanbridge/internal/session"
)

// Sessions runs a mutation against the enriched session of a
// conversation and persists it. *session.Manager implements it.
type Sessions interface {
	WithSession(ctx context.Context, channelID, threadID string, fn func(*session.EnrichedSession) error) error
}

// Replier delivers a reply to the plugin an event came from.
// *delivery.Registry implements it.
type Replier interface {
	Reply(ctx context.Context, event notification.IncomingNotification, text string, messageType notification.MessageType) error
}

// EchoConfig prices the tokens the echo behavior accounts for.
type EchoConfig struct {
	CostPer1KTokens float64 `json:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens"`
	Model           string  `json:"model" yaml:"model"`
}

// Echo records each inbound message and an echoed reply in the
// conversation's session, accounts their tokens as cost and sends the
// reply back through the originating plugin.
type Echo struct {
	cfg      EchoConfig
	sessions Sessions
	replier  Replier
	counter  TokenCounter
	recorder *metrics.Recorder
	logger   *slog.Logger
}

func NewEcho(cfg EchoConfig, sessions Sessions, replier Replier, counter TokenCounter, recorder *metrics.Recorder, logger *slog.Logger) *Echo {
	if recorder == nil {
		recorder = metrics.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Echo{
		cfg:      cfg,
		sessions: sessions,
		replier:  replier,
		counter:  counter,
		recorder: recorder,
		logger:   logger.With("component", "echo"),
	}
}

func (e *Echo) ProcessInteraction(ctx context.Context, event notification.IncomingNotification) error {
	reply := echoText(event)

	var cost session.Cost
	err := e.sessions.WithSession(ctx, event.ChannelID, event.ThreadID, func(s *session.EnrichedSession) error {
		idx := s.AddMessage("user", event.Text)
		if err := s.AddUserInteractionToMessage(idx, interaction(event)); err != nil {
			return err
		}
		s.AddMessage("assistant", reply)

		tokens := int64(e.counter.Count(event.Text) + e.counter.Count(reply))
		cost = session.Cost{
			TotalTokens: tokens,
			TotalCost:   float64(tokens) / 1000 * e.cfg.CostPer1KTokens,
		}
		s.AccumulateCost(cost)
		return nil
	})
	if err != nil {
		return fmt.Errorf("echo: update session: %w", err)
	}
	e.recorder.SessionCost(ctx, cost.TotalTokens, cost.TotalCost)

	if err := e.replier.Reply(ctx, event, reply, notification.MessageText); err != nil {
		return fmt.Errorf("echo: reply: %w", err)
	}
	e.logger.Debug("echoed",
		"channel_id", event.ChannelID,
		"thread_id", event.ThreadID,
		"tokens", cost.TotalTokens,
	)
	return nil
}

func echoText(event notification.IncomingNotification) string {
	attachments := len(event.Images) + len(event.FilesContent)
	switch {
	case event.Text != "" && attachments > 0:
		return fmt.Sprintf("%s (+%d attachments)", event.Text, attachments)
	case event.Text != "":
		return event.Text
	case attachments > 0:
		return fmt.Sprintf("Received %d attachments.", attachments)
	default:
		return "(empty message)"
	}
}

// interaction is the per-message record of who sent it and where from.
func interaction(event notification.IncomingNotification) session.Interaction {
	return session.Interaction{
		"user_id":     event.UserID,
		"user_name":   event.UserName,
		"response_id": event.ResponseID,
		"origin":      event.Origin,
		"timestamp":   event.Timestamp,
		"is_mention":  event.IsMention,
	}
}
