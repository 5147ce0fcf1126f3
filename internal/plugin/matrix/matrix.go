// Package matrix adapts a Matrix homeserver to the channel plugin contract
// using a sync loop on a bot account.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/user/chanbridge/internal/gateway"
	"github.com/user/chanbridge/internal/notification"
	"github.com/user/chanbridge/internal/plugin"
	"github.com/user/chanbridge/internal/types"
)

const (
	typingTimeout  = 30 * time.Second
	networkTimeout = 10 * time.Second
)

var requiredKeys = []string{"user_id", "channel_id"}

// client is the slice of *mautrix.Client used for outbound calls.
type client interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	SendReaction(ctx context.Context, roomID id.RoomID, eventID id.EventID, reaction string) (*mautrix.RespSendEvent, error)
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, extra ...mautrix.ReqRedact) (*mautrix.RespSendEvent, error)
	UserTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) (*mautrix.RespTyping, error)
}

// Config configures the Matrix plugin.
type Config struct {
	Name         string
	Homeserver   string
	UserID       string
	AccessToken  string
	AllowedRooms []string
}

// Plugin bridges Matrix rooms to a behavior.
type Plugin struct {
	name         string
	userID       id.UserID
	allowedRooms []string
	matrix       *mautrix.Client
	client       client
	behavior     types.Behavior
	scheduler    plugin.Scheduler
	logger       *slog.Logger

	reactions *reactionIndex
}

var (
	_ plugin.Plugin = (*Plugin)(nil)
	_ plugin.Sender = (*Plugin)(nil)
	_ plugin.Runner = (*Plugin)(nil)
)

// New creates the Matrix client and plugin. No network traffic happens
// until Run.
func New(cfg Config, behavior types.Behavior, scheduler plugin.Scheduler, logger *slog.Logger) (*Plugin, error) {
	if cfg.Homeserver == "" || cfg.UserID == "" || cfg.AccessToken == "" {
		return nil, errors.New("matrix: homeserver, user_id and access_token are required")
	}
	cli, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	p := newPlugin(cfg, cli, behavior, scheduler, logger)
	p.matrix = cli
	return p, nil
}

func newPlugin(cfg Config, c client, behavior types.Behavior, scheduler plugin.Scheduler, logger *slog.Logger) *Plugin {
	if cfg.Name == "" {
		cfg.Name = "matrix"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{
		name:         cfg.Name,
		userID:       id.UserID(cfg.UserID),
		allowedRooms: cfg.AllowedRooms,
		client:       c,
		behavior:     behavior,
		scheduler:    scheduler,
		logger:       logger.With("component", "matrix", "plugin", cfg.Name),
		reactions:    newReactionIndex(maxTrackedReactions),
	}
}

func (p *Plugin) Name() string { return p.name }

// HandleRequest rejects HTTP deliveries; events come from the sync loop.
func (p *Plugin) HandleRequest(w http.ResponseWriter, r *http.Request) {
	plugin.MethodNotAllowed(w, r)
}

// Run syncs with the homeserver until ctx is cancelled.
func (p *Plugin) Run(ctx context.Context) error {
	if p.matrix == nil {
		return errors.New("matrix: plugin has no sync client")
	}
	syncer, ok := p.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", p.matrix.Syncer)
	}
	syncer.OnEventType(event.EventMessage, p.handleEvent)

	p.logger.Info("starting matrix sync", "user_id", p.userID.String())
	syncErr := make(chan error, 1)
	go func() {
		syncErr <- p.matrix.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		p.matrix.StopSync()
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

func (p *Plugin) handleEvent(_ context.Context, evt *event.Event) {
	if evt.Sender == p.userID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	if !p.roomAllowed(evt.RoomID.String()) {
		p.logger.Debug("ignoring message from non-allowed room", "room", evt.RoomID.String())
		return
	}

	data := eventData(evt, content, p.userID)
	raw, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("encoding event", "event_id", evt.ID.String(), "error", err)
		return
	}

	lane := types.NewLaneKey(plugin.String(data["channel_id"]), plugin.String(data["thread_id"]))
	job := gateway.NewJob(lane, p.name, func(ctx context.Context) error {
		return p.ProcessEventData(ctx, data, nil, raw)
	})
	if err := p.scheduler.Enqueue(job); err != nil {
		p.logger.Warn("event dropped", "lane", lane, "error", err)
	}
}

func (p *Plugin) roomAllowed(roomID string) bool {
	return len(p.allowedRooms) == 0 || slices.Contains(p.allowedRooms, roomID)
}

func (p *Plugin) ValidateRequest(eventData map[string]any, _ http.Header, rawBody []byte) bool {
	return plugin.HasRequiredKeys(eventData, rawBody, requiredKeys)
}

// ProcessEventData normalizes the event and runs the behavior with a
// typing indicator shown in the room.
func (p *Plugin) ProcessEventData(ctx context.Context, eventData map[string]any, headers http.Header, rawBody []byte) error {
	if !p.ValidateRequest(eventData, headers, rawBody) {
		p.logger.Warn("event dropped: validation failed")
		return nil
	}
	e := normalize(eventData, rawBody, p.name)

	room := id.RoomID(e.ChannelID)
	p.setTyping(room, true)
	defer p.setTyping(room, false)

	return p.behavior.ProcessInteraction(ctx, e)
}

func (p *Plugin) setTyping(room id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := p.client.UserTyping(ctx, room, typing, timeout); err != nil {
		p.logger.Debug("failed to set typing indicator", "room", room.String(), "error", err)
	}
}

func (p *Plugin) SendMessage(ctx context.Context, text string, e *notification.IncomingNotification, messageType notification.MessageType) error {
	out, err := plugin.Reply(e, notification.EventMessage)
	if err != nil {
		return err
	}
	out.Text = text
	out.MessageType = messageType
	return p.Send(ctx, out)
}

// AddReaction reacts to the event named by timestamp, which for Matrix
// carries the target event id. An empty timestamp targets the event itself.
func (p *Plugin) AddReaction(ctx context.Context, e *notification.IncomingNotification, channelID, timestamp, reactionName string) error {
	out, err := plugin.Reply(e, notification.EventReactionAdd)
	if err != nil {
		return err
	}
	out.ChannelID = channelID
	out.ReactionName = reactionName
	if timestamp != "" {
		out.ResponseID = timestamp
	}
	return p.Send(ctx, out)
}

func (p *Plugin) RemoveReaction(ctx context.Context, e *notification.IncomingNotification, channelID, timestamp, reactionName string) error {
	out, err := plugin.Reply(e, notification.EventReactionRemove)
	if err != nil {
		return err
	}
	out.ChannelID = channelID
	out.ReactionName = reactionName
	if timestamp != "" {
		out.ResponseID = timestamp
	}
	return p.Send(ctx, out)
}

// Send delivers a prepared notification. Messages are rendered from
// Markdown to HTML; replies to threaded events stay in the thread.
func (p *Plugin) Send(ctx context.Context, n notification.OutgoingNotification) error {
	room := id.RoomID(n.ChannelID)
	target := id.EventID(n.ResponseID)

	switch n.EventType {
	case notification.EventMessage:
		content, err := messageContent(n)
		if err != nil {
			return err
		}
		if _, err := p.client.SendMessageEvent(ctx, room, event.EventMessage, content); err != nil {
			return fmt.Errorf("matrix send message: %w", err)
		}
		return nil

	case notification.EventReactionAdd:
		resp, err := p.client.SendReaction(ctx, room, target, reaction(n.ReactionName))
		if err != nil {
			return fmt.Errorf("matrix send reaction: %w", err)
		}
		p.reactions.put(reactionKey{n.ChannelID, n.ResponseID, n.ReactionName}, resp.EventID)
		return nil

	case notification.EventReactionRemove:
		reactionID, ok := p.reactions.take(reactionKey{n.ChannelID, n.ResponseID, n.ReactionName})
		if !ok {
			return fmt.Errorf("matrix: no %q reaction on %s to remove", n.ReactionName, n.ResponseID)
		}
		if _, err := p.client.RedactEvent(ctx, room, reactionID); err != nil {
			return fmt.Errorf("matrix redact reaction: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("matrix: unsupported event type %s", n.EventType)
	}
}

func messageContent(n notification.OutgoingNotification) (*event.MessageEventContent, error) {
	body := n.Text
	msgType := event.MsgText
	switch n.MessageType {
	case notification.MessageCodeBlock:
		body = "```\n" + n.Text + "\n```"
	case notification.MessageComment:
		msgType = event.MsgNotice
	}

	var html bytes.Buffer
	if err := goldmark.Convert([]byte(body), &html); err != nil {
		return nil, fmt.Errorf("rendering markdown: %w", err)
	}

	content := &event.MessageEventContent{
		MsgType:       msgType,
		Body:          body,
		Format:        event.FormatHTML,
		FormattedBody: html.String(),
	}
	if n.ThreadID != "" && n.ThreadID != n.ChannelID {
		fallback := id.EventID(n.ResponseID)
		if fallback == "" {
			fallback = id.EventID(n.ThreadID)
		}
		content.RelatesTo = (&event.RelatesTo{}).SetThread(id.EventID(n.ThreadID), fallback)
	}
	return content, nil
}
