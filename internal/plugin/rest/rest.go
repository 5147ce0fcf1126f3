// Package rest implements the generic REST webhook channel: any system
// that can POST JSON to a configured route and accept JSON POSTs back.
package rest

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/chanbridge/internal/gateway"
	"github.com/user/chanbridge/internal/notification"
	"github.com/user/chanbridge/internal/plugin"
	"github.com/user/chanbridge/internal/types"
)

// maxBodyBytes bounds inbound webhook bodies.
const maxBodyBytes = 1 << 20

// DefaultRequiredKeys are checked when Config.RequiredKeys is empty.
var DefaultRequiredKeys = []string{"user_id", "channel_id"}

// Config binds one REST channel to its route, outbound URLs and behavior.
type Config struct {
	Name         string
	Route        string
	Methods      []string
	RequiredKeys []string
	MessageURL   string
	ReactionURL  string
	// HTMLText converts inbound HTML text to Markdown during normalization.
	HTMLText bool
}

// Plugin is the generic REST channel.
type Plugin struct {
	cfg       Config
	behavior  types.Behavior
	scheduler plugin.Scheduler
	poster    *plugin.Poster
	logger    *slog.Logger
	now       func() time.Time
}

var (
	_ plugin.Plugin = (*Plugin)(nil)
	_ plugin.Sender = (*Plugin)(nil)
)

// New creates a REST plugin. Events accepted by HandleRequest are enqueued
// on scheduler and handed to behavior in the background.
func New(cfg Config, behavior types.Behavior, scheduler plugin.Scheduler, poster *plugin.Poster, logger *slog.Logger) *Plugin {
	if len(cfg.RequiredKeys) == 0 {
		cfg.RequiredKeys = DefaultRequiredKeys
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = []string{http.MethodPost}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if poster == nil {
		poster = plugin.NewPoster(cfg.Name, nil, logger, nil)
	}
	return &Plugin{
		cfg:       cfg,
		behavior:  behavior,
		scheduler: scheduler,
		poster:    poster,
		logger:    logger.With("component", "rest", "plugin", cfg.Name),
		now:       time.Now,
	}
}

func (p *Plugin) Name() string { return p.cfg.Name }

// Route returns the configured path and accepted methods.
func (p *Plugin) Route() (string, []string) { return p.cfg.Route, p.cfg.Methods }

func (p *Plugin) ValidateRequest(eventData map[string]any, _ http.Header, rawBody []byte) bool {
	return plugin.HasRequiredKeys(eventData, rawBody, p.cfg.RequiredKeys)
}

// ProcessEventData normalizes a validated event and hands it to the bound
// behavior. Invalid events are dropped; the sender was already answered.
func (p *Plugin) ProcessEventData(ctx context.Context, eventData map[string]any, headers http.Header, rawBody []byte) error {
	if !p.ValidateRequest(eventData, headers, rawBody) {
		p.logger.Warn("event dropped: validation failed", "keys", p.cfg.RequiredKeys)
		return nil
	}
	event := p.normalize(eventData, rawBody)
	p.logger.Debug("event normalized",
		"channel_id", event.ChannelID,
		"thread_id", event.ThreadID,
		"response_id", event.ResponseID,
	)
	return p.behavior.ProcessInteraction(ctx, event)
}

// HandleRequest acknowledges the webhook immediately and processes it in
// the background.
func (p *Plugin) HandleRequest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		p.logger.Error("reading request body", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	eventData, err := plugin.DecodeEvent(body)
	if err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	headers := r.Header.Clone()
	lane := types.NewLaneKey(plugin.String(eventData["channel_id"]), threadID(eventData))
	job := gateway.NewJob(lane, p.cfg.Name, func(ctx context.Context) error {
		return p.ProcessEventData(ctx, eventData, headers, body)
	})
	if err := p.scheduler.Enqueue(job); err != nil {
		p.logger.Warn("webhook rejected", "lane", lane, "error", err)
		http.Error(w, "Dispatch queue full", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Request accepted for processing")
}

// normalize builds the canonical event. Ids are stringified, a missing
// thread falls back to the channel and a missing response id is
// generated.
func (p *Plugin) normalize(data map[string]any, rawBody []byte) notification.IncomingNotification {
	event := notification.IncomingNotification{
		ChannelID:        plugin.String(data["channel_id"]),
		ThreadID:         threadID(data),
		ResponseID:       plugin.String(data["response_id"]),
		UserID:           plugin.String(data["user_id"]),
		UserName:         plugin.String(data["user_name"]),
		UserEmail:        plugin.String(data["user_email"]),
		Text:             plugin.String(data["text"]),
		IsMention:        plugin.Bool(data["is_mention"]),
		Images:           plugin.Payloads(data["images"]),
		FilesContent:     plugin.Payloads(data["files_content"]),
		Origin:           plugin.String(data["origin"]),
		OriginPluginName: p.cfg.Name,
		RawData:          append([]byte(nil), rawBody...),
		Timestamp:        plugin.String(data["timestamp"]),
	}
	if event.ResponseID == "" {
		event.ResponseID = types.NewResponseID()
	}
	if event.Origin == "" {
		event.Origin = p.cfg.Name
	}
	if event.Timestamp == "" {
		event.Timestamp = p.now().UTC().Format(time.RFC3339Nano)
	}
	if p.cfg.HTMLText && looksLikeHTML(event.Text) {
		md, err := htmltomarkdown.ConvertString(event.Text)
		if err != nil {
			p.logger.Warn("html text left as is", "error", err)
		} else {
			event.Text = strings.TrimSpace(md)
		}
	}
	return event
}

func threadID(data map[string]any) string {
	if t := plugin.String(data["thread_id"]); t != "" {
		return t
	}
	return plugin.String(data["channel_id"])
}

func looksLikeHTML(s string) bool {
	return strings.Contains(s, "<") && strings.Contains(s, ">")
}

// SendMessage posts text as a reply to event.
func (p *Plugin) SendMessage(ctx context.Context, text string, event *notification.IncomingNotification, messageType notification.MessageType) error {
	out, err := plugin.Reply(event, notification.EventMessage)
	if err != nil {
		return err
	}
	out.Text = text
	out.MessageType = messageType
	return p.poster.PostNotification(ctx, out, p.cfg.MessageURL)
}

func (p *Plugin) AddReaction(ctx context.Context, event *notification.IncomingNotification, channelID, timestamp, reactionName string) error {
	return p.react(ctx, notification.EventReactionAdd, event, channelID, timestamp, reactionName)
}

func (p *Plugin) RemoveReaction(ctx context.Context, event *notification.IncomingNotification, channelID, timestamp, reactionName string) error {
	return p.react(ctx, notification.EventReactionRemove, event, channelID, timestamp, reactionName)
}

func (p *Plugin) react(ctx context.Context, kind notification.EventType, event *notification.IncomingNotification, channelID, timestamp, reactionName string) error {
	out, err := plugin.Reply(event, kind)
	if err != nil {
		return err
	}
	out.ChannelID = channelID
	out.Timestamp = timestamp
	out.ReactionName = reactionName
	return p.poster.PostNotification(ctx, out, p.cfg.ReactionURL)
}

// Send posts a prepared notification to the URL matching its event type.
func (p *Plugin) Send(ctx context.Context, n notification.OutgoingNotification) error {
	switch n.EventType {
	case notification.EventReactionAdd, notification.EventReactionRemove:
		return p.poster.PostNotification(ctx, n, p.cfg.ReactionURL)
	default:
		return p.poster.PostNotification(ctx, n, p.cfg.MessageURL)
	}
}
