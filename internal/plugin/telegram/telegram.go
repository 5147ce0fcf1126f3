// Package telegram adapts the Telegram Bot API to the channel plugin
// contract. Updates arrive by long polling, not webhooks.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/chanbridge/internal/gateway"
	"github.com/user/chanbridge/internal/notification"
	"github.com/user/chanbridge/internal/plugin"
	"github.com/user/chanbridge/internal/session"
	"github.com/user/chanbridge/internal/types"
)

const maxTelegramMessage = 4096

var requiredKeys = []string{"user_id", "channel_id"}

// bot is the slice of *tgbotapi.BotAPI the plugin uses.
type bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Sessions is what the chat commands need from the session manager.
type Sessions interface {
	Lookup(ctx context.Context, sessionID string) (session.Record, error)
	EndSession(ctx context.Context, sessionID string) (session.Record, error)
}

// Config configures the Telegram plugin.
type Config struct {
	Name  string
	Token string
}

// Plugin bridges Telegram chats to a behavior.
type Plugin struct {
	name      string
	bot       bot
	botName   string
	behavior  types.Behavior
	scheduler plugin.Scheduler
	sessions  Sessions
	logger    *slog.Logger
}

var (
	_ plugin.Plugin = (*Plugin)(nil)
	_ plugin.Sender = (*Plugin)(nil)
	_ plugin.Runner = (*Plugin)(nil)
)

// New connects to the Bot API and creates the plugin.
func New(cfg Config, behavior types.Behavior, scheduler plugin.Scheduler, sessions Sessions, logger *slog.Logger) (*Plugin, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return newPlugin(cfg.Name, api, api.Self.UserName, behavior, scheduler, sessions, logger), nil
}

func newPlugin(name string, b bot, botName string, behavior types.Behavior, scheduler plugin.Scheduler, sessions Sessions, logger *slog.Logger) *Plugin {
	if name == "" {
		name = "telegram"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{
		name:      name,
		bot:       b,
		botName:   botName,
		behavior:  behavior,
		scheduler: scheduler,
		sessions:  sessions,
		logger:    logger.With("component", "telegram", "plugin", name),
	}
}

func (p *Plugin) Name() string { return p.name }

// HandleRequest rejects HTTP deliveries; updates come from Run.
func (p *Plugin) HandleRequest(w http.ResponseWriter, r *http.Request) {
	plugin.MethodNotAllowed(w, r)
}

// Run long-polls for updates until ctx is cancelled.
func (p *Plugin) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := p.bot.GetUpdatesChan(u)
	p.logger.Info("polling for updates", "bot", p.botName)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			p.handleMessage(ctx, update)
		case <-ctx.Done():
			p.bot.StopReceivingUpdates()
			return nil
		}
	}
}

func (p *Plugin) handleMessage(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg.IsCommand() {
		p.handleCommand(ctx, msg)
		return
	}
	if msg.Text == "" && msg.Caption == "" && len(msg.Photo) == 0 && msg.Document == nil {
		return
	}

	data := eventData(msg, p.botName)
	raw, err := json.Marshal(update)
	if err != nil {
		p.logger.Error("encoding update", "update_id", update.UpdateID, "error", err)
		return
	}

	lane := types.NewLaneKey(plugin.String(data["channel_id"]), plugin.String(data["thread_id"]))
	job := gateway.NewJob(lane, p.name, func(ctx context.Context) error {
		return p.ProcessEventData(ctx, data, nil, raw)
	})
	if err := p.scheduler.Enqueue(job); err != nil {
		p.logger.Warn("update dropped", "lane", lane, "error", err)
		p.reply(msg.Chat.ID, 0, "Sorry, I'm busy right now. Please try again in a moment.", notification.MessageText)
	}
}

func (p *Plugin) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	chat := strconv.FormatInt(chatID, 10)
	sessionID := session.GenerateSessionID(chat, chat)

	switch msg.Command() {
	case "start":
		p.reply(chatID, 0, "Hello! Send me a message to get started.", notification.MessageText)

	case "new":
		if _, err := p.sessions.EndSession(ctx, sessionID); err != nil {
			p.logger.Error("end session", "session_id", sessionID, "error", err)
			p.reply(chatID, 0, "Error starting a new session.", notification.MessageText)
			return
		}
		p.reply(chatID, 0, "Starting a new session. Previous conversation has been archived.", notification.MessageText)

	case "status":
		rec, err := p.sessions.Lookup(ctx, sessionID)
		if err != nil {
			p.reply(chatID, 0, "Error fetching status.", notification.MessageText)
			return
		}
		p.reply(chatID, 0, statusText(sessionID, rec), notification.MessageText)

	default:
		p.reply(chatID, 0, "Unknown command. Available: /start, /new, /status", notification.MessageText)
	}
}

func statusText(sessionID string, rec session.Record) string {
	if rec == nil {
		return fmt.Sprintf("Session: %s\nNo messages yet.", sessionID)
	}
	s, ok := rec.(*session.EnrichedSession)
	if !ok {
		return fmt.Sprintf("Session: %s\nStarted: %s", sessionID, rec.Base().StartTime)
	}
	return fmt.Sprintf("Session: %s\nStarted: %s\nMessages: %d\nTokens: %d\nCost: $%.4f",
		sessionID, s.StartTime, len(s.Messages), s.TotalCost.TotalTokens, s.TotalCost.TotalCost)
}

func (p *Plugin) ValidateRequest(eventData map[string]any, _ http.Header, rawBody []byte) bool {
	return plugin.HasRequiredKeys(eventData, rawBody, requiredKeys)
}

func (p *Plugin) ProcessEventData(ctx context.Context, eventData map[string]any, headers http.Header, rawBody []byte) error {
	if !p.ValidateRequest(eventData, headers, rawBody) {
		p.logger.Warn("update dropped: validation failed")
		return nil
	}
	event := normalize(eventData, rawBody, p.name)
	return p.behavior.ProcessInteraction(ctx, event)
}

// SendMessage replies in the event's chat. Code blocks are fenced.
func (p *Plugin) SendMessage(ctx context.Context, text string, event *notification.IncomingNotification, messageType notification.MessageType) error {
	out, err := plugin.Reply(event, notification.EventMessage)
	if err != nil {
		return err
	}
	out.Text = text
	out.MessageType = messageType
	return p.Send(ctx, out)
}

func (p *Plugin) AddReaction(ctx context.Context, event *notification.IncomingNotification, channelID, timestamp, reactionName string) error {
	out, err := plugin.Reply(event, notification.EventReactionAdd)
	if err != nil {
		return err
	}
	out.ChannelID = channelID
	out.ReactionName = reactionName
	return p.Send(ctx, out)
}

func (p *Plugin) RemoveReaction(ctx context.Context, event *notification.IncomingNotification, channelID, timestamp, reactionName string) error {
	out, err := plugin.Reply(event, notification.EventReactionRemove)
	if err != nil {
		return err
	}
	out.ChannelID = channelID
	out.ReactionName = reactionName
	return p.Send(ctx, out)
}

// Send delivers a prepared notification through the Bot API. Reactions
// target the message named by ResponseID.
func (p *Plugin) Send(_ context.Context, n notification.OutgoingNotification) error {
	chatID, err := strconv.ParseInt(n.ChannelID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", n.ChannelID, err)
	}
	replyTo, _ := strconv.Atoi(n.ResponseID)

	switch n.EventType {
	case notification.EventMessage:
		return p.reply(chatID, replyTo, n.Text, n.MessageType)
	case notification.EventReactionAdd:
		return p.setReaction(chatID, replyTo, []string{emoji(n.ReactionName)})
	case notification.EventReactionRemove:
		return p.setReaction(chatID, replyTo, nil)
	default:
		return fmt.Errorf("telegram: unsupported event type %s", n.EventType)
	}
}

// reply sends text split into Telegram-sized parts. Markdown is tried
// first and dropped if Telegram rejects it.
func (p *Plugin) reply(chatID int64, replyTo int, text string, messageType notification.MessageType) error {
	for i, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, format(part, messageType))
		msg.ParseMode = tgbotapi.ModeMarkdown
		if i == 0 {
			msg.ReplyToMessageID = replyTo
		}
		if _, err := p.bot.Send(msg); err != nil {
			msg.ParseMode = ""
			if _, err := p.bot.Send(msg); err != nil {
				p.logger.Error("send message", "chat_id", chatID, "error", err)
				return fmt.Errorf("telegram send: %w", err)
			}
		}
	}
	return nil
}

func (p *Plugin) setReaction(chatID int64, messageID int, emojis []string) error {
	if messageID == 0 {
		return errors.New("telegram: reaction needs a message id")
	}
	type reactionType struct {
		Type  string `json:"type"`
		Emoji string `json:"emoji"`
	}
	reactions := make([]reactionType, 0, len(emojis))
	for _, e := range emojis {
		reactions = append(reactions, reactionType{Type: "emoji", Emoji: e})
	}
	encoded, err := json.Marshal(reactions)
	if err != nil {
		return err
	}

	params := tgbotapi.Params{
		"chat_id":    strconv.FormatInt(chatID, 10),
		"message_id": strconv.Itoa(messageID),
		"reaction":   string(encoded),
	}
	if _, err := p.bot.MakeRequest("setMessageReaction", params); err != nil {
		return fmt.Errorf("telegram set reaction: %w", err)
	}
	return nil
}
