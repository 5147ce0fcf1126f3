package telegram

import (
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/chanbridge/internal/notification"
	"github.com/user/chanbridge/internal/plugin"
)

// eventData flattens a Telegram message into the same loosely-typed shape
// webhook channels receive, so validation and normalization are shared.
func eventData(msg *tgbotapi.Message, botName string) map[string]any {
	chat := strconv.FormatInt(msg.Chat.ID, 10)
	data := map[string]any{
		"channel_id":  chat,
		"thread_id":   chat,
		"response_id": strconv.Itoa(msg.MessageID),
		"timestamp":   msg.Time().UTC().Format(time.RFC3339),
		"is_mention":  isMention(msg, botName),
		"origin":      msg.Chat.Type,
	}
	if msg.From != nil {
		data["user_id"] = strconv.FormatInt(msg.From.ID, 10)
		data["user_name"] = displayName(msg.From)
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	data["text"] = text

	if len(msg.Photo) > 0 {
		// Telegram lists every size; the last is the largest.
		largest := msg.Photo[len(msg.Photo)-1]
		data["images"] = []any{map[string]any{
			"file_id": largest.FileID,
			"width":   largest.Width,
			"height":  largest.Height,
		}}
	}
	if msg.Document != nil {
		data["files_content"] = []any{map[string]any{
			"file_id":   msg.Document.FileID,
			"file_name": msg.Document.FileName,
			"mime_type": msg.Document.MimeType,
		}}
	}
	return data
}

func displayName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// isMention is true in private chats, on replies to the bot and when the
// text names the bot.
func isMention(msg *tgbotapi.Message, botName string) bool {
	if msg.Chat.IsPrivate() {
		return true
	}
	if botName == "" {
		return false
	}
	if r := msg.ReplyToMessage; r != nil && r.From != nil && r.From.UserName == botName {
		return true
	}
	return strings.Contains(msg.Text, "@"+botName)
}

func normalize(data map[string]any, rawBody []byte, pluginName string) notification.IncomingNotification {
	return notification.IncomingNotification{
		ChannelID:        plugin.String(data["channel_id"]),
		ThreadID:         plugin.String(data["thread_id"]),
		ResponseID:       plugin.String(data["response_id"]),
		UserID:           plugin.String(data["user_id"]),
		UserName:         plugin.String(data["user_name"]),
		Text:             plugin.String(data["text"]),
		IsMention:        plugin.Bool(data["is_mention"]),
		Images:           plugin.Payloads(data["images"]),
		FilesContent:     plugin.Payloads(data["files_content"]),
		Origin:           "telegram:" + plugin.String(data["origin"]),
		OriginPluginName: pluginName,
		RawData:          append([]byte(nil), rawBody...),
		Timestamp:        plugin.String(data["timestamp"]),
	}
}

func format(text string, messageType notification.MessageType) string {
	if messageType == notification.MessageCodeBlock {
		return "```\n" + text + "\n```"
	}
	return text
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

var emojiNames = map[string]string{
	"thumbsup":   "👍",
	"+1":         "👍",
	"thumbsdown": "👎",
	"eyes":       "👀",
	"heart":      "❤",
	"fire":       "🔥",
	"tada":       "🎉",
	"ok_hand":    "👌",
	"pray":       "🙏",
}

// emoji maps Slack-style reaction names to Telegram emoji. Unknown names
// are passed through, so callers may also send the emoji itself.
func emoji(name string) string {
	if e, ok := emojiNames[strings.Trim(name, ":")]; ok {
		return e
	}
	return name
}
