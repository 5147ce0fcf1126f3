package matrix

import (
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/user/chanbridge/internal/notification"
	"github.com/user/chanbridge/internal/plugin"
)

// eventData flattens a room message into the loosely-typed shape shared
// with webhook channels. Unthreaded messages use the room as their thread.
func eventData(evt *event.Event, content *event.MessageEventContent, self id.UserID) map[string]any {
	room := evt.RoomID.String()
	thread := room
	if rel := content.RelatesTo; rel != nil && rel.Type == event.RelThread && rel.EventID != "" {
		thread = rel.EventID.String()
	}

	data := map[string]any{
		"channel_id":  room,
		"thread_id":   thread,
		"response_id": evt.ID.String(),
		"user_id":     evt.Sender.String(),
		"user_name":   evt.Sender.Localpart(),
		"text":        content.Body,
		"is_mention":  mentions(content, self),
		"origin":      string(content.MsgType),
		"timestamp":   time.UnixMilli(evt.Timestamp).UTC().Format(time.RFC3339Nano),
	}

	switch content.MsgType {
	case event.MsgImage:
		data["images"] = []any{mediaRef(content)}
	case event.MsgFile, event.MsgAudio, event.MsgVideo:
		data["files_content"] = []any{mediaRef(content)}
	}
	return data
}

func mediaRef(content *event.MessageEventContent) map[string]any {
	ref := map[string]any{
		"url":  string(content.URL),
		"name": content.Body,
	}
	if content.Info != nil {
		ref["mime_type"] = content.Info.MimeType
		ref["size"] = content.Info.Size
	}
	return ref
}

func mentions(content *event.MessageEventContent, self id.UserID) bool {
	if m := content.Mentions; m != nil {
		for _, u := range m.UserIDs {
			if u == self {
				return true
			}
		}
	}
	return self != "" && (strings.Contains(content.Body, self.String()) || strings.Contains(content.Body, "@"+self.Localpart()))
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
		Origin:           "matrix:" + plugin.String(data["origin"]),
		OriginPluginName: pluginName,
		RawData:          append([]byte(nil), rawBody...),
		Timestamp:        plugin.String(data["timestamp"]),
	}
}

var reactionNames = map[string]string{
	"thumbsup":         "👍",
	"+1":               "👍",
	"thumbsdown":       "👎",
	"eyes":             "👀",
	"heart":            "❤️",
	"white_check_mark": "✅",
	"tada":             "🎉",
}

// reaction maps Slack-style names to the emoji Matrix clients display.
func reaction(name string) string {
	if e, ok := reactionNames[strings.Trim(name, ":")]; ok {
		return e
	}
	return name
}
