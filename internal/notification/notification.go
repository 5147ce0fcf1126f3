// Package notification defines the channel-independent shapes of inbound
// and outbound chat events.
package notification

import (
	"encoding/json"
	"slices"
)

// IncomingNotification is the canonical form of an inbound chat event.
// Channel plugins build it once during normalization; consumers treat it
// as a read-only value.
type IncomingNotification struct {
	ChannelID        string          `json:"channel_id"`
	ThreadID         string          `json:"thread_id"`
	ResponseID       string          `json:"response_id"`
	UserID           string          `json:"user_id"`
	UserName         string          `json:"user_name"`
	UserEmail        string          `json:"user_email"`
	Text             string          `json:"text"`
	IsMention        bool            `json:"is_mention"`
	Images           []Payload       `json:"images"`
	FilesContent     []Payload       `json:"files_content"`
	Origin           string          `json:"origin"`
	OriginPluginName string          `json:"origin_plugin_name"`
	RawData          json.RawMessage `json:"raw_data,omitempty"`
	Timestamp        string          `json:"timestamp"`
}

// Payload is an opaque JSON value passed through without interpretation
// (image references, extracted file contents, channel-specific blobs).
type Payload = json.RawMessage

// ConversationKey identifies the conversation an event belongs to. It is
// the same (channel, thread) pair sessions are addressed by.
func (n IncomingNotification) ConversationKey() string {
	return n.ChannelID + "/" + n.ThreadID
}

// Clone returns a deep copy so callers can hand the value to other
// goroutines without sharing the passthrough buffers.
func (n IncomingNotification) Clone() IncomingNotification {
	n.Images = clonePayloads(n.Images)
	n.FilesContent = clonePayloads(n.FilesContent)
	n.RawData = slices.Clone(n.RawData)
	return n
}

// OutgoingNotification is what a behavior asks a channel plugin to do:
// post a message, add or remove a reaction, upload a file.
type OutgoingNotification struct {
	ChannelID        string          `json:"channel_id"`
	ThreadID         string          `json:"thread_id"`
	ResponseID       string          `json:"response_id"`
	UserID           string          `json:"user_id"`
	UserName         string          `json:"user_name"`
	UserEmail        string          `json:"user_email"`
	Text             string          `json:"text"`
	IsMention        bool            `json:"is_mention"`
	Images           []Payload       `json:"images"`
	FilesContent     []Payload       `json:"files_content"`
	Origin           string          `json:"origin"`
	OriginPluginName string          `json:"origin_plugin_name"`
	RawData          json.RawMessage `json:"raw_data,omitempty"`
	Timestamp        string          `json:"timestamp"`
	EventType        EventType       `json:"event_type"`
	MessageType      MessageType     `json:"message_type"`
	ReactionName     string          `json:"reaction_name,omitempty"`
}

// FromIncoming derives an outgoing notification from the event it answers.
// Identity fields are copied; text and message type are left for the
// caller to fill in.
func FromIncoming(in IncomingNotification, eventType EventType) OutgoingNotification {
	return OutgoingNotification{
		ChannelID:        in.ChannelID,
		ThreadID:         in.ThreadID,
		ResponseID:       in.ResponseID,
		UserID:           in.UserID,
		UserName:         in.UserName,
		UserEmail:        in.UserEmail,
		IsMention:        in.IsMention,
		Images:           clonePayloads(in.Images),
		FilesContent:     clonePayloads(in.FilesContent),
		Origin:           in.Origin,
		OriginPluginName: in.OriginPluginName,
		RawData:          slices.Clone(in.RawData),
		Timestamp:        in.Timestamp,
		EventType:        eventType,
	}
}

func clonePayloads(in []Payload) []Payload {
	if in == nil {
		return nil
	}
	out := make([]Payload, len(in))
	for i, p := range in {
		out[i] = slices.Clone(p)
	}
	return out
}
