package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EventType is the kind of outgoing event a channel plugin should perform.
type EventType int

const (
	EventMessage EventType = iota + 1
	EventReactionAdd
	EventReactionRemove
	EventFileUpload
	EventAudioUpload
)

var eventTypeNames = map[EventType]string{
	EventMessage:        "MESSAGE",
	EventReactionAdd:    "REACTION_ADD",
	EventReactionRemove: "REACTION_REMOVE",
	EventFileUpload:     "FILE_UPLOAD",
	EventAudioUpload:    "AUDIO_UPLOAD",
}

// String returns the symbolic name, e.g. "REACTION_ADD".
func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Valid reports whether t is one of the declared event types.
func (t EventType) Valid() bool {
	_, ok := eventTypeNames[t]
	return ok
}

// ParseEventType accepts either the symbolic name ("MESSAGE") or the raw
// value ("1").
func ParseEventType(s string) (EventType, error) {
	s = strings.TrimSpace(s)
	for t, name := range eventTypeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && EventType(n).Valid() {
		return EventType(n), nil
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

func (t EventType) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("marshal event type: invalid value %d", int(t))
	}
	return json.Marshal(t.String())
}

func (t *EventType) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*t = 0
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		if !EventType(n).Valid() {
			return fmt.Errorf("unknown event type %d", n)
		}
		*t = EventType(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("event type must be a string or number: %w", err)
	}
	parsed, err := ParseEventType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MessageType tells the channel how to render an outgoing message. The
// zero value means "absent".
type MessageType string

const (
	MessageNone          MessageType = ""
	MessageText          MessageType = "text"
	MessageComment       MessageType = "comment"
	MessageCodeBlock     MessageType = "codeblock"
	MessageCustomContent MessageType = "customcontent"
)

var messageTypeNames = map[MessageType]string{
	MessageText:          "TEXT",
	MessageComment:       "COMMENT",
	MessageCodeBlock:     "CODEBLOCK",
	MessageCustomContent: "CUSTOMCONTENT",
}

// String returns the symbolic name, e.g. "CODEBLOCK", or "" when absent.
func (m MessageType) String() string {
	return messageTypeNames[m]
}

// Valid reports whether m is absent or one of the declared message types.
func (m MessageType) Valid() bool {
	if m == MessageNone {
		return true
	}
	_, ok := messageTypeNames[m]
	return ok
}

// ParseMessageType accepts either the symbolic name ("CODEBLOCK") or the
// raw value ("codeblock"). An empty string yields MessageNone.
func ParseMessageType(s string) (MessageType, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return MessageNone, nil
	}
	for m, name := range messageTypeNames {
		if s == name || s == string(m) {
			return m, nil
		}
	}
	return MessageNone, fmt.Errorf("unknown message type %q", s)
}

func (m MessageType) MarshalJSON() ([]byte, error) {
	if m == MessageNone {
		return []byte("null"), nil
	}
	if !m.Valid() {
		return nil, fmt.Errorf("marshal message type: invalid value %q", string(m))
	}
	return json.Marshal(m.String())
}

func (m *MessageType) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*m = MessageNone
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("message type must be a string: %w", err)
	}
	parsed, err := ParseMessageType(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
