// Package session tracks per-conversation state (timing, accumulated LLM
// cost, message history) and persists it through a storage backend.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrMessageIndex is returned when an interaction targets a message that
// does not exist.
var ErrMessageIndex = errors.New("message index not found")

// timeLayouts are tried in order when parsing stored timestamps. Naive
// timestamps (no offset) are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// GenerateSessionID returns the id (and storage key) of the session for a
// channel/thread pair.
func GenerateSessionID(channelID, threadID string) string {
	return channelID + "_" + threadID + ".json"
}

// archiveLayout stamps archived session ids with their end time.
const archiveLayout = "20060102T150405.000Z"

// ArchiveSessionID returns the storage key an ended session is archived
// under: the live id with its end time inserted before ".json".
func ArchiveSessionID(sessionID string, end time.Time) string {
	return strings.TrimSuffix(sessionID, ".json") + "." + end.UTC().Format(archiveLayout) + ".json"
}

// ErrorHook receives failures the session swallows, such as a duration
// that could not be computed.
type ErrorHook func(sessionID string, err error)

// Record is implemented by *Session and *EnrichedSession.
type Record interface {
	Base() *Session
}

// Session is the timing state of one conversation. A session is Active
// while EndTime is nil and Ended afterwards; the transition is one-way.
//
// Sessions are not safe for concurrent mutation; Manager.WithSession
// serializes access per session id.
type Session struct {
	SessionID   string  `json:"session_id"`
	StartTime   string  `json:"start_time"`
	EndTime     *string `json:"end_time"`
	TotalTimeMS int64   `json:"total_time_ms"`

	// OnTimeError is called when CalculateTotalTime cannot compute a
	// duration. Defaults to logging through slog.
	OnTimeError ErrorHook `json:"-"`
}

// NewSession creates an active session starting at start.
func NewSession(channelID, threadID string, start time.Time) *Session {
	return &Session{
		SessionID: GenerateSessionID(channelID, threadID),
		StartTime: formatTime(start),
	}
}

func (s *Session) Base() *Session { return s }

// Ended reports whether EndSession has been called.
func (s *Session) Ended() bool {
	return s.EndTime != nil
}

// EndSession marks the session ended now and computes its duration.
func (s *Session) EndSession() {
	s.EndSessionAt(time.Now())
}

// EndSessionAt marks the session ended at t. The first end time wins;
// later calls only recompute the duration.
func (s *Session) EndSessionAt(t time.Time) {
	if s.EndTime == nil {
		end := formatTime(t)
		s.EndTime = &end
	}
	s.CalculateTotalTime()
}

// CalculateTotalTime sets TotalTimeMS to the whole milliseconds between
// start and end. On failure TotalTimeMS keeps its previous value and the
// error is reported through OnTimeError.
func (s *Session) CalculateTotalTime() {
	if s.EndTime == nil {
		return
	}
	start, err := parseTime(s.StartTime)
	if err != nil {
		s.reportTimeError(fmt.Errorf("parse start_time: %w", err))
		return
	}
	end, err := parseTime(*s.EndTime)
	if err != nil {
		s.reportTimeError(fmt.Errorf("parse end_time: %w", err))
		return
	}
	d := end.Sub(start)
	if d < 0 {
		s.reportTimeError(fmt.Errorf("end_time %s precedes start_time %s", *s.EndTime, s.StartTime))
		return
	}
	s.TotalTimeMS = d.Milliseconds()
}

func (s *Session) reportTimeError(err error) {
	if s.OnTimeError != nil {
		s.OnTimeError(s.SessionID, err)
		return
	}
	slog.Warn("session duration not computed", "session_id", s.SessionID, "error", err)
}

// Cost is token and money usage for one or more LLM calls.
type Cost struct {
	TotalTokens int64   `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`
}

// Interaction is an opaque record attached to a message.
type Interaction map[string]any

// Message is one turn in the conversation history.
type Message struct {
	Role             string        `json:"role"`
	Content          string        `json:"content"`
	UserInteractions []Interaction `json:"user_interactions,omitempty"`
	MindInteractions []Interaction `json:"mind_interactions,omitempty"`
}

// EnrichedSession adds cost accounting and message history to Session.
type EnrichedSession struct {
	Session
	TotalCost Cost      `json:"total_cost"`
	Messages  []Message `json:"messages"`
}

// NewEnrichedSession creates an active enriched session starting at start.
func NewEnrichedSession(channelID, threadID string, start time.Time) *EnrichedSession {
	return &EnrichedSession{
		Session:  *NewSession(channelID, threadID, start),
		Messages: []Message{},
	}
}

// AccumulateCost adds c to the running totals. Negative components are
// ignored so totals never decrease.
func (s *EnrichedSession) AccumulateCost(c Cost) {
	if c.TotalTokens > 0 {
		s.TotalCost.TotalTokens += c.TotalTokens
	}
	if c.TotalCost > 0 {
		s.TotalCost.TotalCost += c.TotalCost
	}
}

// AddMessage appends a turn and returns its index.
func (s *EnrichedSession) AddMessage(role, content string) int {
	s.Messages = append(s.Messages, Message{Role: role, Content: content})
	return len(s.Messages) - 1
}

// AddUserInteractionToMessage appends interaction to the message at index.
func (s *EnrichedSession) AddUserInteractionToMessage(index int, interaction Interaction) error {
	msg, err := s.message(index)
	if err != nil {
		return err
	}
	msg.UserInteractions = append(msg.UserInteractions, interaction)
	return nil
}

// AddMindInteractionToMessage appends interaction to the message's mind
// (internal reasoning) log.
func (s *EnrichedSession) AddMindInteractionToMessage(index int, interaction Interaction) error {
	msg, err := s.message(index)
	if err != nil {
		return err
	}
	msg.MindInteractions = append(msg.MindInteractions, interaction)
	return nil
}

func (s *EnrichedSession) message(index int) (*Message, error) {
	if index < 0 || index >= len(s.Messages) {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrMessageIndex, index, len(s.Messages))
	}
	return &s.Messages[index], nil
}

type enrichedJSON EnrichedSession

func (s *EnrichedSession) MarshalJSON() ([]byte, error) {
	out := (*enrichedJSON)(s)
	if out.Messages == nil {
		cp := *out
		cp.Messages = []Message{}
		out = &cp
	}
	return json.Marshal(out)
}

func (s *EnrichedSession) UnmarshalJSON(data []byte) error {
	var in enrichedJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Messages == nil {
		in.Messages = []Message{}
	}
	hook := s.OnTimeError
	*s = EnrichedSession(in)
	s.OnTimeError = hook
	return nil
}

// Decode parses stored session JSON. Missing fields default to zero
// values; unknown fields are ignored.
func Decode(data []byte) (*EnrichedSession, error) {
	var s EnrichedSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}
