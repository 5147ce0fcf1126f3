package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/chanbridge/internal/gateway"
	"github.com/user/chanbridge/internal/notification"
	"github.com/user/chanbridge/internal/plugin"
	"github.com/user/chanbridge/internal/types"
)

type fakeScheduler struct {
	mu   sync.Mutex
	jobs []gateway.Job
	err  error
}

func (f *fakeScheduler) Enqueue(job gateway.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type captureBehavior struct {
	events []notification.IncomingNotification
	err    error
}

func (c *captureBehavior) ProcessInteraction(_ context.Context, e notification.IncomingNotification) error {
	c.events = append(c.events, e)
	return c.err
}

func newPlugin(t *testing.T, cfg Config) (*Plugin, *fakeScheduler, *captureBehavior) {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "webhook"
	}
	sched := &fakeScheduler{}
	beh := &captureBehavior{}
	p := New(cfg, beh, sched, nil, nil)
	p.now = func() time.Time { return time.Date(2024, 10, 1, 10, 0, 0, 0, time.UTC) }
	return p, sched, beh
}

func post(p *Plugin, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/hooks/in", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	p.HandleRequest(rec, req)
	return rec
}

func TestHandleRequestInvalidJSON(t *testing.T) {
	p, sched, _ := newPlugin(t, Config{})

	rec := post(p, `{"invalid_json"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid JSON", strings.TrimSpace(rec.Body.String()))
	assert.Empty(t, sched.jobs)
}

func TestHandleRequestAccepted(t *testing.T) {
	p, sched, beh := newPlugin(t, Config{})

	rec := post(p, `{"user_id":123,"channel_id":"C1","thread_id":"T1","text":"hello"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "Request accepted for processing", rec.Body.String())

	require.Len(t, sched.jobs, 1)
	job := sched.jobs[0]
	assert.Equal(t, types.NewLaneKey("C1", "T1"), job.Lane)
	assert.Equal(t, "webhook", job.Plugin)
	assert.NotEmpty(t, job.ID)

	// Nothing ran yet: the handler only schedules.
	assert.Empty(t, beh.events)
	require.NoError(t, job.Run(context.Background()))
	require.Len(t, beh.events, 1)
	assert.Equal(t, "123", beh.events[0].UserID)
	assert.Equal(t, "hello", beh.events[0].Text)
}

func TestHandleRequestQueueFull(t *testing.T) {
	p, sched, _ := newPlugin(t, Config{})
	sched.err = gateway.ErrQueueFull

	rec := post(p, `{"user_id":"1","channel_id":"C1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Dispatch queue full", strings.TrimSpace(rec.Body.String()))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestHandleRequestReadFailure(t *testing.T) {
	p, sched, _ := newPlugin(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/hooks/in", io.NopCloser(failingReader{}))
	rec := httptest.NewRecorder()
	p.HandleRequest(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", strings.TrimSpace(rec.Body.String()))
	assert.Empty(t, sched.jobs)
}

func TestValidateRequest(t *testing.T) {
	p, _, _ := newPlugin(t, Config{})

	body := []byte(`{"user_id":"123"}`)
	assert.False(t, p.ValidateRequest(map[string]any{"user_id": "123"}, nil, body))

	body = []byte(`{"user_id":"123","channel_id":"C"}`)
	assert.True(t, p.ValidateRequest(map[string]any{"user_id": "123", "channel_id": "C"}, nil, body))

	custom, _, _ := newPlugin(t, Config{RequiredKeys: []string{"token"}})
	assert.False(t, custom.ValidateRequest(map[string]any{"user_id": "1", "channel_id": "C"}, nil, body))
}

func TestProcessEventDataSkipsInvalid(t *testing.T) {
	p, _, beh := newPlugin(t, Config{})
	body := []byte(`{"user_id":"123"}`)
	err := p.ProcessEventData(context.Background(), map[string]any{"user_id": "123"}, nil, body)
	assert.NoError(t, err)
	assert.Empty(t, beh.events)
}

func TestProcessEventDataPropagatesBehaviorError(t *testing.T) {
	p, _, beh := newPlugin(t, Config{})
	beh.err = errors.New("behavior down")
	body := []byte(`{"user_id":"1","channel_id":"C"}`)
	data, err := plugin.DecodeEvent(body)
	require.NoError(t, err)

	assert.ErrorContains(t, p.ProcessEventData(context.Background(), data, nil, body), "behavior down")
}

func TestNormalize(t *testing.T) {
	p, _, _ := newPlugin(t, Config{Name: "crm", HTMLText: true})
	body := []byte(`{"user_id":42,"channel_id":7,"user_name":"ana","text":"<p>Hello <strong>world</strong></p>","is_mention":"true","images":[{"url":"https://x/y.png"}]}`)
	data, err := plugin.DecodeEvent(body)
	require.NoError(t, err)

	e := p.normalize(data, body)
	assert.Equal(t, "7", e.ChannelID)
	assert.Equal(t, "7", e.ThreadID)
	assert.Equal(t, "42", e.UserID)
	assert.Equal(t, "ana", e.UserName)
	assert.Equal(t, "Hello **world**", e.Text)
	assert.True(t, e.IsMention)
	assert.Equal(t, "crm", e.Origin)
	assert.Equal(t, "crm", e.OriginPluginName)
	assert.Equal(t, "2024-10-01T10:00:00Z", e.Timestamp)
	assert.NotEmpty(t, e.ResponseID)
	assert.JSONEq(t, string(body), string(e.RawData))
	require.Len(t, e.Images, 1)
	assert.JSONEq(t, `{"url":"https://x/y.png"}`, string(e.Images[0]))
}

func TestSendRoutesByEventType(t *testing.T) {
	var mu sync.Mutex
	hits := map[string]map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got map[string]any
		_ = json.NewDecoder(r.Body).Decode(&got)
		mu.Lock()
		hits[r.URL.Path] = got
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, _, _ := newPlugin(t, Config{MessageURL: srv.URL + "/messages", ReactionURL: srv.URL + "/reactions"})
	event := &notification.IncomingNotification{ChannelID: "C1", ThreadID: "T1", ResponseID: "r1", OriginPluginName: "webhook"}
	ctx := context.Background()

	require.NoError(t, p.SendMessage(ctx, "hi", event, notification.MessageCodeBlock))
	require.NoError(t, p.AddReaction(ctx, event, "C2", "1700000000.1", "thumbsup"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "hi", hits["/messages"]["text"])
	assert.Equal(t, "CODEBLOCK", hits["/messages"]["message_type"])
	assert.Equal(t, "MESSAGE", hits["/messages"]["event_type"])
	assert.Equal(t, "REACTION_ADD", hits["/reactions"]["event_type"])
	assert.Equal(t, "thumbsup", hits["/reactions"]["reaction_name"])
	assert.Equal(t, "C2", hits["/reactions"]["channel_id"])
}

func TestRemoveReactionNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _, _ := newPlugin(t, Config{ReactionURL: srv.URL})
	err := p.RemoveReaction(context.Background(), &notification.IncomingNotification{}, "C", "ts", "x")

	var de *plugin.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusInternalServerError, de.StatusCode)
}

func TestRepliesWithoutEvent(t *testing.T) {
	p, _, _ := newPlugin(t, Config{MessageURL: "http://127.0.0.1:0", ReactionURL: "http://127.0.0.1:0"})
	ctx := context.Background()

	assert.ErrorIs(t, p.SendMessage(ctx, "hi", nil, notification.MessageText), plugin.ErrNoEvent)
	assert.ErrorIs(t, p.AddReaction(ctx, nil, "C", "ts", "x"), plugin.ErrNoEvent)
	assert.ErrorIs(t, p.RemoveReaction(ctx, nil, "C", "ts", "x"), plugin.ErrNoEvent)
}
