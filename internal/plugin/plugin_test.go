package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/chanbridge/internal/notification"
)

func TestHasRequiredKeys(t *testing.T) {
	keys := []string{"user_id", "channel_id"}
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"all present", `{"user_id":"123","channel_id":"C1"}`, true},
		{"missing channel", `{"user_id":"123"}`, false},
		{"invalid json", `{"invalid_json"}`, false},
		{"extra keys", `{"user_id":1,"channel_id":2,"text":"hi"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var data map[string]any
			_ = json.Unmarshal([]byte(tt.body), &data)
			assert.Equal(t, tt.want, HasRequiredKeys(data, []byte(tt.body), keys))
		})
	}
}

func TestHasRequiredKeysInvalidBodyWithKeys(t *testing.T) {
	data := map[string]any{"user_id": "1", "channel_id": "2"}
	assert.False(t, HasRequiredKeys(data, []byte(`{"user_id":`), []string{"user_id", "channel_id"}))
}

func TestCoercion(t *testing.T) {
	data, err := DecodeEvent([]byte(`{"id":12345678901234567,"f":1.5,"b":true,"s":"x","n":null,"o":{"a":1}}`))
	require.NoError(t, err)

	assert.Equal(t, "12345678901234567", String(data["id"]))
	assert.Equal(t, "1.5", String(data["f"]))
	assert.Equal(t, "true", String(data["b"]))
	assert.Equal(t, "x", String(data["s"]))
	assert.Equal(t, "", String(data["n"]))
	assert.Equal(t, `{"a":1}`, String(data["o"]))
	assert.Equal(t, "", String(data["missing"]))

	assert.True(t, Bool(true))
	assert.True(t, Bool("true"))
	assert.True(t, Bool(json.Number("1")))
	assert.False(t, Bool("nope"))
	assert.False(t, Bool(nil))
}

func TestPayloads(t *testing.T) {
	data, err := DecodeEvent([]byte(`{"images":[{"url":"a"},"b"],"single":{"k":1}}`))
	require.NoError(t, err)

	images := Payloads(data["images"])
	require.Len(t, images, 2)
	assert.JSONEq(t, `{"url":"a"}`, string(images[0]))
	assert.JSONEq(t, `"b"`, string(images[1]))

	single := Payloads(data["single"])
	require.Len(t, single, 1)
	assert.Nil(t, Payloads(nil))
}

func TestDecodeEventRejectsNonObjects(t *testing.T) {
	for _, body := range []string{`{"invalid_json"}`, `null`, `[1,2]`, `{"a":1} trailing`} {
		_, err := DecodeEvent([]byte(body))
		assert.Error(t, err, body)
	}
}

func TestPostNotification(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewPoster("rest", srv.Client(), nil, nil)
	n := notification.OutgoingNotification{
		ChannelID:   "C1",
		Text:        "hi",
		EventType:   notification.EventMessage,
		MessageType: notification.MessageText,
	}
	require.NoError(t, p.PostNotification(context.Background(), n, srv.URL))
	assert.Equal(t, "MESSAGE", got["event_type"])
	assert.Equal(t, "TEXT", got["message_type"])
	assert.Equal(t, "hi", got["text"])
}

func TestPostNotificationNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewPoster("rest", srv.Client(), nil, nil)
	err := p.PostNotification(context.Background(), notification.OutgoingNotification{EventType: notification.EventMessage}, srv.URL)

	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, http.StatusBadGateway, de.StatusCode)
	assert.Equal(t, srv.URL, de.URL)
	assert.Contains(t, de.Body, "nope")
}

func TestPostNotificationNoURL(t *testing.T) {
	p := NewPoster("rest", nil, nil, nil)
	err := p.PostNotification(context.Background(), notification.OutgoingNotification{EventType: notification.EventReactionAdd}, "")
	assert.Error(t, err)
}

func TestReply(t *testing.T) {
	_, err := Reply(nil, notification.EventMessage)
	assert.ErrorIs(t, err, ErrNoEvent)

	out, err := Reply(&notification.IncomingNotification{ChannelID: "C1", ThreadID: "T1"}, notification.EventReactionAdd)
	require.NoError(t, err)
	assert.Equal(t, "C1", out.ChannelID)
	assert.Equal(t, "T1", out.ThreadID)
	assert.Equal(t, notification.EventReactionAdd, out.EventType)
}
