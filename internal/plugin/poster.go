package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/user/chanbridge/internal/metrics"
	"github.com/user/chanbridge/internal/notification"
)

// maxErrorBody caps how much of a rejected response is kept for the error.
const maxErrorBody = 4 << 10

// DeliveryError reports a non-2xx answer from an outbound endpoint.
type DeliveryError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Poster POSTs outgoing notifications as JSON. There is no retry; a single
// non-2xx response fails the call.
type Poster struct {
	client   *http.Client
	plugin   string
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// NewPoster creates a Poster for the named plugin. A nil client gets a
// 30 second timeout.
func NewPoster(pluginName string, client *http.Client, logger *slog.Logger, recorder *metrics.Recorder) *Poster {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Poster{
		client:   client,
		plugin:   pluginName,
		logger:   logger.With("component", "poster", "plugin", pluginName),
		recorder: recorder,
	}
}

// PostNotification serializes n and POSTs it to url.
func (p *Poster) PostNotification(ctx context.Context, n notification.OutgoingNotification, url string) error {
	if url == "" {
		return fmt.Errorf("plugin %s: no delivery URL for %s", p.plugin, n.EventType)
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.recorder.DeliveryFailure(ctx, p.plugin, 0)
		return fmt.Errorf("post notification to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		p.recorder.DeliveryFailure(ctx, p.plugin, resp.StatusCode)
		return &DeliveryError{URL: url, StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	p.logger.Debug("notification delivered",
		"event_type", n.EventType.String(),
		"channel_id", n.ChannelID,
		"status", resp.StatusCode,
	)
	return nil
}
