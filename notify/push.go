package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MrJones267/aryv-coord/config"
	"github.com/MrJones267/aryv-coord/types"
)

// HTTPPusher posts notifications to the push collaborator.
type HTTPPusher struct {
	url    string
	client *http.Client
}

func NewHTTPPusher(cfg config.PushConfig) *HTTPPusher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPPusher{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
	}
}

type pushRequest struct {
	UserID  string            `json:"user_id"`
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Payload map[string]string `json:"payload,omitempty"`
}

func (p *HTTPPusher) Push(ctx context.Context, userId, title, body string, payload map[string]string) error {
	buf, err := json.Marshal(pushRequest{UserID: userId, Title: title, Body: body, Payload: payload})
	if err != nil {
		return fmt.Errorf("notify.Push: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("notify.Push: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify.Push: %w: %v", types.ErrUpstreamUnavailable, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("notify.Push: %w: status %d", types.ErrUpstreamUnavailable, res.StatusCode)
	}
	return nil
}

// NopPusher drops notifications, for deployments without a push collaborator.
type NopPusher struct{}

func (NopPusher) Push(context.Context, string, string, string, map[string]string) error {
	return nil
}
