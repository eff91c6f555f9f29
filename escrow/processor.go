package escrow

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

// HTTPProcessor places holds through the external payment service.
type HTTPProcessor struct {
	url    string
	client *http.Client
}

func NewHTTPProcessor(cfg config.PaymentsConfig) *HTTPProcessor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProcessor{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
	}
}

type holdRequest struct {
	EscrowID string `json:"escrow_id"`
	PayerID  string `json:"payer_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (p *HTTPProcessor) Hold(ctx context.Context, e *types.Escrow) error {
	buf, err := json.Marshal(holdRequest{EscrowID: e.ID, PayerID: e.PayerID, Amount: e.Amount, Currency: e.Currency})
	if err != nil {
		return fmt.Errorf("escrow.Hold: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("escrow.Hold: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("escrow.Hold: %w: %v", types.ErrUpstreamUnavailable, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("escrow.Hold: %w: status %d", types.ErrUpstreamUnavailable, res.StatusCode)
	}
	return nil
}

// NopProcessor approves every hold. Useful for tests and local setups.
type NopProcessor struct{}

func (NopProcessor) Hold(context.Context, *types.Escrow) error { return nil }
