package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPVendor posts messages to a vendor's /send endpoint, which answers with
// the vendor message id and an initial status.
type HTTPVendor struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

type vendorResponse struct {
	VendorMessageID string `json:"vendorMessageId"`
	Status          string `json:"status"`
}

func (p *HTTPVendor) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	payload := map[string]any{
		"messageId":  req.MessageID,
		"customerId": req.CustomerID,
		"message":    req.Text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return DispatchResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.Endpoint, "/")+"/send", bytes.NewReader(body))
	if err != nil {
		return DispatchResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return DispatchResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return DispatchResult{}, fmt.Errorf("vendor temporary error: %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		return DispatchResult{}, backoff.Permanent(fmt.Errorf("vendor permanent error: %s", resp.Status))
	}

	var out vendorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return DispatchResult{}, fmt.Errorf("decode vendor response: %w", err)
	}
	if out.VendorMessageID == "" {
		return DispatchResult{}, fmt.Errorf("vendor response missing vendorMessageId")
	}
	return DispatchResult{
		Success:         !strings.EqualFold(out.Status, "FAILED"),
		VendorMessageID: out.VendorMessageID,
	}, nil
}
