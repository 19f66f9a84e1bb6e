package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client talks to the custody service that holds subscriber prepaid wallets.
// It implements billing.Backend. Transport failures surface as errors so the
// ledger never mistakes an unreachable custody service for an empty wallet.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

type balanceResponse struct {
	Balance float64 `json:"balance"`
}

type transferRequest struct {
	Subscriber string  `json:"subscriber"`
	Amount     float64 `json:"amount"`
}

type transferResponse struct {
	Reference string `json:"reference"`
	Error     string `json:"error,omitempty"`
}

func (c *Client) Balance(ctx context.Context, subscriber string) (float64, error) {
	url := fmt.Sprintf("%s/api/v1/balance/%s", c.baseURL, subscriber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build balance request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("balance request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("balance request returned %d: %s", resp.StatusCode, string(body))
	}

	var out balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode balance response: %w", err)
	}
	return out.Balance, nil
}

func (c *Client) Transfer(ctx context.Context, subscriber string, amount float64) (string, error) {
	body, err := json.Marshal(transferRequest{Subscriber: subscriber, Amount: amount})
	if err != nil {
		return "", fmt.Errorf("marshal transfer request: %w", err)
	}

	url := c.baseURL + "/api/v1/transfer"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transfer request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read transfer response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transfer returned %d: %s", resp.StatusCode, string(respBody))
	}

	var out transferResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode transfer response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("transfer rejected: %s", out.Error)
	}

	c.logger.Debug("transfer complete", "subscriber", subscriber, "amount", amount, "reference", out.Reference)
	return out.Reference, nil
}
