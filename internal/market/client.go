package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client fetches seed context for an event from the market-data API.
// Strictly best-effort: callers degrade to a placeholder when context is
// unavailable.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 20 * time.Second},
		logger:  logger,
	}
}

// FetchContext returns descriptive context for an event, or an empty string
// when the market API has nothing for it.
func (c *Client) FetchContext(ctx context.Context, eventKey string) (string, error) {
	url := fmt.Sprintf("%s/events?slug=%s", c.baseURL, eventKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build market request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("market request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("market request returned %d: %s", resp.StatusCode, string(body))
	}

	var events []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return "", fmt.Errorf("decode market response: %w", err)
	}
	if len(events) == 0 {
		return "", nil
	}

	c.logger.Debug("fetched market context", "event", eventKey, "chars", len(events[0].Description))
	return events[0].Title + "\n\n" + events[0].Description, nil
}
