package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	initialReconnectWait = time.Second
	maxReconnectWait     = 30 * time.Second
)

// Handler receives one pushed batch of posts.
type Handler func(posts []Post)

// Client is the process-wide connection to the feed provider: REST calls to
// register and deregister watched handles, and one shared websocket stream
// over which the provider pushes batches of posts. Registration is a shared
// session, so mutating calls are serialized.
type Client struct {
	apiKey    string
	baseURL   string
	streamURL string
	client    *http.Client
	logger    *slog.Logger

	regMu sync.Mutex

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

func NewClient(apiKey, baseURL, streamURL string, logger *slog.Logger) *Client {
	return &Client{
		apiKey:    apiKey,
		baseURL:   baseURL,
		streamURL: streamURL,
		client:    &http.Client{Timeout: 15 * time.Second},
		logger:    logger,
	}
}

type registerRequest struct {
	UserName string `json:"user_name"`
}

type registerResponse struct {
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

// AddUsers registers handles on the shared subscription and returns the ones
// that succeeded. A partial result is not an error; callers decide whether
// zero successes is fatal.
func (c *Client) AddUsers(ctx context.Context, handles []string) ([]string, error) {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	var added []string
	var lastErr error
	for _, handle := range handles {
		if err := c.postRegistration(ctx, "/oapi/tweet_filter/add_user", handle); err != nil {
			c.logger.Warn("failed to register feed account", "handle", handle, "error", err)
			lastErr = err
			continue
		}
		added = append(added, handle)
	}

	if len(added) == 0 && lastErr != nil {
		return nil, fmt.Errorf("register accounts: %w", lastErr)
	}
	return added, nil
}

// RemoveUsers deregisters handles from the shared subscription. Best effort:
// failures are logged and skipped.
func (c *Client) RemoveUsers(ctx context.Context, handles []string) {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	for _, handle := range handles {
		if err := c.postRegistration(ctx, "/oapi/tweet_filter/remove_user", handle); err != nil {
			c.logger.Warn("failed to deregister feed account", "handle", handle, "error", err)
		}
	}
}

func (c *Client) postRegistration(ctx context.Context, path, handle string) error {
	body, err := json.Marshal(registerRequest{UserName: handle})
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("registration request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read registration response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registration returned %d: %s", resp.StatusCode, string(respBody))
	}

	var out registerResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return fmt.Errorf("decode registration response: %w", err)
	}
	if out.Status != "" && out.Status != "success" {
		return fmt.Errorf("registration rejected: %s", out.Message)
	}
	return nil
}

type streamBatch struct {
	Tweets []Post `json:"tweets"`
}

// Start launches the streaming loop, delivering pushed batches to handler.
// The connection reconnects with backoff until Stop is called. Calling Start
// twice is a no-op.
func (c *Client) Start(handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.done = make(chan struct{})
	go c.run(handler, c.done)
}

// Stop terminates the streaming loop.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false
	close(c.done)
}

func (c *Client) run(handler Handler, done chan struct{}) {
	wait := initialReconnectWait
	for {
		select {
		case <-done:
			return
		default:
		}

		header := http.Header{}
		header.Set("x-api-key", c.apiKey)
		conn, _, err := websocket.DefaultDialer.Dial(c.streamURL, header)
		if err != nil {
			c.logger.Warn("feed stream dial failed", "error", err, "retry_in", wait)
			select {
			case <-done:
				return
			case <-time.After(wait):
			}
			if wait < maxReconnectWait {
				wait *= 2
			}
			continue
		}

		c.logger.Info("feed stream connected")
		wait = initialReconnectWait

		c.readLoop(conn, handler, done)
		conn.Close()

		select {
		case <-done:
			return
		default:
			c.logger.Warn("feed stream disconnected, reconnecting")
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, handler Handler, done chan struct{}) {
	// Close the connection when Stop fires so ReadMessage unblocks.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-done:
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var batch streamBatch
		if err := json.Unmarshal(data, &batch); err != nil {
			c.logger.Warn("failed to decode feed batch", "error", err)
			continue
		}
		if len(batch.Tweets) == 0 {
			continue
		}
		handler(batch.Tweets)
	}
}
