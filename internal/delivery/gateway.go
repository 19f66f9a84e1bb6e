package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects for outbound notifications. Downstream channel adapters
// (chat bots, webhooks) subscribe to these and fan out to subscribers.
const (
	SubjectImmediate  = "vigil.delivery.immediate"
	SubjectDigest     = "vigil.delivery.digest"
	SubjectLowBalance = "vigil.delivery.balance"
)

// Immediate is a single high-priority finding pushed as soon as it is
// classified.
type Immediate struct {
	EventKey    string   `json:"event_key"`
	Subscribers []string `json:"subscribers"`
	Author      string   `json:"author"`
	PostID      string   `json:"post_id"`
	Insights    string   `json:"insights"`
	Sentiment   string   `json:"sentiment"`
	Priority    string   `json:"priority"`
	Reason      string   `json:"reason,omitempty"`
	Timestamp   string   `json:"timestamp"`
}

// Digest is a synthesized summary of an event's recent findings.
type Digest struct {
	EventKey    string   `json:"event_key"`
	Subscribers []string `json:"subscribers"`
	Summary     string   `json:"summary"`
	ItemCount   int      `json:"item_count"`
	Timestamp   string   `json:"timestamp"`
}

// BalanceNotice tells one subscriber their wallet is running low or that
// monitoring was suspended for them.
type BalanceNotice struct {
	EventKey   string  `json:"event_key"`
	Subscriber string  `json:"subscriber"`
	Balance    float64 `json:"balance"`
	Message    string  `json:"message"`
	Suspended  bool    `json:"suspended"`
	Timestamp  string  `json:"timestamp"`
}

// Gateway publishes subscriber-facing notifications over NATS. Delivery is
// fire-and-forget: a failed publish is logged, never retried, and never
// blocks the pipeline.
type Gateway struct {
	conn   *nats.Conn
	logger *slog.Logger
	now    func() time.Time
}

func NewGateway(url, token string, logger *slog.Logger) (*Gateway, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Gateway{conn: nc, logger: logger, now: time.Now}, nil
}

func (g *Gateway) DeliverImmediate(ctx context.Context, msg Immediate) {
	msg.Timestamp = g.now().UTC().Format(time.RFC3339)
	g.publish(SubjectImmediate, msg)
}

func (g *Gateway) DeliverDigest(ctx context.Context, msg Digest) {
	msg.Timestamp = g.now().UTC().Format(time.RFC3339)
	g.publish(SubjectDigest, msg)
}

func (g *Gateway) NotifyLowBalance(ctx context.Context, msg BalanceNotice) {
	msg.Timestamp = g.now().UTC().Format(time.RFC3339)
	g.publish(SubjectLowBalance, msg)
}

func (g *Gateway) publish(subject string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal notification", "subject", subject, "error", err)
		return
	}
	if err := g.conn.Publish(subject, payload); err != nil {
		g.logger.Error("failed to publish notification", "subject", subject, "error", err)
	}
}

func (g *Gateway) Close() {
	g.conn.Close()
}
