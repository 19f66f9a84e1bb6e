package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oddsworks/vigil/internal/billing"
)

// SaveUsage upserts the billing record for one (subscriber, event) pair.
// Satisfies billing.UsageStore.
func (s *Store) SaveUsage(ctx context.Context, subscriber, eventKey string, u billing.Usage) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO billing_usage (subscriber, event_key, usage, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (subscriber, event_key) DO UPDATE SET usage = $3, updated_at = now()`,
		subscriber, eventKey, payload,
	)
	if err != nil {
		return fmt.Errorf("upsert usage: %w", err)
	}
	return nil
}

// UsageRow is one persisted billing record.
type UsageRow struct {
	Subscriber string
	EventKey   string
	Usage      billing.Usage
}

// LoadUsage returns every persisted billing record, used to restore the
// ledger at startup.
func (s *Store) LoadUsage(ctx context.Context) ([]UsageRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT subscriber, event_key, usage FROM billing_usage`)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var row UsageRow
		var payload []byte
		if err := rows.Scan(&row.Subscriber, &row.EventKey, &payload); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		if err := json.Unmarshal(payload, &row.Usage); err != nil {
			return nil, fmt.Errorf("decode usage for %s/%s: %w", row.Subscriber, row.EventKey, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage: %w", err)
	}
	return out, nil
}
