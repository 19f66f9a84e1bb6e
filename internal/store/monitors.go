package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SaveMonitor upserts the full serialized state of one monitor.
func (s *Store) SaveMonitor(ctx context.Context, eventKey string, state any) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal monitor state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO monitors (event_key, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (event_key) DO UPDATE SET state = $2, updated_at = now()`,
		eventKey, payload,
	)
	if err != nil {
		return fmt.Errorf("upsert monitor: %w", err)
	}
	return nil
}

// LoadMonitors returns every persisted monitor state keyed by event.
func (s *Store) LoadMonitors(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.pool.Query(ctx, `SELECT event_key, state FROM monitors`)
	if err != nil {
		return nil, fmt.Errorf("query monitors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var eventKey string
		var state json.RawMessage
		if err := rows.Scan(&eventKey, &state); err != nil {
			return nil, fmt.Errorf("scan monitor: %w", err)
		}
		out[eventKey] = state
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate monitors: %w", err)
	}
	return out, nil
}

// DeleteMonitor removes a monitor's persisted state along with its
// intelligence log, used when a stopped monitor is purged.
func (s *Store) DeleteMonitor(ctx context.Context, eventKey string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM monitors WHERE event_key = $1`, eventKey); err != nil {
		return fmt.Errorf("delete monitor: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM intelligence WHERE event_key = $1`, eventKey); err != nil {
		return fmt.Errorf("delete intelligence log: %w", err)
	}
	return nil
}

// SaveIntelligence upserts an event's intelligence log whole-value. Callers
// cap the log before saving.
func (s *Store) SaveIntelligence(ctx context.Context, eventKey string, items any) error {
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal intelligence: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO intelligence (event_key, items, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (event_key) DO UPDATE SET items = $2, updated_at = now()`,
		eventKey, payload,
	)
	if err != nil {
		return fmt.Errorf("upsert intelligence: %w", err)
	}
	return nil
}

// LoadIntelligence returns an event's intelligence log, or nil if none exists.
func (s *Store) LoadIntelligence(ctx context.Context, eventKey string) (json.RawMessage, error) {
	var items json.RawMessage
	err := s.pool.QueryRow(ctx, `SELECT items FROM intelligence WHERE event_key = $1`, eventKey).Scan(&items)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query intelligence: %w", err)
	}
	return items, nil
}
