package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

func (s *Service) WriteEvent(ctx context.Context, evt Event) error {
	evt = normalize(evt)
	err := s.insert(ctx, evt)
	if err == nil {
		return nil
	}

	if s.Spool == nil {
		return fmt.Errorf("audit write: %w", err)
	}
	s.logger.Warn("audit write failed, spooling event", zap.String("event_id", evt.EventID.String()), zap.Error(err))
	if spoolErr := s.Spool.Append(evt); spoolErr != nil {
		s.logger.Error("audit spool failed", zap.String("event_id", evt.EventID.String()), zap.Error(spoolErr))
		return fmt.Errorf("audit critical failure: %w", spoolErr)
	}
	return nil
}

func normalize(evt Event) Event {
	if evt.EventID == uuid.Nil {
		evt.EventID = uuid.New()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	if len(evt.Metadata) == 0 {
		evt.Metadata = json.RawMessage("{}")
	}
	return evt
}

func (s *Service) insert(ctx context.Context, evt Event) error {
	query := `
		INSERT INTO audit_events (
			event_id, installation_id, plugin_id, action, result,
			reason_code, request_id, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING
	`

	_, err := s.DB.ExecContext(ctx, query,
		evt.EventID, evt.InstallationID, evt.PluginID, evt.Action, evt.Result,
		evt.ReasonCode, evt.RequestID, string(evt.Metadata), evt.CreatedAt,
	)
	return err
}

// Append-only: no update or delete.

// QueryEvents returns one page of an installation's trail, newest first, and the
// cursor for the next page.
func (s *Service) QueryEvents(ctx context.Context, f Filter) ([]Event, string, error) {
	q := `SELECT id, event_id, installation_id, plugin_id, action, result, reason_code, created_at, metadata
	      FROM audit_events
	      WHERE installation_id = $1`
	args := []any{f.InstallationID}
	idx := 2

	if f.PluginID != "" {
		q += fmt.Sprintf(" AND plugin_id = $%d", idx)
		args = append(args, f.PluginID)
		idx++
	}
	if f.Result != "" {
		q += fmt.Sprintf(" AND result = $%d", idx)
		args = append(args, f.Result)
		idx++
	}
	if f.Cursor != "" {
		cursor, err := uuid.Parse(f.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		q += fmt.Sprintf(" AND (created_at, id) < (SELECT created_at, id FROM audit_events WHERE id = $%d)", idx)
		args = append(args, cursor)
		idx++
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var events []Event
	var lastID string
	for rows.Next() {
		var evt Event
		var meta []byte
		if err := rows.Scan(&evt.ID, &evt.EventID, &evt.InstallationID, &evt.PluginID, &evt.Action, &evt.Result, &evt.ReasonCode, &evt.CreatedAt, &meta); err != nil {
			return nil, "", err
		}
		if len(meta) > 0 {
			evt.Metadata = json.RawMessage(meta)
		}
		events = append(events, evt)
		lastID = evt.ID.String()
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	if len(events) < limit {
		lastID = ""
	}
	return events, lastID, nil
}
