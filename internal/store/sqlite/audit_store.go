package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

// AuditStore implements domain.AuditStore on SQLite.
type AuditStore struct {
	db *sql.DB
}

var _ domain.AuditStore = (*AuditStore)(nil)

// Log appends an entry; detail is stored as JSON text.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, market_id, detail, created_at) VALUES (?, ?, ?, ?)`,
		event, domain.AuditMarketID(detail), string(detailJSON), time.Now().UnixNano(),
	)
	if err != nil {
		return mapErr("log audit event "+event, err)
	}
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var where []string
	var args []any
	if opts.MarketID != "" {
		where = append(where, "market_id = ?")
		args = append(args, opts.MarketID)
	}
	if opts.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, toNanos(*opts.Since))
	}
	if opts.Until != nil {
		where = append(where, "created_at <= ?")
		args = append(args, toNanos(*opts.Until))
	}
	query := `SELECT id, event, market_id, detail, created_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list audit entries", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detail sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.Event, &e.MarketID, &detail, &created); err != nil {
			return nil, mapErr("scan audit entry", err)
		}
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		e.CreatedAt = fromNanos(created)
		entries = append(entries, e)
	}
	return entries, mapErr("list audit entries rows", rows.Err())
}
