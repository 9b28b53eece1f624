package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

// AuditStore implements domain.AuditStore on the audit_log table. The
// market an entry concerns is kept in its own column so a market's history
// is an index scan.
type AuditStore struct {
	pool *pgxpool.Pool
}

var _ domain.AuditStore = (*AuditStore)(nil)

// NewAuditStore creates an AuditStore over pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends a lifecycle event. detail is stored as JSONB.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (event, market_id, detail) VALUES ($1, $2, $3)`,
		event, domain.AuditMarketID(detail), raw,
	)
	return mapErr("log audit event "+event, err)
}

// List returns entries newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	param := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if opts.MarketID != "" {
		where = append(where, "market_id = "+param(opts.MarketID))
	}
	if opts.Since != nil {
		where = append(where, "created_at >= "+param(*opts.Since))
	}
	if opts.Until != nil {
		where = append(where, "created_at <= "+param(*opts.Until))
	}

	var q strings.Builder
	q.WriteString(`SELECT id, event, market_id, detail, created_at FROM audit_log`)
	if len(where) > 0 {
		q.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	q.WriteString(" ORDER BY id DESC")
	if opts.Limit > 0 {
		q.WriteString(" LIMIT " + param(opts.Limit))
	}
	if opts.Offset > 0 {
		q.WriteString(" OFFSET " + param(opts.Offset))
	}

	rows, err := s.pool.Query(ctx, q.String(), args...)
	if err != nil {
		return nil, mapErr("list audit entries", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AuditEntry, error) {
		var (
			e   domain.AuditEntry
			raw []byte
		)
		if err := row.Scan(&e.ID, &e.Event, &e.MarketID, &raw, &e.CreatedAt); err != nil {
			return e, err
		}
		if raw != nil {
			if err := json.Unmarshal(raw, &e.Detail); err != nil {
				return e, fmt.Errorf("unmarshal detail of entry %d: %w", e.ID, err)
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, mapErr("list audit entries", err)
	}
	return entries, nil
}
