package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

// AuditStore implements domain.AuditStore in memory.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	now     func() time.Time
}

var _ domain.AuditStore = (*AuditStore)(nil)

// NewAuditStore returns an empty audit log.
func NewAuditStore() *AuditStore {
	return &AuditStore{now: time.Now}
}

// Log appends an entry.
func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		MarketID:  domain.AuditMarketID(detail),
		Detail:    maps.Clone(detail),
		CreatedAt: s.now(),
	})
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.AuditEntry
	skipped := 0
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if opts.MarketID != "" && e.MarketID != opts.MarketID {
			continue
		}
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}
