package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

// AuditLister is the read side of the audit log.
type AuditLister interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// AuditHandler serves a market's lifecycle history.
type AuditHandler struct {
	audit  AuditLister
	logger *slog.Logger
}

func NewAuditHandler(audit AuditLister, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger}
}

// GetMarketAudit returns the newest audit entries of one market.
// GET /api/markets/{id}/audit?limit=100&offset=0
func (h *AuditHandler) GetMarketAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	opts := domain.ListOpts{MarketID: id, Limit: 100}
	q := r.URL.Query()
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		opts.Limit = min(n, 1000)
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		opts.Offset = n
	}

	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), err.Error())
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
