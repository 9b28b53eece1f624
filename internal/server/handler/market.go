package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

// MarketReader is the read side of the market service.
type MarketReader interface {
	Get(ctx context.Context, id string) (domain.Market, error)
}

// ReportReader returns the signed settlement report of a settled market.
type ReportReader interface {
	Report(ctx context.Context, marketID string) (domain.SettlementReport, error)
}

// MarketHandler serves market lookups.
type MarketHandler struct {
	markets MarketReader
	reports ReportReader
	logger  *slog.Logger
}

func NewMarketHandler(markets MarketReader, reports ReportReader, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, reports: reports, logger: logger}
}

// GetMarket returns a market by ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	market, err := h.markets.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get market", id, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// GetReport returns the settlement report of a RESOLVED or VOID market.
// GET /api/markets/{id}/report
func (h *MarketHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	report, err := h.reports.Report(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get report", id, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *MarketHandler) fail(w http.ResponseWriter, r *http.Request, op, id string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
	}
	writeError(w, code, err.Error())
}
