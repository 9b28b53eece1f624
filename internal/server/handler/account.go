package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

// AccountReader is the read side of the account service.
type AccountReader interface {
	Get(ctx context.Context, id string) (domain.Account, error)
	Journal(ctx context.Context, id string, limit int) ([]domain.JournalEntry, error)
}

// AccountHandler serves balance and journal lookups.
type AccountHandler struct {
	accounts AccountReader
	logger   *slog.Logger
}

func NewAccountHandler(accounts AccountReader, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, logger: logger}
}

type accountResponse struct {
	Account domain.Account        `json:"account"`
	Journal []domain.JournalEntry `json:"journal"`
}

// GetAccount returns an account with its most recent journal entries.
// GET /api/accounts/{id}?limit=50
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, 500)
		}
	}

	acct, err := h.accounts.Get(r.Context(), id)
	if err == nil {
		var journal []domain.JournalEntry
		journal, err = h.accounts.Journal(r.Context(), id, limit)
		if err == nil {
			writeJSON(w, http.StatusOK, accountResponse{Account: acct, Journal: journal})
			return
		}
	}

	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "handler: get account failed",
			slog.String("account_id", id),
			slog.String("error", err.Error()),
		)
	}
	writeError(w, code, err.Error())
}
