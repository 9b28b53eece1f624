package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	// MarketID keeps only audit entries about one market.
	MarketID string
}

// Ledger is the durable transactional store behind the core. Implementations
// must provide serializable (or equivalent) isolation: two transactions that
// read and write the same record cannot both commit.
type Ledger interface {
	Begin(ctx context.Context) (LedgerTx, error)
}

// LedgerTx is one open transaction. Reads observe the transaction's own
// writes. Get methods return ErrNotFound for missing records. Commit may fail
// with ErrTransientConflict, in which case nothing was written.
type LedgerTx interface {
	GetAccount(ctx context.Context, id string) (Account, error)
	PutAccount(ctx context.Context, a Account) error

	GetMarket(ctx context.Context, id string) (Market, error)
	PutMarket(ctx context.Context, m Market) error
	ListMarkets(ctx context.Context, f MarketFilter) ([]Market, error)

	GetPrediction(ctx context.Context, id string) (Prediction, error)
	PutPrediction(ctx context.Context, p Prediction) error
	ListPredictions(ctx context.Context, marketID string, f PredictionFilter) ([]Prediction, error)
	ListAccountPredictions(ctx context.Context, accountID string, limit int) ([]Prediction, error)

	GetSettlement(ctx context.Context, marketID string) (Settlement, error)
	PutSettlement(ctx context.Context, s Settlement) error
	ListSettlements(ctx context.Context, pendingOnly bool) ([]Settlement, error)

	GetFeePool(ctx context.Context, c FeeCategory) (FeePool, error)
	PutFeePool(ctx context.Context, p FeePool) error

	AppendJournal(ctx context.Context, e JournalEntry) error
	GetJournal(ctx context.Context, id string) (JournalEntry, error)
	ListJournal(ctx context.Context, accountID string, limit int) ([]JournalEntry, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	MarketID  string         `json:"market_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditMarketID returns the market an audit detail map refers to, or "".
func AuditMarketID(detail map[string]any) string {
	id, _ := detail["market_id"].(string)
	return id
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Migrator is implemented by ledgers that own a schema.
type Migrator interface {
	RunMigrations(ctx context.Context) error
}
