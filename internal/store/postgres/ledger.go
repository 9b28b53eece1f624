package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

// Ledger implements domain.Ledger on PostgreSQL with SERIALIZABLE
// transactions.
type Ledger struct {
	pool *pgxpool.Pool
}

var _ domain.Ledger = (*Ledger)(nil)

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Begin starts a serializable transaction.
func (l *Ledger) Begin(ctx context.Context) (domain.LedgerTx, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, mapErr("begin", err)
	}
	return &ledgerTx{tx: tx}, nil
}

type ledgerTx struct {
	tx pgx.Tx
}

// mapErr translates driver errors into domain errors. Serialization
// failures, deadlocks and dropped connections become ErrTransientConflict.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s: %w", op, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("postgres: %s: %w (%w)", op, domain.ErrTransientConflict, err)
		case "23505":
			return fmt.Errorf("postgres: %s: %w (%w)", op, domain.ErrAlreadyExists, err)
		case "23514", "23503":
			return fmt.Errorf("postgres: %s: %w (%w)", op, domain.ErrInvalidArgument, err)
		}
	}
	var netErr net.Error
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || errors.As(err, &netErr) {
		return fmt.Errorf("postgres: %s: %w (%w)", op, domain.ErrTransientConflict, err)
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}

func (t *ledgerTx) Commit(ctx context.Context) error {
	err := t.tx.Commit(ctx)
	if err == nil {
		return nil
	}
	// Once COMMIT has been sent a broken connection says nothing about
	// whether the server applied it.
	var pgErr *pgconn.PgError
	var netErr net.Error
	if !errors.As(err, &pgErr) && !pgconn.SafeToRetry(err) && (pgconn.Timeout(err) || errors.As(err, &netErr)) {
		return fmt.Errorf("postgres: commit: %w: %w (%w)", domain.ErrTransientConflict, domain.ErrCommitUnknown, err)
	}
	return mapErr("commit", err)
}

func (t *ledgerTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return mapErr("rollback", err)
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (t *ledgerTx) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	const query = `
		SELECT id, balance, native_balance, created_at, updated_at
		FROM accounts WHERE id = $1`
	var a domain.Account
	err := t.tx.QueryRow(ctx, query, id).Scan(&a.ID, &a.Balance, &a.NativeBalance, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return domain.Account{}, mapErr("get account "+id, err)
	}
	return a, nil
}

func (t *ledgerTx) PutAccount(ctx context.Context, a domain.Account) error {
	const query = `
		INSERT INTO accounts (id, balance, native_balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			balance        = EXCLUDED.balance,
			native_balance = EXCLUDED.native_balance,
			updated_at     = EXCLUDED.updated_at`
	_, err := t.tx.Exec(ctx, query, a.ID, a.Balance, a.NativeBalance, a.CreatedAt, a.UpdatedAt)
	return mapErr("put account "+a.ID, err)
}

// ---------------------------------------------------------------------------
// Markets
// ---------------------------------------------------------------------------

const marketColumns = `
	id, category, question, outcome_a, outcome_b, status, closes_at,
	volume, participants, winning_outcome, resolution_source, dispute_reason,
	closed_at, resolved_at, created_at, updated_at`

func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var status string
	err := row.Scan(
		&m.ID, &m.Category, &m.Question, &m.Outcomes[0], &m.Outcomes[1], &status, &m.ClosesAt,
		&m.Volume, &m.Participants, &m.WinningOutcome, &m.ResolutionSource, &m.DisputeReason,
		&m.ClosedAt, &m.ResolvedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	m.Status = domain.MarketStatus(status)
	return m, err
}

func (t *ledgerTx) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	m, err := scanMarket(t.tx.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return domain.Market{}, mapErr("get market "+id, err)
	}
	return m, nil
}

func (t *ledgerTx) PutMarket(ctx context.Context, m domain.Market) error {
	if err := m.CheckInvariants(); err != nil {
		return fmt.Errorf("postgres: put market: %w", err)
	}
	const query = `
		INSERT INTO markets (` + marketColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			category          = EXCLUDED.category,
			question          = EXCLUDED.question,
			status            = EXCLUDED.status,
			closes_at         = EXCLUDED.closes_at,
			volume            = EXCLUDED.volume,
			participants      = EXCLUDED.participants,
			winning_outcome   = EXCLUDED.winning_outcome,
			resolution_source = EXCLUDED.resolution_source,
			dispute_reason    = EXCLUDED.dispute_reason,
			closed_at         = EXCLUDED.closed_at,
			resolved_at       = EXCLUDED.resolved_at,
			updated_at        = EXCLUDED.updated_at`
	_, err := t.tx.Exec(ctx, query,
		m.ID, m.Category, m.Question, m.Outcomes[0], m.Outcomes[1], string(m.Status), m.ClosesAt,
		m.Volume, m.Participants, m.WinningOutcome, m.ResolutionSource, m.DisputeReason,
		m.ClosedAt, m.ResolvedAt, m.CreatedAt, m.UpdatedAt,
	)
	return mapErr("put market "+m.ID, err)
}

func (t *ledgerTx) ListMarkets(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets WHERE 1=1`
	args := []any{}
	argIdx := 1

	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(f.Status))
		argIdx++
	}
	if f.ClosesBefore != nil {
		query += fmt.Sprintf(" AND closes_at <= $%d", argIdx)
		args = append(args, *f.ClosesBefore)
		argIdx++
	}
	query += " ORDER BY closes_at, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list markets", err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, mapErr("scan market", err)
		}
		out = append(out, m)
	}
	return out, mapErr("list markets rows", rows.Err())
}

// ---------------------------------------------------------------------------
// Predictions
// ---------------------------------------------------------------------------

const predictionColumns = `
	id, account_id, market_id, state, stake, commitment, choice, nonce,
	outcome, payout, committed_at, revealed_at, settled_at`

func scanPrediction(row pgx.Row) (domain.Prediction, error) {
	var p domain.Prediction
	var state, outcome string
	var commitment []byte
	err := row.Scan(
		&p.ID, &p.AccountID, &p.MarketID, &state, &p.Stake, &commitment, &p.Choice, &p.Nonce,
		&outcome, &p.Payout, &p.CommittedAt, &p.RevealedAt, &p.SettledAt,
	)
	if err != nil {
		return domain.Prediction{}, err
	}
	if len(commitment) != len(p.Commitment) {
		return domain.Prediction{}, fmt.Errorf("prediction %s: commitment has %d bytes", p.ID, len(commitment))
	}
	copy(p.Commitment[:], commitment)
	p.State = domain.PredictionState(state)
	p.Outcome = domain.SettlementOutcome(outcome)
	return p, nil
}

func (t *ledgerTx) GetPrediction(ctx context.Context, id string) (domain.Prediction, error) {
	p, err := scanPrediction(t.tx.QueryRow(ctx, `SELECT `+predictionColumns+` FROM predictions WHERE id = $1`, id))
	if err != nil {
		return domain.Prediction{}, mapErr("get prediction "+id, err)
	}
	return p, nil
}

func (t *ledgerTx) PutPrediction(ctx context.Context, p domain.Prediction) error {
	const query = `
		INSERT INTO predictions (` + predictionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			state       = EXCLUDED.state,
			choice      = EXCLUDED.choice,
			nonce       = EXCLUDED.nonce,
			outcome     = EXCLUDED.outcome,
			payout      = EXCLUDED.payout,
			revealed_at = EXCLUDED.revealed_at,
			settled_at  = EXCLUDED.settled_at`
	_, err := t.tx.Exec(ctx, query,
		p.ID, p.AccountID, p.MarketID, string(p.State), p.Stake, p.Commitment[:], p.Choice, p.Nonce,
		string(p.Outcome), p.Payout, p.CommittedAt, p.RevealedAt, p.SettledAt,
	)
	return mapErr("put prediction "+p.ID, err)
}

func (t *ledgerTx) ListPredictions(ctx context.Context, marketID string, f domain.PredictionFilter) ([]domain.Prediction, error) {
	query := `SELECT ` + predictionColumns + ` FROM predictions WHERE market_id = $1`
	args := []any{marketID}
	argIdx := 2

	if f.AccountID != "" {
		query += fmt.Sprintf(" AND account_id = $%d", argIdx)
		args = append(args, f.AccountID)
		argIdx++
	}
	if f.UnsettledOnly {
		query += " AND state IN ('COMMITTED', 'REVEALED')"
	}
	if f.AfterID != "" {
		query += fmt.Sprintf(" AND id > $%d", argIdx)
		args = append(args, f.AfterID)
		argIdx++
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}
	return t.queryPredictions(ctx, "list predictions", query, args...)
}

func (t *ledgerTx) ListAccountPredictions(ctx context.Context, accountID string, limit int) ([]domain.Prediction, error) {
	query := `SELECT ` + predictionColumns + ` FROM predictions
		WHERE account_id = $1 ORDER BY committed_at DESC, id`
	args := []any{accountID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return t.queryPredictions(ctx, "list account predictions", query, args...)
}

func (t *ledgerTx) queryPredictions(ctx context.Context, op, query string, args ...any) ([]domain.Prediction, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()

	var out []domain.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, mapErr("scan prediction", err)
		}
		out = append(out, p)
	}
	return out, mapErr(op+" rows", rows.Err())
}

// ---------------------------------------------------------------------------
// Settlements
// ---------------------------------------------------------------------------

const settlementColumns = `
	market_id, kind, target_status, winning_outcome, source, total_stake, winner_pool, loser_pool,
	revealed_count, unrevealed_count, remainder, remainder_recipient,
	settled_count, paid, completed, created_at, completed_at`

func scanSettlement(row pgx.Row) (domain.Settlement, error) {
	var s domain.Settlement
	var kind, target string
	err := row.Scan(
		&s.MarketID, &kind, &target, &s.WinningOutcome, &s.Source, &s.TotalStake, &s.WinnerPool, &s.LoserPool,
		&s.RevealedCount, &s.UnrevealedCount, &s.Remainder, &s.RemainderRecipient,
		&s.SettledCount, &s.Paid, &s.Completed, &s.CreatedAt, &s.CompletedAt,
	)
	s.Kind = domain.SettlementKind(kind)
	s.TargetStatus = domain.MarketStatus(target)
	return s, err
}

func (t *ledgerTx) GetSettlement(ctx context.Context, marketID string) (domain.Settlement, error) {
	s, err := scanSettlement(t.tx.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE market_id = $1`, marketID))
	if err != nil {
		return domain.Settlement{}, mapErr("get settlement "+marketID, err)
	}
	return s, nil
}

func (t *ledgerTx) PutSettlement(ctx context.Context, s domain.Settlement) error {
	const query = `
		INSERT INTO settlements (` + settlementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (market_id) DO UPDATE SET
			settled_count = EXCLUDED.settled_count,
			paid          = EXCLUDED.paid,
			completed     = EXCLUDED.completed,
			completed_at  = EXCLUDED.completed_at`
	_, err := t.tx.Exec(ctx, query,
		s.MarketID, string(s.Kind), string(s.TargetStatus), s.WinningOutcome, s.Source, s.TotalStake, s.WinnerPool, s.LoserPool,
		s.RevealedCount, s.UnrevealedCount, s.Remainder, s.RemainderRecipient,
		s.SettledCount, s.Paid, s.Completed, s.CreatedAt, s.CompletedAt,
	)
	return mapErr("put settlement "+s.MarketID, err)
}

func (t *ledgerTx) ListSettlements(ctx context.Context, pendingOnly bool) ([]domain.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements`
	if pendingOnly {
		query += ` WHERE NOT completed`
	}
	query += ` ORDER BY created_at, market_id`

	rows, err := t.tx.Query(ctx, query)
	if err != nil {
		return nil, mapErr("list settlements", err)
	}
	defer rows.Close()

	var out []domain.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, mapErr("scan settlement", err)
		}
		out = append(out, s)
	}
	return out, mapErr("list settlements rows", rows.Err())
}

// ---------------------------------------------------------------------------
// Fee pools
// ---------------------------------------------------------------------------

func (t *ledgerTx) GetFeePool(ctx context.Context, c domain.FeeCategory) (domain.FeePool, error) {
	p := domain.FeePool{Category: c}
	err := t.tx.QueryRow(ctx,
		`SELECT balance, updated_at FROM fee_pools WHERE category = $1`, string(c),
	).Scan(&p.Balance, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return domain.FeePool{}, mapErr("get fee pool "+string(c), err)
	}
	return p, nil
}

func (t *ledgerTx) PutFeePool(ctx context.Context, p domain.FeePool) error {
	const query = `
		INSERT INTO fee_pools (category, balance, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (category) DO UPDATE SET
			balance    = EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at`
	_, err := t.tx.Exec(ctx, query, string(p.Category), p.Balance, p.UpdatedAt)
	return mapErr("put fee pool "+string(p.Category), err)
}

// ---------------------------------------------------------------------------
// Journal
// ---------------------------------------------------------------------------

func (t *ledgerTx) AppendJournal(ctx context.Context, e domain.JournalEntry) error {
	const query = `
		INSERT INTO journal (id, account_id, amount, kind, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := t.tx.Exec(ctx, query, e.ID, e.AccountID, e.Amount, string(e.Kind), e.Reference, e.CreatedAt)
	return mapErr("append journal "+e.ID, err)
}

func (t *ledgerTx) GetJournal(ctx context.Context, id string) (domain.JournalEntry, error) {
	const query = `SELECT id, account_id, amount, kind, reference, created_at FROM journal WHERE id = $1`
	var e domain.JournalEntry
	var kind string
	err := t.tx.QueryRow(ctx, query, id).Scan(&e.ID, &e.AccountID, &e.Amount, &kind, &e.Reference, &e.CreatedAt)
	if err != nil {
		return domain.JournalEntry{}, mapErr("get journal "+id, err)
	}
	e.Kind = domain.JournalKind(kind)
	return e, nil
}

func (t *ledgerTx) ListJournal(ctx context.Context, accountID string, limit int) ([]domain.JournalEntry, error) {
	query := `SELECT id, account_id, amount, kind, reference, created_at
		FROM journal WHERE account_id = $1 ORDER BY seq DESC`
	args := []any{accountID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list journal", err)
	}
	defer rows.Close()

	var out []domain.JournalEntry
	for rows.Next() {
		var e domain.JournalEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &kind, &e.Reference, &e.CreatedAt); err != nil {
			return nil, mapErr("scan journal", err)
		}
		e.Kind = domain.JournalKind(kind)
		out = append(out, e)
	}
	return out, mapErr("list journal rows", rows.Err())
}
