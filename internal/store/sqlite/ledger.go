package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

type ledgerTx struct {
	tx *sql.Tx
}

type scanner interface {
	Scan(dest ...any) error
}

func (t *ledgerTx) Commit(context.Context) error {
	return mapErr("commit", t.tx.Commit())
}

func (t *ledgerTx) Rollback(context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return mapErr("rollback", err)
}

// Accounts

func (t *ledgerTx) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	var a domain.Account
	var created, updated int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, balance, native_balance, created_at, updated_at FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.Balance, &a.NativeBalance, &created, &updated)
	if err != nil {
		return domain.Account{}, mapErr("get account "+id, err)
	}
	a.CreatedAt, a.UpdatedAt = fromNanos(created), fromNanos(updated)
	return a, nil
}

func (t *ledgerTx) PutAccount(ctx context.Context, a domain.Account) error {
	const query = `
		INSERT INTO accounts (id, balance, native_balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			balance        = excluded.balance,
			native_balance = excluded.native_balance,
			updated_at     = excluded.updated_at`
	_, err := t.tx.ExecContext(ctx, query, a.ID, a.Balance, a.NativeBalance, toNanos(a.CreatedAt), toNanos(a.UpdatedAt))
	return mapErr("put account "+a.ID, err)
}

// Markets

const marketColumns = `
	id, category, question, outcome_a, outcome_b, status, closes_at,
	volume, participants, winning_outcome, resolution_source, dispute_reason,
	closed_at, resolved_at, created_at, updated_at`

func scanMarket(row scanner) (domain.Market, error) {
	var m domain.Market
	var status string
	var closesAt, created, updated int64
	var winning, closedAt, resolvedAt sql.NullInt64
	err := row.Scan(
		&m.ID, &m.Category, &m.Question, &m.Outcomes[0], &m.Outcomes[1], &status, &closesAt,
		&m.Volume, &m.Participants, &winning, &m.ResolutionSource, &m.DisputeReason,
		&closedAt, &resolvedAt, &created, &updated,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	m.ClosesAt = fromNanos(closesAt)
	m.WinningOutcome = intPtr(winning)
	m.ClosedAt, m.ResolvedAt = timePtr(closedAt), timePtr(resolvedAt)
	m.CreatedAt, m.UpdatedAt = fromNanos(created), fromNanos(updated)
	return m, nil
}

func (t *ledgerTx) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	m, err := scanMarket(t.tx.QueryRowContext(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = ?`, id))
	if err != nil {
		return domain.Market{}, mapErr("get market "+id, err)
	}
	return m, nil
}

func (t *ledgerTx) PutMarket(ctx context.Context, m domain.Market) error {
	if err := m.CheckInvariants(); err != nil {
		return fmt.Errorf("sqlite: put market: %w", err)
	}
	const query = `
		INSERT INTO markets (` + marketColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			category          = excluded.category,
			question          = excluded.question,
			status            = excluded.status,
			closes_at         = excluded.closes_at,
			volume            = excluded.volume,
			participants      = excluded.participants,
			winning_outcome   = excluded.winning_outcome,
			resolution_source = excluded.resolution_source,
			dispute_reason    = excluded.dispute_reason,
			closed_at         = excluded.closed_at,
			resolved_at       = excluded.resolved_at,
			updated_at        = excluded.updated_at`
	_, err := t.tx.ExecContext(ctx, query,
		m.ID, m.Category, m.Question, m.Outcomes[0], m.Outcomes[1], string(m.Status), toNanos(m.ClosesAt),
		m.Volume, m.Participants, nullInt(m.WinningOutcome), m.ResolutionSource, m.DisputeReason,
		nullNanos(m.ClosedAt), nullNanos(m.ResolvedAt), toNanos(m.CreatedAt), toNanos(m.UpdatedAt),
	)
	return mapErr("put market "+m.ID, err)
}

func (t *ledgerTx) ListMarkets(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ClosesBefore != nil {
		where = append(where, "closes_at <= ?")
		args = append(args, toNanos(*f.ClosesBefore))
	}
	query := `SELECT ` + marketColumns + ` FROM markets`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY closes_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
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

// Predictions

const predictionColumns = `
	id, account_id, market_id, state, stake, commitment, choice, nonce,
	outcome, payout, committed_at, revealed_at, settled_at`

func scanPrediction(row scanner) (domain.Prediction, error) {
	var p domain.Prediction
	var state, outcome string
	var commitment []byte
	var choice, revealedAt, settledAt sql.NullInt64
	var committedAt int64
	err := row.Scan(
		&p.ID, &p.AccountID, &p.MarketID, &state, &p.Stake, &commitment, &choice, &p.Nonce,
		&outcome, &p.Payout, &committedAt, &revealedAt, &settledAt,
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
	p.Choice = intPtr(choice)
	p.CommittedAt = fromNanos(committedAt)
	p.RevealedAt, p.SettledAt = timePtr(revealedAt), timePtr(settledAt)
	return p, nil
}

func (t *ledgerTx) GetPrediction(ctx context.Context, id string) (domain.Prediction, error) {
	p, err := scanPrediction(t.tx.QueryRowContext(ctx, `SELECT `+predictionColumns+` FROM predictions WHERE id = ?`, id))
	if err != nil {
		return domain.Prediction{}, mapErr("get prediction "+id, err)
	}
	return p, nil
}

func (t *ledgerTx) PutPrediction(ctx context.Context, p domain.Prediction) error {
	const query = `
		INSERT INTO predictions (` + predictionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state       = excluded.state,
			choice      = excluded.choice,
			nonce       = excluded.nonce,
			outcome     = excluded.outcome,
			payout      = excluded.payout,
			revealed_at = excluded.revealed_at,
			settled_at  = excluded.settled_at`
	_, err := t.tx.ExecContext(ctx, query,
		p.ID, p.AccountID, p.MarketID, string(p.State), p.Stake, p.Commitment[:], nullInt(p.Choice), p.Nonce,
		string(p.Outcome), p.Payout, toNanos(p.CommittedAt), nullNanos(p.RevealedAt), nullNanos(p.SettledAt),
	)
	return mapErr("put prediction "+p.ID, err)
}

func (t *ledgerTx) ListPredictions(ctx context.Context, marketID string, f domain.PredictionFilter) ([]domain.Prediction, error) {
	query := `SELECT ` + predictionColumns + ` FROM predictions WHERE market_id = ?`
	args := []any{marketID}
	if f.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, f.AccountID)
	}
	if f.UnsettledOnly {
		query += " AND state IN ('COMMITTED', 'REVEALED')"
	}
	if f.AfterID != "" {
		query += " AND id > ?"
		args = append(args, f.AfterID)
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return t.queryPredictions(ctx, "list predictions", query, args...)
}

func (t *ledgerTx) ListAccountPredictions(ctx context.Context, accountID string, limit int) ([]domain.Prediction, error) {
	query := `SELECT ` + predictionColumns + ` FROM predictions WHERE account_id = ? ORDER BY committed_at DESC, id`
	args := []any{accountID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return t.queryPredictions(ctx, "list account predictions", query, args...)
}

func (t *ledgerTx) queryPredictions(ctx context.Context, op, query string, args ...any) ([]domain.Prediction, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
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

// Settlements

const settlementColumns = `
	market_id, kind, target_status, winning_outcome, source, total_stake, winner_pool, loser_pool,
	revealed_count, unrevealed_count, remainder, remainder_recipient,
	settled_count, paid, completed, created_at, completed_at`

func scanSettlement(row scanner) (domain.Settlement, error) {
	var s domain.Settlement
	var kind, target string
	var winning, completedAt sql.NullInt64
	var created int64
	err := row.Scan(
		&s.MarketID, &kind, &target, &winning, &s.Source, &s.TotalStake, &s.WinnerPool, &s.LoserPool,
		&s.RevealedCount, &s.UnrevealedCount, &s.Remainder, &s.RemainderRecipient,
		&s.SettledCount, &s.Paid, &s.Completed, &created, &completedAt,
	)
	if err != nil {
		return domain.Settlement{}, err
	}
	s.Kind = domain.SettlementKind(kind)
	s.TargetStatus = domain.MarketStatus(target)
	s.WinningOutcome = intPtr(winning)
	s.CreatedAt = fromNanos(created)
	s.CompletedAt = timePtr(completedAt)
	return s, nil
}

func (t *ledgerTx) GetSettlement(ctx context.Context, marketID string) (domain.Settlement, error) {
	s, err := scanSettlement(t.tx.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE market_id = ?`, marketID))
	if err != nil {
		return domain.Settlement{}, mapErr("get settlement "+marketID, err)
	}
	return s, nil
}

func (t *ledgerTx) PutSettlement(ctx context.Context, s domain.Settlement) error {
	const query = `
		INSERT INTO settlements (` + settlementColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (market_id) DO UPDATE SET
			settled_count = excluded.settled_count,
			paid          = excluded.paid,
			completed     = excluded.completed,
			completed_at  = excluded.completed_at`
	_, err := t.tx.ExecContext(ctx, query,
		s.MarketID, string(s.Kind), string(s.TargetStatus), nullInt(s.WinningOutcome), s.Source, s.TotalStake, s.WinnerPool, s.LoserPool,
		s.RevealedCount, s.UnrevealedCount, s.Remainder, s.RemainderRecipient,
		s.SettledCount, s.Paid, s.Completed, toNanos(s.CreatedAt), nullNanos(s.CompletedAt),
	)
	return mapErr("put settlement "+s.MarketID, err)
}

func (t *ledgerTx) ListSettlements(ctx context.Context, pendingOnly bool) ([]domain.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements`
	if pendingOnly {
		query += ` WHERE completed = 0`
	}
	query += ` ORDER BY created_at, market_id`

	rows, err := t.tx.QueryContext(ctx, query)
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

// Fee pools

func (t *ledgerTx) GetFeePool(ctx context.Context, c domain.FeeCategory) (domain.FeePool, error) {
	p := domain.FeePool{Category: c}
	var updated int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT balance, updated_at FROM fee_pools WHERE category = ?`, string(c),
	).Scan(&p.Balance, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return domain.FeePool{}, mapErr("get fee pool "+string(c), err)
	}
	p.UpdatedAt = fromNanos(updated)
	return p, nil
}

func (t *ledgerTx) PutFeePool(ctx context.Context, p domain.FeePool) error {
	const query = `
		INSERT INTO fee_pools (category, balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (category) DO UPDATE SET
			balance    = excluded.balance,
			updated_at = excluded.updated_at`
	_, err := t.tx.ExecContext(ctx, query, string(p.Category), p.Balance, toNanos(p.UpdatedAt))
	return mapErr("put fee pool "+string(p.Category), err)
}

// Journal

func (t *ledgerTx) AppendJournal(ctx context.Context, e domain.JournalEntry) error {
	const query = `
		INSERT INTO journal (id, account_id, amount, kind, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := t.tx.ExecContext(ctx, query, e.ID, e.AccountID, e.Amount, string(e.Kind), e.Reference, toNanos(e.CreatedAt))
	return mapErr("append journal "+e.ID, err)
}

func (t *ledgerTx) GetJournal(ctx context.Context, id string) (domain.JournalEntry, error) {
	const query = `SELECT id, account_id, amount, kind, reference, created_at FROM journal WHERE id = ?`
	var e domain.JournalEntry
	var kind string
	var created int64
	err := t.tx.QueryRowContext(ctx, query, id).Scan(&e.ID, &e.AccountID, &e.Amount, &kind, &e.Reference, &created)
	if err != nil {
		return domain.JournalEntry{}, mapErr("get journal "+id, err)
	}
	e.Kind = domain.JournalKind(kind)
	e.CreatedAt = fromNanos(created)
	return e, nil
}

func (t *ledgerTx) ListJournal(ctx context.Context, accountID string, limit int) ([]domain.JournalEntry, error) {
	query := `SELECT id, account_id, amount, kind, reference, created_at
		FROM journal WHERE account_id = ? ORDER BY seq DESC`
	args := []any{accountID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list journal", err)
	}
	defer rows.Close()

	var out []domain.JournalEntry
	for rows.Next() {
		var e domain.JournalEntry
		var kind string
		var created int64
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &kind, &e.Reference, &created); err != nil {
			return nil, mapErr("scan journal", err)
		}
		e.Kind = domain.JournalKind(kind)
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	return out, mapErr("list journal rows", rows.Err())
}
