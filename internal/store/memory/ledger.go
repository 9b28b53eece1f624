// Package memory implements the ledger in process memory with optimistic
// concurrency control. It backs tests and single-process deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

var errTxDone = errors.New("memory: transaction already finished")

// Version keys. Range reads register a predicate key that every write
// touching the range bumps, so a concurrent insert invalidates the reader.
const (
	allMarkets     = "markets*"
	allSettlements = "settlements*"
)

func accountKey(id string) string         { return "account:" + id }
func marketKey(id string) string          { return "market:" + id }
func predictionKey(id string) string      { return "prediction:" + id }
func settlementKey(id string) string      { return "settlement:" + id }
func poolKey(c domain.FeeCategory) string { return "pool:" + string(c) }
func journalKey(account string) string    { return "journal:" + account }
func journalEntryKey(id string) string    { return "journal#" + id }
func marketPredsKey(market string) string { return "predictions@market:" + market }
func accountPredsKey(acct string) string  { return "predictions@account:" + acct }

// Ledger is an in-memory domain.Ledger. Transactions read the latest
// committed state, buffer their writes, and validate every version they read
// at commit time; a stale read fails the commit with
// domain.ErrTransientConflict.
type Ledger struct {
	mu sync.RWMutex

	versions    map[string]uint64
	accounts    map[string]domain.Account
	markets     map[string]domain.Market
	predictions map[string]domain.Prediction
	settlements map[string]domain.Settlement
	pools       map[domain.FeeCategory]domain.FeePool
	journal     []domain.JournalEntry

	faultSkip  int
	faultCount int
	lostAcks   int
	commits    int
}

var _ domain.Ledger = (*Ledger)(nil)

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		versions:    make(map[string]uint64),
		accounts:    make(map[string]domain.Account),
		markets:     make(map[string]domain.Market),
		predictions: make(map[string]domain.Prediction),
		settlements: make(map[string]domain.Settlement),
		pools:       make(map[domain.FeeCategory]domain.FeePool),
	}
}

// InjectCommitFaults lets the next skip commits through and then fails the
// following count commits with domain.ErrTransientConflict.
func (l *Ledger) InjectCommitFaults(skip, count int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faultSkip = skip
	l.faultCount = count
}

// InjectLostAcks makes the next count commits apply their writes and then
// report domain.ErrCommitUnknown, as a commit whose acknowledgement was lost
// on the wire does.
func (l *Ledger) InjectLostAcks(count int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lostAcks = count
}

// Commits returns the number of successful commits so far.
func (l *Ledger) Commits() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.commits
}

// Begin opens a transaction.
func (l *Ledger) Begin(ctx context.Context) (domain.LedgerTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{
		l:           l,
		reads:       make(map[string]uint64),
		accounts:    make(map[string]domain.Account),
		markets:     make(map[string]domain.Market),
		predictions: make(map[string]domain.Prediction),
		settlements: make(map[string]domain.Settlement),
		pools:       make(map[domain.FeeCategory]domain.FeePool),
	}, nil
}

type tx struct {
	l    *Ledger
	done bool

	reads map[string]uint64

	accounts    map[string]domain.Account
	markets     map[string]domain.Market
	predictions map[string]domain.Prediction
	settlements map[string]domain.Settlement
	pools       map[domain.FeeCategory]domain.FeePool
	journal     []domain.JournalEntry
}

// observe records the committed version of key the first time it is read.
// Callers hold l.mu.
func (t *tx) observe(key string) {
	if _, ok := t.reads[key]; !ok {
		t.reads[key] = t.l.versions[key]
	}
}

func (t *tx) check() error {
	if t.done {
		return errTxDone
	}
	return nil
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (t *tx) GetAccount(_ context.Context, id string) (domain.Account, error) {
	if err := t.check(); err != nil {
		return domain.Account{}, err
	}
	if a, ok := t.accounts[id]; ok {
		return a, nil
	}
	t.l.mu.RLock()
	defer t.l.mu.RUnlock()
	t.observe(accountKey(id))
	a, ok := t.l.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("memory: account %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

func (t *tx) PutAccount(_ context.Context, a domain.Account) error {
	if err := t.check(); err != nil {
		return err
	}
	if a.Balance < 0 || a.NativeBalance < 0 {
		return fmt.Errorf("memory: account %s: negative balance: %w", a.ID, domain.ErrInsufficientBalance)
	}
	t.accounts[a.ID] = a
	return nil
}

// ---------------------------------------------------------------------------
// Markets
// ---------------------------------------------------------------------------

func (t *tx) GetMarket(_ context.Context, id string) (domain.Market, error) {
	if err := t.check(); err != nil {
		return domain.Market{}, err
	}
	if m, ok := t.markets[id]; ok {
		return m.Clone(), nil
	}
	t.l.mu.RLock()
	defer t.l.mu.RUnlock()
	t.observe(marketKey(id))
	m, ok := t.l.markets[id]
	if !ok {
		return domain.Market{}, fmt.Errorf("memory: market %s: %w", id, domain.ErrNotFound)
	}
	return m.Clone(), nil
}

func (t *tx) PutMarket(_ context.Context, m domain.Market) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := m.CheckInvariants(); err != nil {
		return fmt.Errorf("memory: put market: %w", err)
	}
	t.markets[m.ID] = m.Clone()
	return nil
}

func (t *tx) ListMarkets(_ context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	t.l.mu.RLock()
	t.observe(allMarkets)
	merged := make(map[string]domain.Market, len(t.l.markets)+len(t.markets))
	for id, m := range t.l.markets {
		merged[id] = m
	}
	t.l.mu.RUnlock()
	for id, m := range t.markets {
		merged[id] = m
	}

	out := make([]domain.Market, 0, len(merged))
	for _, m := range merged {
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.ClosesBefore != nil && m.ClosesAt.After(*f.ClosesBefore) {
			continue
		}
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ClosesAt.Equal(out[j].ClosesAt) {
			return out[i].ClosesAt.Before(out[j].ClosesAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Predictions
// ---------------------------------------------------------------------------

func (t *tx) GetPrediction(_ context.Context, id string) (domain.Prediction, error) {
	if err := t.check(); err != nil {
		return domain.Prediction{}, err
	}
	if p, ok := t.predictions[id]; ok {
		return p.Clone(), nil
	}
	t.l.mu.RLock()
	defer t.l.mu.RUnlock()
	t.observe(predictionKey(id))
	p, ok := t.l.predictions[id]
	if !ok {
		return domain.Prediction{}, fmt.Errorf("memory: prediction %s: %w", id, domain.ErrNotFound)
	}
	return p.Clone(), nil
}

func (t *tx) PutPrediction(_ context.Context, p domain.Prediction) error {
	if err := t.check(); err != nil {
		return err
	}
	if p.Stake <= 0 {
		return fmt.Errorf("memory: prediction %s: stake %d: %w", p.ID, p.Stake, domain.ErrInvalidArgument)
	}
	t.predictions[p.ID] = p.Clone()
	return nil
}

func (t *tx) ListPredictions(_ context.Context, marketID string, f domain.PredictionFilter) ([]domain.Prediction, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	merged := make(map[string]domain.Prediction)
	t.l.mu.RLock()
	t.observe(marketPredsKey(marketID))
	for id, p := range t.l.predictions {
		if p.MarketID == marketID {
			merged[id] = p
		}
	}
	t.l.mu.RUnlock()
	for id, p := range t.predictions {
		if p.MarketID == marketID {
			merged[id] = p
		}
	}

	out := make([]domain.Prediction, 0, len(merged))
	for _, p := range merged {
		if f.AccountID != "" && p.AccountID != f.AccountID {
			continue
		}
		if f.UnsettledOnly && p.State.Terminal() {
			continue
		}
		if f.AfterID != "" && strings.Compare(p.ID, f.AfterID) <= 0 {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *tx) ListAccountPredictions(_ context.Context, accountID string, limit int) ([]domain.Prediction, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	merged := make(map[string]domain.Prediction)
	t.l.mu.RLock()
	t.observe(accountPredsKey(accountID))
	for id, p := range t.l.predictions {
		if p.AccountID == accountID {
			merged[id] = p
		}
	}
	t.l.mu.RUnlock()
	for id, p := range t.predictions {
		if p.AccountID == accountID {
			merged[id] = p
		}
	}

	out := make([]domain.Prediction, 0, len(merged))
	for _, p := range merged {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CommittedAt.Equal(out[j].CommittedAt) {
			return out[i].CommittedAt.After(out[j].CommittedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Settlements
// ---------------------------------------------------------------------------

func (t *tx) GetSettlement(_ context.Context, marketID string) (domain.Settlement, error) {
	if err := t.check(); err != nil {
		return domain.Settlement{}, err
	}
	if s, ok := t.settlements[marketID]; ok {
		return s.Clone(), nil
	}
	t.l.mu.RLock()
	defer t.l.mu.RUnlock()
	t.observe(settlementKey(marketID))
	s, ok := t.l.settlements[marketID]
	if !ok {
		return domain.Settlement{}, fmt.Errorf("memory: settlement %s: %w", marketID, domain.ErrNotFound)
	}
	return s.Clone(), nil
}

func (t *tx) PutSettlement(_ context.Context, s domain.Settlement) error {
	if err := t.check(); err != nil {
		return err
	}
	t.settlements[s.MarketID] = s.Clone()
	return nil
}

func (t *tx) ListSettlements(_ context.Context, pendingOnly bool) ([]domain.Settlement, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	t.l.mu.RLock()
	t.observe(allSettlements)
	merged := make(map[string]domain.Settlement, len(t.l.settlements)+len(t.settlements))
	for id, s := range t.l.settlements {
		merged[id] = s
	}
	t.l.mu.RUnlock()
	for id, s := range t.settlements {
		merged[id] = s
	}

	out := make([]domain.Settlement, 0, len(merged))
	for _, s := range merged {
		if pendingOnly && s.Completed {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].MarketID < out[j].MarketID
	})
	return out, nil
}

// ---------------------------------------------------------------------------
// Fee pools
// ---------------------------------------------------------------------------

func (t *tx) GetFeePool(_ context.Context, c domain.FeeCategory) (domain.FeePool, error) {
	if err := t.check(); err != nil {
		return domain.FeePool{}, err
	}
	if p, ok := t.pools[c]; ok {
		return p, nil
	}
	t.l.mu.RLock()
	defer t.l.mu.RUnlock()
	t.observe(poolKey(c))
	p, ok := t.l.pools[c]
	if !ok {
		// Pools exist implicitly with a zero balance.
		return domain.FeePool{Category: c}, nil
	}
	return p, nil
}

func (t *tx) PutFeePool(_ context.Context, p domain.FeePool) error {
	if err := t.check(); err != nil {
		return err
	}
	if p.Balance < 0 {
		return fmt.Errorf("memory: pool %s: negative balance: %w", p.Category, domain.ErrInsufficientBalance)
	}
	t.pools[p.Category] = p
	return nil
}

// ---------------------------------------------------------------------------
// Journal
// ---------------------------------------------------------------------------

func (t *tx) AppendJournal(_ context.Context, e domain.JournalEntry) error {
	if err := t.check(); err != nil {
		return err
	}
	t.journal = append(t.journal, e)
	return nil
}

func (t *tx) GetJournal(_ context.Context, id string) (domain.JournalEntry, error) {
	if err := t.check(); err != nil {
		return domain.JournalEntry{}, err
	}
	for _, e := range t.journal {
		if e.ID == id {
			return e, nil
		}
	}
	t.l.mu.RLock()
	defer t.l.mu.RUnlock()
	t.observe(journalEntryKey(id))
	for _, e := range t.l.journal {
		if e.ID == id {
			return e, nil
		}
	}
	return domain.JournalEntry{}, fmt.Errorf("memory: journal entry %s: %w", id, domain.ErrNotFound)
}

func (t *tx) ListJournal(_ context.Context, accountID string, limit int) ([]domain.JournalEntry, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var all []domain.JournalEntry
	t.l.mu.RLock()
	t.observe(journalKey(accountID))
	for _, e := range t.l.journal {
		if e.AccountID == accountID {
			all = append(all, e)
		}
	}
	t.l.mu.RUnlock()
	for _, e := range t.journal {
		if e.AccountID == accountID {
			all = append(all, e)
		}
	}

	// Newest first.
	out := make([]domain.JournalEntry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Commit / Rollback
// ---------------------------------------------------------------------------

func (t *tx) Commit(ctx context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true
	if err := ctx.Err(); err != nil {
		return err
	}

	l := t.l
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.faultSkip > 0 {
		l.faultSkip--
	} else if l.faultCount > 0 {
		l.faultCount--
		return fmt.Errorf("memory: injected commit fault: %w", domain.ErrTransientConflict)
	}

	for key, seen := range t.reads {
		if l.versions[key] != seen {
			return fmt.Errorf("memory: %s changed since read: %w", key, domain.ErrTransientConflict)
		}
	}

	bump := func(key string) { l.versions[key]++ }

	for id, a := range t.accounts {
		l.accounts[id] = a
		bump(accountKey(id))
	}
	for id, m := range t.markets {
		l.markets[id] = m
		bump(marketKey(id))
		bump(allMarkets)
	}
	for id, p := range t.predictions {
		if prev, ok := l.predictions[id]; ok && prev.AccountID != p.AccountID {
			bump(accountPredsKey(prev.AccountID))
		}
		l.predictions[id] = p
		bump(predictionKey(id))
		bump(marketPredsKey(p.MarketID))
		bump(accountPredsKey(p.AccountID))
	}
	for id, s := range t.settlements {
		l.settlements[id] = s
		bump(settlementKey(id))
		bump(allSettlements)
	}
	for c, p := range t.pools {
		l.pools[c] = p
		bump(poolKey(c))
	}
	for _, e := range t.journal {
		l.journal = append(l.journal, e)
		bump(journalKey(e.AccountID))
		bump(journalEntryKey(e.ID))
	}
	l.commits++
	if l.lostAcks > 0 {
		l.lostAcks--
		return fmt.Errorf("memory: injected lost acknowledgement: %w: %w", domain.ErrTransientConflict, domain.ErrCommitUnknown)
	}
	return nil
}

func (t *tx) Rollback(context.Context) error {
	t.done = true
	return nil
}
