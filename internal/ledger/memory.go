package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// InMemory implements Store with in-process concurrency safety. Transactions run one
// at a time against a private copy of the state that replaces the shared state only
// when the callback succeeds.
type InMemory struct {
	mu    sync.RWMutex
	state memState
}

type memState struct {
	investors map[string]Investor
	txs       map[string]Transaction
	years     map[string]FinancialYear
	dists     map[string]map[string]Distribution // year id -> investor id
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{state: memState{
		investors: make(map[string]Investor),
		txs:       make(map[string]Transaction),
		years:     make(map[string]FinancialYear),
		dists:     make(map[string]map[string]Distribution),
	}}
}

func (s memState) clone() memState {
	out := memState{
		investors: make(map[string]Investor, len(s.investors)),
		txs:       make(map[string]Transaction, len(s.txs)),
		years:     make(map[string]FinancialYear, len(s.years)),
		dists:     make(map[string]map[string]Distribution, len(s.dists)),
	}
	for k, v := range s.investors {
		out.investors[k] = v
	}
	for k, v := range s.txs {
		out.txs[k] = v
	}
	for k, v := range s.years {
		out.years[k] = v
	}
	for y, m := range s.dists {
		cp := make(map[string]Distribution, len(m))
		for k, v := range m {
			cp[k] = v
		}
		out.dists[y] = cp
	}
	return out
}

func (s *InMemory) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &memTx{state: &work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// CreateInvestor registers an investor with zero balances. Opening balances are
// recorded as deposits so the journal replays to the stored balance.
func (s *InMemory) CreateInvestor(ctx context.Context, inv Investor) (Investor, error) {
	inv, err := PrepareInvestor(inv)
	if err != nil {
		return Investor{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.investors[inv.ID]; ok {
		return Investor{}, fmt.Errorf("%w: investor %s already exists", ErrValidation, inv.ID)
	}
	s.state.investors[inv.ID] = inv
	return inv, nil
}

func (s *InMemory) GetInvestor(ctx context.Context, id string) (Investor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.state.investors[id]
	if !ok {
		return Investor{}, fmt.Errorf("%w: investor %s", ErrNotFound, id)
	}
	return inv, nil
}

func (s *InMemory) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.state.txs[id]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return t, nil
}

func (s *InMemory) ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Transaction
	for _, t := range s.state.txs {
		if f.InvestorID != "" && t.InvestorID != f.InvestorID {
			continue
		}
		if f.FinancialYearID != "" && t.FinancialYearID != f.FinancialYearID {
			continue
		}
		if f.Kind != "" && t.Kind != f.Kind {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && t.Date.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && t.Date.After(f.To) {
			continue
		}
		if !f.BeforeDate.IsZero() && !olderThan(t, f.BeforeDate, f.BeforeID) {
			continue
		}
		res = append(res, t)
	}
	sort.Slice(res, func(i, j int) bool { return newerFirst(res[i], res[j]) })
	if limit := normalizeLimit(f.Limit); len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *InMemory) GetFinancialYear(ctx context.Context, id string) (FinancialYear, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	y, ok := s.state.years[id]
	if !ok {
		return FinancialYear{}, fmt.Errorf("%w: financial year %s", ErrNotFound, id)
	}
	return y, nil
}

func (s *InMemory) ListFinancialYears(ctx context.Context, f YearFilter) ([]FinancialYear, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []FinancialYear
	for _, y := range s.state.years {
		if f.Status != "" && y.Status != f.Status {
			continue
		}
		res = append(res, y)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID > res[j].ID
	})
	if f.Offset > 0 {
		if f.Offset >= len(res) {
			return nil, nil
		}
		res = res[f.Offset:]
	}
	if limit := normalizeLimit(f.Limit); len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *InMemory) ListDistributions(ctx context.Context, yearID string) ([]Distribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.state.years[yearID]; !ok {
		return nil, fmt.Errorf("%w: financial year %s", ErrNotFound, yearID)
	}
	return sortedDistributions(s.state.dists[yearID]), nil
}

type memTx struct {
	state *memState
}

func (t *memTx) LockInvestor(ctx context.Context, id string) (Investor, error) {
	inv, ok := t.state.investors[id]
	if !ok {
		return Investor{}, fmt.Errorf("%w: investor %s", ErrNotFound, id)
	}
	return inv, nil
}

func (t *memTx) UpdateInvestorBalances(ctx context.Context, inv Investor) error {
	cur, ok := t.state.investors[inv.ID]
	if !ok {
		return fmt.Errorf("%w: investor %s", ErrNotFound, inv.ID)
	}
	cur.Amount = inv.Amount
	cur.RolloverAmount = inv.RolloverAmount
	cur.TotalAmount = inv.TotalAmount
	cur.UpdatedAt = inv.UpdatedAt
	t.state.investors[inv.ID] = cur
	return nil
}

func (t *memTx) FundedInvestors(ctx context.Context) ([]Investor, error) {
	var res []Investor
	for _, inv := range t.state.investors {
		if inv.Amount.IsPositive() {
			res = append(res, inv)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (t *memTx) InsertTransaction(ctx context.Context, tr Transaction) error {
	if _, ok := t.state.txs[tr.ID]; ok {
		return fmt.Errorf("%w: transaction %s already exists", ErrValidation, tr.ID)
	}
	t.state.txs[tr.ID] = tr
	return nil
}

func (t *memTx) LockTransaction(ctx context.Context, id string) (Transaction, error) {
	tr, ok := t.state.txs[id]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return tr, nil
}

func (t *memTx) MarkTransactionCanceled(ctx context.Context, id string, at time.Time) error {
	tr, ok := t.state.txs[id]
	if !ok {
		return fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	tr.Status = TxCanceled
	tr.CanceledAt = &at
	t.state.txs[id] = tr
	return nil
}

func (t *memTx) YearTransactions(ctx context.Context, yearID string) ([]Transaction, error) {
	var res []Transaction
	for _, tr := range t.state.txs {
		if tr.FinancialYearID == yearID && tr.Status == TxPending {
			res = append(res, tr)
		}
	}
	sort.Slice(res, func(i, j int) bool { return newerFirst(res[i], res[j]) })
	return res, nil
}

func (t *memTx) InsertFinancialYear(ctx context.Context, y FinancialYear) error {
	if _, ok := t.state.years[y.ID]; ok {
		return fmt.Errorf("%w: financial year %s already exists", ErrValidation, y.ID)
	}
	t.state.years[y.ID] = y
	return nil
}

func (t *memTx) LockFinancialYear(ctx context.Context, id string) (FinancialYear, error) {
	y, ok := t.state.years[id]
	if !ok {
		return FinancialYear{}, fmt.Errorf("%w: financial year %s", ErrNotFound, id)
	}
	return y, nil
}

func (t *memTx) UpdateFinancialYear(ctx context.Context, y FinancialYear) error {
	if _, ok := t.state.years[y.ID]; !ok {
		return fmt.Errorf("%w: financial year %s", ErrNotFound, y.ID)
	}
	t.state.years[y.ID] = y
	return nil
}

func (t *memTx) DeleteFinancialYear(ctx context.Context, id string) error {
	if _, ok := t.state.years[id]; !ok {
		return fmt.Errorf("%w: financial year %s", ErrNotFound, id)
	}
	delete(t.state.years, id)
	delete(t.state.dists, id)
	for k, tr := range t.state.txs {
		if tr.FinancialYearID == id {
			delete(t.state.txs, k)
		}
	}
	return nil
}

func (t *memTx) Distributions(ctx context.Context, yearID string) ([]Distribution, error) {
	return sortedDistributions(t.state.dists[yearID]), nil
}

func (t *memTx) UpsertDistribution(ctx context.Context, d Distribution) error {
	m, ok := t.state.dists[d.FinancialYearID]
	if !ok {
		m = make(map[string]Distribution)
		t.state.dists[d.FinancialYearID] = m
	}
	m[d.InvestorID] = d
	return nil
}

func (t *memTx) DeleteDistributions(ctx context.Context, yearID string) error {
	delete(t.state.dists, yearID)
	return nil
}

// --- helpers ---

// PrepareInvestor validates a new investor and fills defaults. Balances always start
// at zero.
func PrepareInvestor(inv Investor) (Investor, error) {
	inv.DisplayName = strings.TrimSpace(inv.DisplayName)
	if inv.DisplayName == "" {
		return Investor{}, fmt.Errorf("%w: display name is required", ErrValidation)
	}
	if inv.ID == "" {
		inv.ID = newID()
	}
	now := time.Now().UTC()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = now
	inv.Amount = decimal.Zero
	inv.RolloverAmount = decimal.Zero
	inv.TotalAmount = decimal.Zero
	return inv, nil
}

func sortedDistributions(m map[string]Distribution) []Distribution {
	res := make([]Distribution, 0, len(m))
	for _, d := range m {
		res = append(res, d)
	}
	sort.Slice(res, func(i, j int) bool {
		if c := res[i].SharePercentage.Cmp(res[j].SharePercentage); c != 0 {
			return c > 0
		}
		return res[i].InvestorID < res[j].InvestorID
	})
	return res
}

func newerFirst(a, b Transaction) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.After(b.Date)
	}
	return a.ID > b.ID
}

func olderThan(t Transaction, date time.Time, id string) bool {
	if !t.Date.Equal(date) {
		return t.Date.Before(date)
	}
	return t.ID < id
}
