package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fundledger.org/internal/obs"
)

// RecordInput describes a deposit or withdrawal entered by an operator.
type RecordInput struct {
	InvestorID      string
	Kind            Kind
	Amount          decimal.Decimal
	Currency        string
	Date            time.Time
	FinancialYearID string
}

// RecordTransaction appends a DEPOSIT or WITHDRAWAL to the journal and applies it
// to the investor's balances in the same unit of work.
func (s *Service) RecordTransaction(ctx context.Context, st Settings, in RecordInput) (Transaction, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return Transaction{}, err
	}
	in.InvestorID = strings.TrimSpace(in.InvestorID)
	if in.InvestorID == "" {
		return Transaction{}, fmt.Errorf("%w: investor id is required", ErrValidation)
	}
	if in.Kind != KindDeposit && in.Kind != KindWithdrawal {
		return Transaction{}, fmt.Errorf("%w: kind must be DEPOSIT or WITHDRAWAL", ErrValidation)
	}
	if !in.Amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: amount must be > 0", ErrValidation)
	}
	currency := strings.TrimSpace(in.Currency)
	if currency == "" {
		currency = st.DefaultCurrency
	}
	code, rate, err := st.Normalizer().RateFor(currency)
	if err != nil {
		return Transaction{}, err
	}
	pivot := ToPivot(in.Amount, rate)

	now := s.now()
	date := in.Date
	if date.IsZero() {
		date = now
	}
	t := Transaction{
		ID:                    newID(),
		InvestorID:            in.InvestorID,
		Kind:                  in.Kind,
		Amount:                in.Amount,
		Currency:              code,
		Rate:                  rate,
		PivotAmount:           pivot,
		WithdrawSource:        SourceNone,
		WithdrawFromPrincipal: decimal.Zero,
		Status:                TxPending,
		Date:                  date.UTC(),
		FinancialYearID:       strings.TrimSpace(in.FinancialYearID),
		CreatedBy:             actor,
		CreatedAt:             now,
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		inv, err := tx.LockInvestor(ctx, t.InvestorID)
		if err != nil {
			return err
		}
		if t.FinancialYearID != "" {
			if _, err := tx.LockFinancialYear(ctx, t.FinancialYearID); err != nil {
				return err
			}
		}
		if t.Kind == KindWithdrawal {
			src, fromPrincipal, taken, err := planWithdrawal(inv, pivot)
			if err != nil {
				return err
			}
			t.WithdrawSource = src
			t.WithdrawFromPrincipal = fromPrincipal
			t.PivotAmount = taken
		}
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return err
		}
		dp, dr, err := effect(t)
		if err != nil {
			return err
		}
		_, err = s.applyDelta(ctx, tx, t.InvestorID, dp, dr)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	obs.ObserveTransaction(string(t.Kind), "recorded")
	s.logger.Info("transaction recorded",
		zap.String("id", t.ID),
		zap.String("investor_id", t.InvestorID),
		zap.String("kind", string(t.Kind)),
		zap.String("pivot_amount", t.PivotAmount.String()),
		zap.String("withdraw_source", string(t.WithdrawSource)),
	)
	return t, nil
}

// CancelTransaction reverses an entry's balance effect and marks it CANCELED.
// Canceling an already canceled entry is a no-op.
func (s *Service) CancelTransaction(ctx context.Context, id string) (Transaction, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return Transaction{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Transaction{}, fmt.Errorf("%w: transaction id is required", ErrValidation)
	}
	var out Transaction
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		t, err := s.cancelInTx(ctx, tx, id)
		out = t
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	obs.ObserveTransaction(string(out.Kind), "canceled")
	s.logger.Info("transaction canceled", zap.String("id", out.ID), zap.String("investor_id", out.InvestorID))
	return out, nil
}

// CancelTransactions cancels a batch atomically, newest entry first, so that
// later entries that depended on earlier ones are unwound before them.
func (s *Service) CancelTransactions(ctx context.Context, ids []string) ([]Transaction, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no transaction ids", ErrValidation)
	}
	var out []Transaction
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		out = out[:0]
		batch := make([]Transaction, 0, len(ids))
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if _, dup := seen[id]; dup || id == "" {
				continue
			}
			seen[id] = struct{}{}
			t, err := tx.LockTransaction(ctx, id)
			if err != nil {
				return err
			}
			batch = append(batch, t)
		}
		sort.Slice(batch, func(i, j int) bool { return newerFirst(batch[i], batch[j]) })
		for _, t := range batch {
			canceled, err := s.cancelInTx(ctx, tx, t.ID)
			if err != nil {
				return err
			}
			out = append(out, canceled)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, t := range out {
		obs.ObserveTransaction(string(t.Kind), "canceled")
	}
	s.logger.Info("transactions canceled", zap.Int("count", len(out)))
	return out, nil
}

func (s *Service) cancelInTx(ctx context.Context, tx Tx, id string) (Transaction, error) {
	t, err := tx.LockTransaction(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if t.Status == TxCanceled {
		return t, nil
	}
	dp, dr, err := effect(t)
	if err != nil {
		return Transaction{}, err
	}
	if _, err := s.applyDelta(ctx, tx, t.InvestorID, dp.Neg(), dr.Neg()); err != nil {
		return Transaction{}, err
	}
	at := s.now()
	if err := tx.MarkTransactionCanceled(ctx, t.ID, at); err != nil {
		return Transaction{}, err
	}
	t.Status = TxCanceled
	t.CanceledAt = &at
	return t, nil
}

// Reconciliation compares stored balances with a replay of the PENDING journal.
type Reconciliation struct {
	Investor         Investor        `json:"investor"`
	ReplayedAmount   decimal.Decimal `json:"replayed_amount"`
	ReplayedRollover decimal.Decimal `json:"replayed_rollover"`
	Entries          int             `json:"entries"`
	Balanced         bool            `json:"balanced"`
}

// ReconcileInvestor replays every PENDING entry of the investor and reports whether
// the result matches the stored principal and rollover balances.
func (s *Service) ReconcileInvestor(ctx context.Context, investorID string) (Reconciliation, error) {
	inv, err := s.GetInvestor(ctx, investorID)
	if err != nil {
		return Reconciliation{}, err
	}
	rec := Reconciliation{Investor: inv, ReplayedAmount: decimal.Zero, ReplayedRollover: decimal.Zero}
	filter := TransactionFilter{InvestorID: inv.ID, Status: TxPending, Limit: 1000}
	for {
		page, err := s.store.ListTransactions(ctx, filter)
		if err != nil {
			return Reconciliation{}, err
		}
		for _, t := range page {
			dp, dr, err := effect(t)
			if err != nil {
				return Reconciliation{}, err
			}
			rec.ReplayedAmount = rec.ReplayedAmount.Add(dp)
			rec.ReplayedRollover = rec.ReplayedRollover.Add(dr)
			rec.Entries++
		}
		if len(page) < filter.Limit {
			break
		}
		last := page[len(page)-1]
		filter.BeforeDate, filter.BeforeID = last.Date, last.ID
	}
	rec.Balanced = rec.ReplayedAmount.Equal(inv.Amount) && rec.ReplayedRollover.Equal(inv.RolloverAmount)
	return rec, nil
}
