package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// applyDelta is the only place investor balances change. It locks the investor,
// applies both deltas and refuses any result that would leave a pool negative.
func (s *Service) applyDelta(ctx context.Context, tx Tx, investorID string, principal, rollover decimal.Decimal) (Investor, error) {
	inv, err := tx.LockInvestor(ctx, investorID)
	if err != nil {
		return Investor{}, err
	}
	amount := inv.Amount.Add(principal)
	roll := inv.RolloverAmount.Add(rollover)
	if amount.IsNegative() || roll.IsNegative() {
		return Investor{}, fmt.Errorf("%w: investor %s principal %s rollover %s", ErrInsufficientBalance, investorID, amount, roll)
	}
	inv.Amount = amount
	inv.RolloverAmount = roll
	inv.TotalAmount = amount.Add(roll)
	inv.UpdatedAt = s.now()
	if err := tx.UpdateInvestorBalances(ctx, inv); err != nil {
		return Investor{}, err
	}
	return inv, nil
}

// effect returns the signed change an entry made to (principal, rollover) when it
// was applied, derived only from fields stored on the entry.
func effect(t Transaction) (principal, rollover decimal.Decimal, err error) {
	if !t.Rate.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: transaction %s has no rate", ErrValidation, t.ID)
	}
	p := ToPivot(t.Amount, t.Rate)
	switch t.Kind {
	case KindDeposit, KindRollover:
		return p, decimal.Zero, nil
	case KindProfit:
		return decimal.Zero, p, nil
	case KindWithdrawal:
		p = withdrawnPivot(t, p)
		switch t.WithdrawSource {
		case SourceRollover:
			return decimal.Zero, p.Neg(), nil
		case SourcePrincipal:
			return p.Neg(), decimal.Zero, nil
		case SourceSplit:
			return t.WithdrawFromPrincipal.Neg(), p.Sub(t.WithdrawFromPrincipal).Neg(), nil
		}
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: withdrawal %s has source %q", ErrValidation, t.ID, t.WithdrawSource)
	}
	return decimal.Zero, decimal.Zero, fmt.Errorf("%w: transaction %s has kind %q", ErrValidation, t.ID, t.Kind)
}

// pivotEpsilon absorbs the rounding left by converting local-currency deposits one
// at a time: a withdrawal of the whole balance may exceed it by this much.
var pivotEpsilon = decimal.New(1, -9)

// planWithdrawal decides which pools a withdrawal of need (pivot) draws from and
// returns the pivot amount actually taken. Rollover is drained first; whenever it
// cannot cover need the entry is a SPLIT and the remainder comes out of principal,
// even when rollover is empty. A request within pivotEpsilon above the balance is
// clamped to the balance.
func planWithdrawal(inv Investor, need decimal.Decimal) (WithdrawSource, decimal.Decimal, decimal.Decimal, error) {
	available := inv.Amount.Add(inv.RolloverAmount)
	if need.GreaterThan(available) {
		if need.Sub(available).GreaterThan(pivotEpsilon) {
			return "", decimal.Zero, decimal.Zero, fmt.Errorf("%w: investor %s has %s, requested %s", ErrInsufficientBalance, inv.ID, available, need)
		}
		need = available
	}
	if !need.GreaterThan(inv.RolloverAmount) {
		return SourceRollover, decimal.Zero, need, nil
	}
	return SourceSplit, need.Sub(inv.RolloverAmount), need, nil
}

// withdrawnPivot is the pivot amount a withdrawal took. It is the converted amount
// unless the entry was clamped to the balance when recorded, in which case the
// stored pivot amount is slightly smaller.
func withdrawnPivot(t Transaction, converted decimal.Decimal) decimal.Decimal {
	if t.PivotAmount.IsPositive() && t.PivotAmount.LessThan(converted) &&
		!converted.Sub(t.PivotAmount).GreaterThan(pivotEpsilon) {
		return t.PivotAmount
	}
	return converted
}
