package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fundledger.org/internal/obs"
)

var hundred = decimal.NewFromInt(100)

// YearInput describes a new financial year.
type YearInput struct {
	Label              string
	StartDate          time.Time
	EndDate            time.Time
	TotalProfitPool    decimal.Decimal
	RolloverEnabled    bool
	RolloverPercentage decimal.Decimal
	Draft              bool
}

// YearPatch carries optional field updates. Nil fields are left unchanged.
type YearPatch struct {
	Label              *string
	StartDate          *time.Time
	EndDate            *time.Time
	TotalProfitPool    *decimal.Decimal
	RolloverEnabled    *bool
	RolloverPercentage *decimal.Decimal
}

func validateYear(y FinancialYear) error {
	if y.StartDate.IsZero() || y.EndDate.IsZero() {
		return fmt.Errorf("%w: start and end dates are required", ErrValidation)
	}
	if y.EndDate.Before(y.StartDate) {
		return fmt.Errorf("%w: end date precedes start date", ErrValidation)
	}
	if y.TotalProfitPool.IsNegative() {
		return fmt.Errorf("%w: profit pool must be >= 0", ErrValidation)
	}
	if y.RolloverPercentage.IsNegative() || y.RolloverPercentage.GreaterThan(hundred) {
		return fmt.Errorf("%w: rollover percentage must be within 0..100", ErrValidation)
	}
	return nil
}

// derive recomputes the values that follow from dates and pool.
func (y *FinancialYear) derive() {
	y.StartDate = Day(y.StartDate, nil)
	y.EndDate = Day(y.EndDate, nil)
	y.TotalDays = DaysInclusive(y.StartDate, y.EndDate)
	y.DailyProfit = decimal.Zero
	if y.TotalDays > 0 {
		y.DailyProfit = y.TotalProfitPool.Div(decimal.NewFromInt(int64(y.TotalDays)))
	}
}

func (s *Service) CreateFinancialYear(ctx context.Context, in YearInput) (FinancialYear, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return FinancialYear{}, err
	}
	now := s.now()
	y := FinancialYear{
		ID:                 newID(),
		Label:              strings.TrimSpace(in.Label),
		TotalProfitPool:    in.TotalProfitPool,
		StartDate:          in.StartDate,
		EndDate:            in.EndDate,
		RolloverEnabled:    in.RolloverEnabled,
		RolloverPercentage: in.RolloverPercentage,
		Status:             YearPending,
		CreatedBy:          actor,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if in.Draft {
		y.Status = YearDraft
	}
	if err := validateYear(y); err != nil {
		return FinancialYear{}, err
	}
	y.derive()
	if y.Label == "" {
		y.Label = fmt.Sprintf("%s..%s", y.StartDate.Format(time.DateOnly), y.EndDate.Format(time.DateOnly))
	}
	if err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertFinancialYear(ctx, y)
	}); err != nil {
		return FinancialYear{}, err
	}
	s.logger.Info("financial year created",
		zap.String("id", y.ID),
		zap.Int("total_days", y.TotalDays),
		zap.String("daily_profit", y.DailyProfit.String()),
	)
	return y, nil
}

// UpdateFinancialYear edits a year that has not been approved. Changing the dates or
// the pool invalidates accrued profit: distributions are discarded, the watermark is
// cleared and a calculated year returns to PENDING.
func (s *Service) UpdateFinancialYear(ctx context.Context, id string, p YearPatch) (FinancialYear, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return FinancialYear{}, err
	}
	var out FinancialYear
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		y, err := tx.LockFinancialYear(ctx, id)
		if err != nil {
			return err
		}
		if !y.Status.editable() {
			return fmt.Errorf("%w: year %s is %s", ErrInvalidStateTransition, y.ID, y.Status)
		}
		reset := false
		if p.Label != nil {
			y.Label = strings.TrimSpace(*p.Label)
		}
		if p.StartDate != nil && !Day(*p.StartDate, nil).Equal(y.StartDate) {
			y.StartDate, reset = *p.StartDate, true
		}
		if p.EndDate != nil && !Day(*p.EndDate, nil).Equal(y.EndDate) {
			y.EndDate, reset = *p.EndDate, true
		}
		if p.TotalProfitPool != nil && !p.TotalProfitPool.Equal(y.TotalProfitPool) {
			y.TotalProfitPool, reset = *p.TotalProfitPool, true
		}
		if p.RolloverEnabled != nil {
			y.RolloverEnabled = *p.RolloverEnabled
		}
		if p.RolloverPercentage != nil {
			y.RolloverPercentage = *p.RolloverPercentage
		}
		if err := validateYear(y); err != nil {
			return err
		}
		if reset {
			y.derive()
			y.DistributedWatermark = nil
			if y.Status == YearCalculated {
				y.Status = YearPending
			}
			if err := tx.DeleteDistributions(ctx, y.ID); err != nil {
				return err
			}
		}
		y.UpdatedAt = s.now()
		out = y
		return tx.UpdateFinancialYear(ctx, y)
	})
	if err != nil {
		return FinancialYear{}, err
	}
	return out, nil
}

// CalculateYear accrues every outstanding day through min(endDate, asOf) and marks
// the year CALCULATED.
func (s *Service) CalculateYear(ctx context.Context, st Settings, id string, asOf time.Time) (FinancialYear, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return FinancialYear{}, err
	}
	loc, err := st.Location()
	if err != nil {
		return FinancialYear{}, err
	}
	asOfDay := Day(asOf, loc)
	var (
		out  FinancialYear
		days int
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		y, err := tx.LockFinancialYear(ctx, id)
		if err != nil {
			return err
		}
		if !y.Status.editable() {
			return fmt.Errorf("%w: year %s is %s", ErrInvalidStateTransition, y.ID, y.Status)
		}
		if asOfDay.Before(y.StartDate) {
			return fmt.Errorf("%w: year %s starts %s", ErrValidation, y.ID, y.StartDate.Format(time.DateOnly))
		}
		funded, err := tx.FundedInvestors(ctx)
		if err != nil {
			return err
		}
		if len(funded) == 0 {
			return fmt.Errorf("%w: no investor holds capital", ErrValidation)
		}
		days, err = s.accrue(ctx, tx, &y, loc, asOfDay)
		if err != nil {
			return err
		}
		y.Status = YearCalculated
		y.UpdatedAt = s.now()
		out = y
		return tx.UpdateFinancialYear(ctx, y)
	})
	if err != nil {
		return FinancialYear{}, err
	}
	obs.ObserveYearTransition(string(YearCalculated))
	s.logger.Info("financial year calculated", zap.String("id", out.ID), zap.Int("days_accrued", days))
	return out, nil
}

// Approval is the outcome of approving a year.
type Approval struct {
	Year          FinancialYear   `json:"year"`
	Transactions  []Transaction   `json:"transactions"`
	TotalRollover decimal.Decimal `json:"total_rollover"`
	TotalPayout   decimal.Decimal `json:"total_payout"`
}

// ApproveYear realizes accumulated profit. Each distribution is split by the year's
// rollover policy: the rollover portion is reinvested into principal through a
// ROLLOVER entry and the rest is credited to the withdrawable rollover balance
// through a PROFIT entry.
func (s *Service) ApproveYear(ctx context.Context, st Settings, id string) (Approval, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return Approval{}, err
	}
	pivot := st.Normalizer().Pivot()
	if pivot == "" {
		return Approval{}, fmt.Errorf("%w: pivot currency is not set", ErrConfigurationMissing)
	}
	var res Approval
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		res = Approval{TotalRollover: decimal.Zero, TotalPayout: decimal.Zero}
		y, err := tx.LockFinancialYear(ctx, id)
		if err != nil {
			return err
		}
		ready := y.Status == YearCalculated || (y.Status == YearPending && y.FullyAccrued())
		if !ready {
			return fmt.Errorf("%w: year %s is %s", ErrInvalidStateTransition, y.ID, y.Status)
		}
		dists, err := tx.Distributions(ctx, y.ID)
		if err != nil {
			return err
		}
		now := s.now()
		for _, d := range dists {
			if !d.AccumulatedProfit.IsPositive() {
				continue
			}
			roll := decimal.Zero
			if y.RolloverEnabled {
				roll = d.AccumulatedProfit.Mul(y.RolloverPercentage).Div(hundred)
			}
			payout := d.AccumulatedProfit.Sub(roll)
			for _, part := range []struct {
				kind   Kind
				amount decimal.Decimal
			}{{KindRollover, roll}, {KindProfit, payout}} {
				if !part.amount.IsPositive() {
					continue
				}
				t := Transaction{
					ID:                    newID(),
					InvestorID:            d.InvestorID,
					Kind:                  part.kind,
					Amount:                part.amount,
					Currency:              pivot,
					Rate:                  decimal.NewFromInt(1),
					PivotAmount:           part.amount,
					WithdrawSource:        SourceNone,
					WithdrawFromPrincipal: decimal.Zero,
					Status:                TxPending,
					Date:                  now,
					FinancialYearID:       y.ID,
					CreatedBy:             actor,
					CreatedAt:             now,
				}
				if err := tx.InsertTransaction(ctx, t); err != nil {
					return err
				}
				dp, dr, err := effect(t)
				if err != nil {
					return err
				}
				if _, err := s.applyDelta(ctx, tx, t.InvestorID, dp, dr); err != nil {
					return err
				}
				res.Transactions = append(res.Transactions, t)
			}
			res.TotalRollover = res.TotalRollover.Add(roll)
			res.TotalPayout = res.TotalPayout.Add(payout)
			if d.IsRollover != y.RolloverEnabled {
				d.IsRollover = y.RolloverEnabled
				d.UpdatedAt = now
				if err := tx.UpsertDistribution(ctx, d); err != nil {
					return err
				}
			}
		}
		y.Status = YearApproved
		y.ApprovedBy = actor
		y.ApprovedAt = &now
		y.UpdatedAt = now
		res.Year = y
		return tx.UpdateFinancialYear(ctx, y)
	})
	if err != nil {
		return Approval{}, err
	}
	obs.ObserveYearTransition(string(YearApproved))
	for _, t := range res.Transactions {
		obs.ObserveTransaction(string(t.Kind), "recorded")
	}
	s.logger.Info("financial year approved",
		zap.String("id", res.Year.ID),
		zap.Int("transactions", len(res.Transactions)),
		zap.String("rollover", res.TotalRollover.String()),
		zap.String("payout", res.TotalPayout.String()),
	)
	return res, nil
}

func (s *Service) CloseYear(ctx context.Context, id string) (FinancialYear, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return FinancialYear{}, err
	}
	var out FinancialYear
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		y, err := tx.LockFinancialYear(ctx, id)
		if err != nil {
			return err
		}
		if !y.Status.realized() {
			return fmt.Errorf("%w: year %s is %s", ErrInvalidStateTransition, y.ID, y.Status)
		}
		y.Status = YearClosed
		y.UpdatedAt = s.now()
		out = y
		return tx.UpdateFinancialYear(ctx, y)
	})
	if err != nil {
		return FinancialYear{}, err
	}
	obs.ObserveYearTransition(string(YearClosed))
	s.logger.Info("financial year closed", zap.String("id", out.ID))
	return out, nil
}

// DeleteYear removes a closed year. Its still-effective entries are reversed newest
// first before the year, its distributions and its entries are deleted. Either all
// of it happens or none of it does.
func (s *Service) DeleteYear(ctx context.Context, id string) (int, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return 0, err
	}
	var reversed int
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		reversed = 0
		y, err := tx.LockFinancialYear(ctx, id)
		if err != nil {
			return err
		}
		if y.Status != YearClosed {
			return fmt.Errorf("%w: year %s is %s", ErrInvalidStateTransition, y.ID, y.Status)
		}
		linked, err := tx.YearTransactions(ctx, y.ID)
		if err != nil {
			return err
		}
		for _, t := range linked {
			if _, err := s.cancelInTx(ctx, tx, t.ID); err != nil {
				return err
			}
			reversed++
		}
		if err := tx.DeleteDistributions(ctx, y.ID); err != nil {
			return err
		}
		return tx.DeleteFinancialYear(ctx, y.ID)
	})
	if err != nil {
		return 0, err
	}
	obs.ObserveYearTransition("DELETED")
	s.logger.Info("financial year deleted", zap.String("id", id), zap.Int("reversed", reversed))
	return reversed, nil
}
