package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// YearAccrual reports what one accrual run did to one year.
type YearAccrual struct {
	YearID      string    `json:"year_id"`
	From        time.Time `json:"from"`
	Through     time.Time `json:"through"`
	DaysAccrued int       `json:"days_accrued"`
	Err         error     `json:"-"`
}

// AccrualReport is the outcome of AccrueDailyProfits. A failed year does not stop
// the others; its error is kept on its entry.
type AccrualReport struct {
	AsOf  time.Time     `json:"as_of"`
	Years []YearAccrual `json:"years"`
}

// DaysAccrued sums the days accrued across years.
func (r AccrualReport) DaysAccrued() int {
	n := 0
	for _, y := range r.Years {
		n += y.DaysAccrued
	}
	return n
}

// Err joins the per-year failures, or returns nil when every year succeeded.
func (r AccrualReport) Err() error {
	var errs []error
	for _, y := range r.Years {
		if y.Err != nil {
			errs = append(errs, fmt.Errorf("year %s: %w", y.YearID, y.Err))
		}
	}
	return errors.Join(errs...)
}

// AccrueDailyProfits brings every PENDING year up to date through the calendar day
// of asOf in the configured timezone. Running it twice for the same day adds nothing.
// The returned error covers failures that prevent the run as a whole; per-year
// failures are reported in the AccrualReport.
func (s *Service) AccrueDailyProfits(ctx context.Context, st Settings, asOf time.Time) (AccrualReport, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return AccrualReport{}, err
	}
	loc, err := st.Location()
	if err != nil {
		return AccrualReport{}, err
	}
	asOfDay := Day(asOf, loc)
	report := AccrualReport{AsOf: asOfDay}

	filter := YearFilter{Status: YearPending, Limit: 1000}
	var years []FinancialYear
	for {
		page, err := s.store.ListFinancialYears(ctx, filter)
		if err != nil {
			return AccrualReport{}, err
		}
		years = append(years, page...)
		if len(page) < filter.Limit {
			break
		}
		filter.Offset += len(page)
	}

	for _, y := range years {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res := YearAccrual{YearID: y.ID}
		err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			res = YearAccrual{YearID: y.ID}
			locked, err := tx.LockFinancialYear(ctx, y.ID)
			if err != nil {
				return err
			}
			if locked.Status != YearPending {
				return nil
			}
			res.From = locked.nextAccrualDay()
			days, err := s.accrue(ctx, tx, &locked, loc, asOfDay)
			if err != nil {
				return err
			}
			if days == 0 {
				res.From = time.Time{}
				return nil
			}
			res.DaysAccrued = days
			res.Through = *locked.DistributedWatermark
			locked.UpdatedAt = s.now()
			return tx.UpdateFinancialYear(ctx, locked)
		})
		if err != nil {
			res.Err = err
			s.logger.Warn("accrual failed", zap.String("year_id", y.ID), zap.Error(err))
		} else if res.DaysAccrued > 0 {
			s.logger.Info("accrual applied",
				zap.String("year_id", y.ID),
				zap.Int("days", res.DaysAccrued),
				zap.Time("through", res.Through),
			)
		}
		report.Years = append(report.Years, res)
	}
	return report, nil
}

// accrue walks y from its next unaccrued day through min(endDate, asOfDay). Every
// day re-splits dailyProfit across the investors who held principal and had joined
// by that day, adding each one's share to its distribution. Days where no one holds
// capital only move the watermark. Returns the number of days walked.
func (s *Service) accrue(ctx context.Context, tx Tx, y *FinancialYear, loc *time.Location, asOfDay time.Time) (int, error) {
	last := minDay(y.EndDate, asOfDay)
	first := y.nextAccrualDay()
	if first.After(last) {
		return 0, nil
	}
	investors, err := tx.FundedInvestors(ctx)
	if err != nil {
		return 0, err
	}
	existing, err := tx.Distributions(ctx, y.ID)
	if err != nil {
		return 0, err
	}
	dists := make(map[string]Distribution, len(existing)+len(investors))
	for _, d := range existing {
		dists[d.InvestorID] = d
	}
	joined := make(map[string]time.Time, len(investors))
	for _, inv := range investors {
		joined[inv.ID] = Day(inv.CreatedAt, loc)
	}

	now := s.now()
	days := 0
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		days++
		for id, d := range dists {
			d.SharePercentage = decimal.Zero
			d.DailyProfitShare = decimal.Zero
			dists[id] = d
		}
		total := decimal.Zero
		for _, inv := range investors {
			if !joined[inv.ID].After(day) {
				total = total.Add(inv.Amount)
			}
		}
		if !total.IsPositive() {
			continue
		}
		for _, inv := range investors {
			if joined[inv.ID].After(day) {
				continue
			}
			share := inv.Amount.Div(total)
			daily := share.Mul(y.DailyProfit)
			d, ok := dists[inv.ID]
			if !ok {
				d = Distribution{
					FinancialYearID:   y.ID,
					InvestorID:        inv.ID,
					AccumulatedProfit: decimal.Zero,
				}
			}
			d.CapitalAtComputation = inv.Amount
			d.SharePercentage = share.Mul(hundred)
			d.DailyProfitShare = daily
			d.AccumulatedProfit = d.AccumulatedProfit.Add(daily)
			d.DaysActive++
			dists[inv.ID] = d
		}
	}
	for _, d := range dists {
		d.IsRollover = y.RolloverEnabled
		d.UpdatedAt = now
		if err := tx.UpsertDistribution(ctx, d); err != nil {
			return 0, err
		}
	}
	wm := last
	y.DistributedWatermark = &wm
	return days, nil
}
