package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fundledger.org/internal/ledger"
)

// pgTx implements ledger.Tx on a serializable *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

var _ ledger.Tx = (*pgTx)(nil)

func (t *pgTx) LockInvestor(ctx context.Context, id string) (ledger.Investor, error) {
	return getInvestor(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateInvestorBalances(ctx context.Context, inv ledger.Investor) error {
	res, err := t.tx.ExecContext(ctx, `
		update investors
		set amount=$2, rollover_amount=$3, total_amount=$4, updated_at=$5
		where id=$1
	`, inv.ID, inv.Amount, inv.RolloverAmount, inv.TotalAmount, inv.UpdatedAt)
	return expectRow(res, err, "investor", inv.ID)
}

func (t *pgTx) FundedInvestors(ctx context.Context) ([]ledger.Investor, error) {
	rows, err := t.tx.QueryContext(ctx, `select `+investorCols+` from investors where amount > 0 order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ledger.Investor
	for rows.Next() {
		inv, err := scanInvestor(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr ledger.Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into transactions(`+txCols+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, tr.ID, tr.InvestorID, string(tr.Kind), tr.Amount, tr.Currency, tr.Rate, tr.PivotAmount,
		string(tr.WithdrawSource), tr.WithdrawFromPrincipal, string(tr.Status), tr.Date,
		nullable(tr.FinancialYearID), tr.CreatedBy, tr.CreatedAt, nullTime(tr.CanceledAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: transaction %s already exists", ledger.ErrValidation, tr.ID)
	}
	return err
}

func (t *pgTx) LockTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	return getTransaction(ctx, t.tx, id, true)
}

func (t *pgTx) MarkTransactionCanceled(ctx context.Context, id string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		update transactions set status='CANCELED', canceled_at=$2
		where id=$1 and status='PENDING'
	`, id, at)
	return expectRow(res, err, "transaction", id)
}

func (t *pgTx) YearTransactions(ctx context.Context, yearID string) ([]ledger.Transaction, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select `+txCols+` from transactions
		where financial_year_id=$1 and status='PENDING'
		order by date desc, id desc
		for update
	`, yearID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ledger.Transaction
	for rows.Next() {
		tr, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, tr)
	}
	return res, rows.Err()
}

func (t *pgTx) InsertFinancialYear(ctx context.Context, y ledger.FinancialYear) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into financial_years(`+yearCols+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, y.ID, y.Label, y.TotalProfitPool, y.StartDate, y.EndDate, y.TotalDays, y.DailyProfit,
		y.RolloverEnabled, y.RolloverPercentage, string(y.Status), nullTime(y.DistributedWatermark),
		y.CreatedBy, y.ApprovedBy, nullTime(y.ApprovedAt), y.CreatedAt, y.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: financial year %s already exists", ledger.ErrValidation, y.ID)
	}
	return err
}

func (t *pgTx) LockFinancialYear(ctx context.Context, id string) (ledger.FinancialYear, error) {
	return getYear(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateFinancialYear(ctx context.Context, y ledger.FinancialYear) error {
	res, err := t.tx.ExecContext(ctx, `
		update financial_years set
			label=$2, total_profit_pool=$3, start_date=$4, end_date=$5, total_days=$6, daily_profit=$7,
			rollover_enabled=$8, rollover_percentage=$9, status=$10, distributed_watermark=$11,
			approved_by=$12, approved_at=$13, updated_at=$14
		where id=$1
	`, y.ID, y.Label, y.TotalProfitPool, y.StartDate, y.EndDate, y.TotalDays, y.DailyProfit,
		y.RolloverEnabled, y.RolloverPercentage, string(y.Status), nullTime(y.DistributedWatermark),
		y.ApprovedBy, nullTime(y.ApprovedAt), y.UpdatedAt)
	return expectRow(res, err, "financial year", y.ID)
}

// DeleteFinancialYear removes the year; distributions and linked transactions
// go with it through on delete cascade.
func (t *pgTx) DeleteFinancialYear(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `delete from financial_years where id=$1`, id)
	return expectRow(res, err, "financial year", id)
}

func (t *pgTx) Distributions(ctx context.Context, yearID string) ([]ledger.Distribution, error) {
	return listDistributions(ctx, t.tx, yearID)
}

func (t *pgTx) UpsertDistribution(ctx context.Context, d ledger.Distribution) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into distributions(`+distCols+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		on conflict (financial_year_id, investor_id) do update set
			capital_at_computation = excluded.capital_at_computation,
			share_percentage = excluded.share_percentage,
			days_active = excluded.days_active,
			daily_profit_share = excluded.daily_profit_share,
			accumulated_profit = excluded.accumulated_profit,
			is_rollover = excluded.is_rollover,
			updated_at = excluded.updated_at
	`, d.FinancialYearID, d.InvestorID, d.CapitalAtComputation, d.SharePercentage, d.DaysActive,
		d.DailyProfitShare, d.AccumulatedProfit, d.IsRollover, d.UpdatedAt)
	return err
}

func (t *pgTx) DeleteDistributions(ctx context.Context, yearID string) error {
	_, err := t.tx.ExecContext(ctx, `delete from distributions where financial_year_id=$1`, yearID)
	return err
}

func expectRow(res sql.Result, err error, what, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ledger.ErrNotFound, what, id)
	}
	return nil
}
