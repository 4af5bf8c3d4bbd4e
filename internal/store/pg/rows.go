package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fundledger.org/internal/ledger"
)

const (
	investorCols = `id, display_name, contact, amount, rollover_amount, total_amount, created_at, updated_at`
	txCols       = `id, investor_id, kind, amount, currency, rate, pivot_amount, withdraw_source, withdraw_from_principal, status, date, financial_year_id, created_by, created_at, canceled_at`
	yearCols     = `id, label, total_profit_pool, start_date, end_date, total_days, daily_profit, rollover_enabled, rollover_percentage, status, distributed_watermark, created_by, approved_by, approved_at, created_at, updated_at`
	distCols     = `financial_year_id, investor_id, capital_at_computation, share_percentage, days_active, daily_profit_share, accumulated_profit, is_rollover, updated_at`
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func forUpdate(lock bool) string {
	if lock {
		return ` for update`
	}
	return ``
}

func getInvestor(ctx context.Context, q queryer, id string, lock bool) (ledger.Investor, error) {
	row := q.QueryRowContext(ctx, `select `+investorCols+` from investors where id=$1`+forUpdate(lock), id)
	inv, err := scanInvestor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Investor{}, fmt.Errorf("%w: investor %s", ledger.ErrNotFound, id)
	}
	return inv, err
}

func scanInvestor(row scanner) (ledger.Investor, error) {
	var inv ledger.Investor
	err := row.Scan(&inv.ID, &inv.DisplayName, &inv.Contact, &inv.Amount, &inv.RolloverAmount, &inv.TotalAmount, &inv.CreatedAt, &inv.UpdatedAt)
	return inv, err
}

func getTransaction(ctx context.Context, q queryer, id string, lock bool) (ledger.Transaction, error) {
	row := q.QueryRowContext(ctx, `select `+txCols+` from transactions where id=$1`+forUpdate(lock), id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, fmt.Errorf("%w: transaction %s", ledger.ErrNotFound, id)
	}
	return t, err
}

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		t        ledger.Transaction
		kind     string
		source   string
		status   string
		yearID   sql.NullString
		canceled sql.NullTime
	)
	err := row.Scan(&t.ID, &t.InvestorID, &kind, &t.Amount, &t.Currency, &t.Rate, &t.PivotAmount,
		&source, &t.WithdrawFromPrincipal, &status, &t.Date, &yearID, &t.CreatedBy, &t.CreatedAt, &canceled)
	if err != nil {
		return ledger.Transaction{}, err
	}
	t.Kind = ledger.Kind(kind)
	t.WithdrawSource = ledger.WithdrawSource(source)
	t.Status = ledger.TxStatus(status)
	t.FinancialYearID = yearID.String
	if canceled.Valid {
		at := canceled.Time
		t.CanceledAt = &at
	}
	return t, nil
}

func getYear(ctx context.Context, q queryer, id string, lock bool) (ledger.FinancialYear, error) {
	row := q.QueryRowContext(ctx, `select `+yearCols+` from financial_years where id=$1`+forUpdate(lock), id)
	y, err := scanYear(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.FinancialYear{}, fmt.Errorf("%w: financial year %s", ledger.ErrNotFound, id)
	}
	return y, err
}

func scanYear(row scanner) (ledger.FinancialYear, error) {
	var (
		y         ledger.FinancialYear
		status    string
		watermark sql.NullTime
		approved  sql.NullTime
	)
	err := row.Scan(&y.ID, &y.Label, &y.TotalProfitPool, &y.StartDate, &y.EndDate, &y.TotalDays, &y.DailyProfit,
		&y.RolloverEnabled, &y.RolloverPercentage, &status, &watermark, &y.CreatedBy, &y.ApprovedBy, &approved,
		&y.CreatedAt, &y.UpdatedAt)
	if err != nil {
		return ledger.FinancialYear{}, err
	}
	y.Status = ledger.YearStatus(status)
	y.StartDate = ledger.Day(y.StartDate, nil)
	y.EndDate = ledger.Day(y.EndDate, nil)
	if watermark.Valid {
		wm := ledger.Day(watermark.Time, nil)
		y.DistributedWatermark = &wm
	}
	if approved.Valid {
		at := approved.Time
		y.ApprovedAt = &at
	}
	return y, nil
}

func listDistributions(ctx context.Context, q queryer, yearID string) ([]ledger.Distribution, error) {
	rows, err := q.QueryContext(ctx, `
		select `+distCols+` from distributions
		where financial_year_id=$1
		order by share_percentage desc, investor_id asc
	`, yearID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ledger.Distribution
	for rows.Next() {
		var d ledger.Distribution
		if err := rows.Scan(&d.FinancialYearID, &d.InvestorID, &d.CapitalAtComputation, &d.SharePercentage,
			&d.DaysActive, &d.DailyProfitShare, &d.AccumulatedProfit, &d.IsRollover, &d.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// nullable maps "" to SQL NULL.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
