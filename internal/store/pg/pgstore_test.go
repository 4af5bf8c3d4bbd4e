package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"fundledger.org/internal/ledger"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := New(db,
		WithMaxTries(3),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
	return s, mock
}

var investorColumns = []string{"id", "display_name", "contact", "amount", "rollover_amount", "total_amount", "created_at", "updated_at"}

func investorRow(id, amount string) *sqlmock.Rows {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(investorColumns).AddRow(id, "Alice", "", amount, "0", amount, now, now)
}

func TestWithinTxRetriesSerializationFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from investors where id=\\$1 for update").
		WithArgs("inv-1").
		WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectQuery("select .* from investors where id=\\$1 for update").
		WithArgs("inv-1").
		WillReturnRows(investorRow("inv-1", "100"))
	mock.ExpectCommit()

	attempts := 0
	var got ledger.Investor
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		attempts++
		inv, err := tx.LockInvestor(ctx, "inv-1")
		got = inv
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.True(t, got.Amount.Equal(decimal.NewFromInt(100)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxDoesNotRetryDomainErrors(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from investors where id=\\$1 for update").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(investorColumns))
	mock.ExpectRollback()

	attempts := 0
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		attempts++
		_, err := tx.LockInvestor(ctx, "missing")
		return err
	})
	require.ErrorIs(t, err, ledger.ErrNotFound)
	require.Equal(t, 1, attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxGivesUpAfterMaxTries(t *testing.T) {
	s, mock := newMockStore(t)
	deadlock := &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("delete from distributions").WillReturnError(deadlock)
		mock.ExpectRollback()
	}

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return tx.DeleteDistributions(ctx, "fy-1")
	})
	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	require.Equal(t, "40P01", pgErr.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateInvestorDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("insert into investors").
		WithArgs("inv-1", "Alice", "", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := s.CreateInvestor(context.Background(), ledger.Investor{ID: "inv-1", DisplayName: "Alice"})
	require.ErrorIs(t, err, ledger.ErrValidation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetInvestorNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("select .* from investors where id=\\$1$").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(investorColumns))

	_, err := s.GetInvestor(context.Background(), "nope")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestListTransactionsFilter(t *testing.T) {
	s, mock := newMockStore(t)
	before := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{"id", "investor_id", "kind", "amount", "currency", "rate", "pivot_amount", "withdraw_source",
		"withdraw_from_principal", "status", "date", "financial_year_id", "created_by", "created_at", "canceled_at"}
	canceledAt := before.Add(time.Hour)

	mock.ExpectQuery(`from transactions where investor_id = \$1 and kind = \$2 and \(date, id\) < \(\$3, \$4\) order by date desc, id desc limit \$5`).
		WithArgs("inv-1", "WITHDRAWAL", before, "tx-9", int64(100)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("tx-2", "inv-1", "WITHDRAWAL", "200", "USD", "1", "200", "SPLIT", "150", "CANCELED", before.Add(-time.Hour), nil, "admin", before, canceledAt).
			AddRow("tx-1", "inv-1", "WITHDRAWAL", "50", "USD", "1", "50", "ROLLOVER", "0", "PENDING", before.Add(-2*time.Hour), "fy-1", "admin", before, nil))

	txs, err := s.ListTransactions(context.Background(), ledger.TransactionFilter{
		InvestorID: "inv-1",
		Kind:       ledger.KindWithdrawal,
		BeforeDate: before,
		BeforeID:   "tx-9",
	})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, ledger.SourceSplit, txs[0].WithdrawSource)
	require.True(t, txs[0].WithdrawFromPrincipal.Equal(decimal.NewFromInt(150)))
	require.Equal(t, ledger.TxCanceled, txs[0].Status)
	require.NotNil(t, txs[0].CanceledAt)
	require.Empty(t, txs[0].FinancialYearID)
	require.Equal(t, "fy-1", txs[1].FinancialYearID)
	require.Nil(t, txs[1].CanceledAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkTransactionCanceledRequiresPendingRow(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("update transactions set status='CANCELED'").
		WithArgs("tx-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return tx.MarkTransactionCanceled(ctx, "tx-1", time.Now())
	})
	require.ErrorIs(t, err, ledger.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadSettings(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("from settings where id=1").
		WillReturnRows(sqlmock.NewRows([]string{"pivot_currency", "local_currency", "pivot_rate", "default_currency", "timezone"}).
			AddRow("USD", "KZT", "512.5", "KZT", "Asia/Almaty"))

	st, err := s.LoadSettings(context.Background())
	require.NoError(t, err)
	require.Equal(t, "USD", st.PivotCurrency)
	require.Equal(t, "KZT", st.LocalCurrency)
	require.True(t, st.PivotRate.Equal(decimal.RequireFromString("512.5")))
	require.Equal(t, "Asia/Almaty", st.Timezone)

	mock.ExpectQuery("from settings where id=1").
		WillReturnRows(sqlmock.NewRows([]string{"pivot_currency", "local_currency", "pivot_rate", "default_currency", "timezone"}))
	_, err = s.LoadSettings(context.Background())
	require.ErrorIs(t, err, ledger.ErrConfigurationMissing)
}

func TestSaveSettings(t *testing.T) {
	s, mock := newMockStore(t)
	st := ledger.Settings{PivotCurrency: "USD", LocalCurrency: "KZT", PivotRate: decimal.NewFromInt(500), DefaultCurrency: "USD", Timezone: "UTC"}
	mock.ExpectExec("insert into settings").
		WithArgs("USD", "KZT", sqlmock.AnyArg(), "USD", "UTC", "admin-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.SaveSettings(context.Background(), st, "admin-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
