package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"fundledger.org/internal/auth"
)

var testSettings = Settings{
	PivotCurrency:   "USD",
	LocalCurrency:   "KZT",
	PivotRate:       decimal.NewFromInt(500),
	DefaultCurrency: "USD",
	Timezone:        "UTC",
}

type fixture struct {
	t     *testing.T
	store *InMemory
	svc   *Service
	now   time.Time
	ctx   context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		store: NewInMemory(),
		now:   time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		ctx:   auth.ContextWithUser(context.Background(), "admin-1", []string{auth.RoleAdmin}),
	}
	f.svc = NewService(f.store, WithClock(func() time.Time { return f.now }))
	return f
}

func viewerCtx() context.Context {
	return auth.ContextWithUser(context.Background(), "viewer-1", []string{auth.RoleViewer})
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(s string) time.Time {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return d
}

func requireDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, got.Equal(dec(want)), "want %s, got %s %v", want, got, msgAndArgs)
}

// investor registers an investor that joined on joined and deposits capital (pivot).
func (f *fixture) investor(name string, joined time.Time, capital string) Investor {
	f.t.Helper()
	inv, err := f.svc.CreateInvestor(f.ctx, Investor{DisplayName: name, CreatedAt: joined})
	require.NoError(f.t, err)
	if capital != "" && !dec(capital).IsZero() {
		f.deposit(inv.ID, capital)
	}
	return f.get(inv.ID)
}

func (f *fixture) deposit(investorID, amount string) Transaction {
	f.t.Helper()
	tx, err := f.svc.RecordTransaction(f.ctx, testSettings, RecordInput{
		InvestorID: investorID,
		Kind:       KindDeposit,
		Amount:     dec(amount),
	})
	require.NoError(f.t, err)
	return tx
}

func (f *fixture) withdraw(investorID, amount string) (Transaction, error) {
	return f.svc.RecordTransaction(f.ctx, testSettings, RecordInput{
		InvestorID: investorID,
		Kind:       KindWithdrawal,
		Amount:     dec(amount),
	})
}

func (f *fixture) get(id string) Investor {
	f.t.Helper()
	inv, err := f.svc.GetInvestor(f.ctx, id)
	require.NoError(f.t, err)
	return inv
}

func (f *fixture) year(start, end, pool string, rolloverPct string) FinancialYear {
	f.t.Helper()
	in := YearInput{
		StartDate:       day(start),
		EndDate:         day(end),
		TotalProfitPool: dec(pool),
	}
	if rolloverPct != "" {
		in.RolloverEnabled = true
		in.RolloverPercentage = dec(rolloverPct)
	}
	y, err := f.svc.CreateFinancialYear(f.ctx, in)
	require.NoError(f.t, err)
	return y
}

// creditProfit journals a PROFIT entry directly, the way approval does, so the
// investor holds rollover balance without running a whole year.
func (f *fixture) creditProfit(investorID, amount string) {
	f.t.Helper()
	err := f.store.WithinTx(f.ctx, func(ctx context.Context, tx Tx) error {
		t := Transaction{
			ID:                    newID(),
			InvestorID:            investorID,
			Kind:                  KindProfit,
			Amount:                dec(amount),
			Currency:              "USD",
			Rate:                  decimal.NewFromInt(1),
			PivotAmount:           dec(amount),
			WithdrawSource:        SourceNone,
			WithdrawFromPrincipal: decimal.Zero,
			Status:                TxPending,
			Date:                  f.now,
			CreatedAt:             f.now,
		}
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return err
		}
		_, err := f.svc.applyDelta(ctx, tx, investorID, decimal.Zero, t.PivotAmount)
		return err
	})
	require.NoError(f.t, err)
}

func (f *fixture) distribution(yearID, investorID string) Distribution {
	f.t.Helper()
	dists, err := f.svc.GetDistributions(f.ctx, yearID)
	require.NoError(f.t, err)
	for _, d := range dists {
		if d.InvestorID == investorID {
			return d
		}
	}
	f.t.Fatalf("no distribution for investor %s in year %s", investorID, yearID)
	return Distribution{}
}

func (f *fixture) requireBalanced(investorID string) {
	f.t.Helper()
	rec, err := f.svc.ReconcileInvestor(f.ctx, investorID)
	require.NoError(f.t, err)
	require.Truef(f.t, rec.Balanced, "journal replay %s/%s, stored %s/%s",
		rec.ReplayedAmount, rec.ReplayedRollover, rec.Investor.Amount, rec.Investor.RolloverAmount)
	inv := rec.Investor
	require.True(f.t, inv.TotalAmount.Equal(inv.Amount.Add(inv.RolloverAmount)), "total must equal amount + rollover")
}
