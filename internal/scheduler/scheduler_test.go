package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"fundledger.org/internal/auth"
	"fundledger.org/internal/ledger"
	"fundledger.org/internal/settings"
)

var fundSettings = ledger.Settings{
	PivotCurrency:   "USD",
	LocalCurrency:   "KZT",
	PivotRate:       decimal.NewFromInt(500),
	DefaultCurrency: "USD",
	Timezone:        "UTC",
}

func date(s string) time.Time {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return d
}

type env struct {
	t     *testing.T
	svc   *ledger.Service
	ctx   context.Context
	sched *Scheduler
}

func newEnv(t *testing.T, st ledger.Settings) *env {
	t.Helper()
	svc := ledger.NewService(ledger.NewInMemory())
	return &env{
		t:     t,
		svc:   svc,
		ctx:   auth.ContextWithUser(context.Background(), "admin-1", []string{auth.RoleAdmin}),
		sched: New(svc, settings.NewProvider(settings.NewStatic(st)), Config{}),
	}
}

func (e *env) investor(capital string) ledger.Investor {
	e.t.Helper()
	inv, err := e.svc.CreateInvestor(e.ctx, ledger.Investor{DisplayName: "Alice", CreatedAt: date("2024-12-01")})
	require.NoError(e.t, err)
	_, err = e.svc.RecordTransaction(e.ctx, fundSettings, ledger.RecordInput{
		InvestorID: inv.ID,
		Kind:       ledger.KindDeposit,
		Amount:     decimal.RequireFromString(capital),
	})
	require.NoError(e.t, err)
	return inv
}

func (e *env) year(start, end, pool string) ledger.FinancialYear {
	e.t.Helper()
	y, err := e.svc.CreateFinancialYear(e.ctx, ledger.YearInput{
		StartDate:       date(start),
		EndDate:         date(end),
		TotalProfitPool: decimal.RequireFromString(pool),
	})
	require.NoError(e.t, err)
	return y
}

func (e *env) accumulated(yearID, investorID string) decimal.Decimal {
	e.t.Helper()
	dists, err := e.svc.GetDistributions(e.ctx, yearID)
	require.NoError(e.t, err)
	for _, d := range dists {
		if d.InvestorID == investorID {
			return d.AccumulatedProfit
		}
	}
	return decimal.Zero
}

func TestTickAccruesThroughPreviousDay(t *testing.T) {
	e := newEnv(t, fundSettings)
	inv := e.investor("1000")
	y := e.year("2025-01-01", "2025-01-10", "100")

	res, err := e.sched.Tick(context.Background(), time.Date(2025, 1, 4, 0, 5, 0, 0, time.UTC))
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Equal(t, 3, res.Accrual.DaysAccrued())
	require.True(t, e.accumulated(y.ID, inv.ID).Equal(decimal.NewFromInt(30)))
}

func TestTickRunsOncePerLocalDay(t *testing.T) {
	e := newEnv(t, fundSettings)
	inv := e.investor("1000")
	y := e.year("2025-01-01", "2025-01-10", "100")

	_, err := e.sched.Tick(context.Background(), time.Date(2025, 1, 3, 1, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	res, err := e.sched.Tick(context.Background(), time.Date(2025, 1, 3, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, res.Skipped)

	res, err = e.sched.Tick(context.Background(), time.Date(2025, 1, 4, 0, 1, 0, 0, time.UTC))
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Equal(t, 1, res.Accrual.DaysAccrued())
	require.True(t, e.accumulated(y.ID, inv.ID).Equal(decimal.NewFromInt(30)))
}

func TestRunNowIgnoresDailyGate(t *testing.T) {
	e := newEnv(t, fundSettings)
	e.investor("1000")
	e.year("2025-01-01", "2025-01-10", "100")
	now := time.Date(2025, 1, 3, 1, 0, 0, 0, time.UTC)

	_, err := e.sched.Tick(context.Background(), now)
	require.NoError(t, err)
	res, err := e.sched.RunNow(context.Background(), now)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Equal(t, 0, res.Accrual.DaysAccrued(), "accrual itself is idempotent")
}

func TestTickUsesSettingsTimezone(t *testing.T) {
	st := fundSettings
	st.Timezone = "America/New_York"
	e := newEnv(t, st)
	inv := e.investor("1000")
	y := e.year("2025-01-01", "2025-01-10", "100")

	// 03:00 UTC on Jan 4 is still Jan 3 in New York, so only Jan 1-2 are complete.
	res, err := e.sched.Tick(context.Background(), time.Date(2025, 1, 4, 3, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, res.Day.Equal(date("2025-01-03")))
	require.Equal(t, 2, res.Accrual.DaysAccrued())
	require.True(t, e.accumulated(y.ID, inv.ID).Equal(decimal.NewFromInt(20)))
}

func TestTickApprovesFullyAccruedYears(t *testing.T) {
	e := newEnv(t, fundSettings)
	inv := e.investor("1000")
	done := e.year("2025-01-01", "2025-01-05", "50")
	open := e.year("2025-01-01", "2025-01-31", "310")

	res, err := e.sched.Tick(context.Background(), time.Date(2025, 1, 6, 0, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, res.Err())
	require.Len(t, res.Approved, 1)
	require.Equal(t, done.ID, res.Approved[0].Year.ID)
	require.True(t, res.Approved[0].TotalPayout.Equal(decimal.NewFromInt(50)))

	y, err := e.svc.GetFinancialYear(e.ctx, done.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.YearApproved, y.Status)
	require.Equal(t, auth.SystemUserID, y.ApprovedBy)

	y, err = e.svc.GetFinancialYear(e.ctx, open.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.YearPending, y.Status)

	got, err := e.svc.GetInvestor(e.ctx, inv.ID)
	require.NoError(t, err)
	require.True(t, got.RolloverAmount.Equal(decimal.NewFromInt(50)))
	require.True(t, got.TotalAmount.Equal(got.Amount.Add(got.RolloverAmount)))
}

func TestTickApprovesCalculatedYearOnceFullyAccrued(t *testing.T) {
	e := newEnv(t, fundSettings)
	e.investor("1000")
	full := e.year("2025-01-01", "2025-01-05", "50")
	partial := e.year("2025-01-01", "2025-01-31", "310")

	_, err := e.svc.CalculateYear(e.ctx, fundSettings, full.ID, date("2025-01-05"))
	require.NoError(t, err)
	_, err = e.svc.CalculateYear(e.ctx, fundSettings, partial.ID, date("2025-01-03"))
	require.NoError(t, err)

	res, err := e.sched.Tick(context.Background(), time.Date(2025, 1, 6, 0, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, res.Err())
	require.Len(t, res.Approved, 1)
	require.Equal(t, full.ID, res.Approved[0].Year.ID)

	y, err := e.svc.GetFinancialYear(e.ctx, partial.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.YearCalculated, y.Status)
	require.False(t, y.FullyAccrued())
}

type brokenSettings struct{}

func (brokenSettings) Current(context.Context) (ledger.Settings, error) {
	return ledger.Settings{}, ledger.ErrConfigurationMissing
}

func TestTickFailsWithoutSettings(t *testing.T) {
	svc := ledger.NewService(ledger.NewInMemory())
	s := New(svc, brokenSettings{}, Config{})
	_, err := s.Tick(context.Background(), time.Now())
	require.ErrorIs(t, err, ledger.ErrConfigurationMissing)
}

// flakySettings fails until healed, to check that a failed day is retried.
type flakySettings struct {
	mu     sync.Mutex
	healed bool
}

func (f *flakySettings) Current(context.Context) (ledger.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healed {
		return ledger.Settings{}, errors.New("database unavailable")
	}
	return fundSettings, nil
}

func TestFailedTickIsRetried(t *testing.T) {
	svc := ledger.NewService(ledger.NewInMemory())
	src := &flakySettings{}
	s := New(svc, src, Config{})
	now := time.Date(2025, 1, 3, 1, 0, 0, 0, time.UTC)

	_, err := s.Tick(context.Background(), now)
	require.Error(t, err)

	src.healed = true
	res, err := s.Tick(context.Background(), now)
	require.NoError(t, err)
	require.False(t, res.Skipped)
}

func TestStartStop(t *testing.T) {
	e := newEnv(t, fundSettings)
	e.investor("1000")
	y := e.year("2025-01-01", "2025-01-10", "100")

	ticked := make(chan struct{}, 1)
	s := New(e.svc, settings.NewProvider(settings.NewStatic(fundSettings)), Config{Interval: time.Hour},
		WithClock(func() time.Time {
			select {
			case ticked <- struct{}{}:
			default:
			}
			return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
		}))

	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.IsRunning())
	require.Error(t, s.Start(context.Background()))

	select {
	case <-ticked:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not tick on start")
	}
	require.NoError(t, s.Stop())
	require.False(t, s.IsRunning())
	require.Error(t, s.Stop())

	stored, err := e.svc.GetFinancialYear(e.ctx, y.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.DistributedWatermark)
	require.True(t, stored.DistributedWatermark.Equal(date("2025-01-02")))
}
