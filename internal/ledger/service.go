package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fundledger.org/internal/auth"
)

// Service implements the fund core: the investor ledger, the transaction journal,
// the financial year lifecycle and the accrual engine. Every mutating call re-checks
// that the caller in ctx holds the admin role.
type Service struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService constructs a Service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("ledger")
	return s
}

// Store exposes the underlying persistence facility.
func (s *Service) Store() Store { return s.store }

func (s *Service) requireAdmin(ctx context.Context) (string, error) {
	if !auth.HasRole(ctx, auth.RoleAdmin) {
		return "", fmt.Errorf("%w: admin role required", ErrPermissionDenied)
	}
	id, _ := auth.UserIDFromContext(ctx)
	return id, nil
}

func (s *Service) GetInvestor(ctx context.Context, id string) (Investor, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Investor{}, fmt.Errorf("%w: investor id is required", ErrValidation)
	}
	return s.store.GetInvestor(ctx, id)
}

func (s *Service) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Transaction{}, fmt.Errorf("%w: transaction id is required", ErrValidation)
	}
	return s.store.GetTransaction(ctx, id)
}

func (s *Service) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrValidation, filter.Kind)
	}
	if filter.Status != "" && filter.Status != TxPending && filter.Status != TxCanceled {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	filter.Limit = normalizeLimit(filter.Limit)
	return s.store.ListTransactions(ctx, filter)
}

func (s *Service) GetFinancialYear(ctx context.Context, id string) (FinancialYear, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return FinancialYear{}, fmt.Errorf("%w: financial year id is required", ErrValidation)
	}
	return s.store.GetFinancialYear(ctx, id)
}

func (s *Service) ListFinancialYears(ctx context.Context, filter YearFilter) ([]FinancialYear, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	if filter.Offset < 0 {
		return nil, fmt.Errorf("%w: offset must be >= 0", ErrValidation)
	}
	filter.Limit = normalizeLimit(filter.Limit)
	return s.store.ListFinancialYears(ctx, filter)
}

// GetDistributions returns the year's distributions ordered by share, largest first.
func (s *Service) GetDistributions(ctx context.Context, yearID string) ([]Distribution, error) {
	yearID = strings.TrimSpace(yearID)
	if yearID == "" {
		return nil, fmt.Errorf("%w: financial year id is required", ErrValidation)
	}
	return s.store.ListDistributions(ctx, yearID)
}

// YearSummary aggregates a year's distributions for operators.
type YearSummary struct {
	Year            FinancialYear   `json:"year"`
	TotalInvestors  int             `json:"total_investors"`
	TotalAccrued    decimal.Decimal `json:"total_accrued"`
	AverageAccrued  decimal.Decimal `json:"average_accrued"`
	TotalShare      decimal.Decimal `json:"total_share_percentage"`
	DaysAccrued     int             `json:"days_accrued"`
	RemainingProfit decimal.Decimal `json:"remaining_profit"`
}

func (s *Service) SummarizeYear(ctx context.Context, yearID string) (YearSummary, error) {
	y, err := s.GetFinancialYear(ctx, yearID)
	if err != nil {
		return YearSummary{}, err
	}
	dists, err := s.store.ListDistributions(ctx, y.ID)
	if err != nil {
		return YearSummary{}, err
	}
	sum := YearSummary{
		Year:           y,
		TotalInvestors: len(dists),
		TotalAccrued:   decimal.Zero,
		AverageAccrued: decimal.Zero,
		TotalShare:     decimal.Zero,
	}
	for _, d := range dists {
		sum.TotalAccrued = sum.TotalAccrued.Add(d.AccumulatedProfit)
		sum.TotalShare = sum.TotalShare.Add(d.SharePercentage)
	}
	if len(dists) > 0 {
		sum.AverageAccrued = sum.TotalAccrued.Div(decimal.NewFromInt(int64(len(dists))))
	}
	if y.DistributedWatermark != nil {
		sum.DaysAccrued = DaysInclusive(y.StartDate, *y.DistributedWatermark)
	}
	sum.RemainingProfit = y.TotalProfitPool.Sub(sum.TotalAccrued)
	return sum, nil
}

// CreateInvestor registers an investor with zero balances.
func (s *Service) CreateInvestor(ctx context.Context, inv Investor) (Investor, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return Investor{}, err
	}
	out, err := s.store.CreateInvestor(ctx, inv)
	if err != nil {
		return Investor{}, err
	}
	s.logger.Info("investor created", zap.String("id", out.ID))
	return out, nil
}
