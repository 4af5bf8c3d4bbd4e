package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"fundledger.org/internal/ids"
)

// Kind classifies a journal entry.
type Kind string

const (
	KindDeposit    Kind = "DEPOSIT"
	KindWithdrawal Kind = "WITHDRAWAL"
	KindProfit     Kind = "PROFIT"
	KindRollover   Kind = "ROLLOVER"
)

func (k Kind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdrawal, KindProfit, KindRollover:
		return true
	}
	return false
}

// WithdrawSource records which balance pool a withdrawal drew from.
type WithdrawSource string

const (
	SourceNone      WithdrawSource = "NONE"
	SourcePrincipal WithdrawSource = "PRINCIPAL"
	SourceRollover  WithdrawSource = "ROLLOVER"
	SourceSplit     WithdrawSource = "SPLIT"
)

// TxStatus is one-way: PENDING -> CANCELED.
type TxStatus string

const (
	TxPending  TxStatus = "PENDING"
	TxCanceled TxStatus = "CANCELED"
)

// YearStatus is the lifecycle state of a financial year.
type YearStatus string

const (
	YearDraft       YearStatus = "DRAFT"
	YearPending     YearStatus = "PENDING"
	YearCalculated  YearStatus = "CALCULATED"
	YearApproved    YearStatus = "APPROVED"
	YearDistributed YearStatus = "DISTRIBUTED"
	YearClosed      YearStatus = "CLOSED"
)

func (s YearStatus) Valid() bool {
	switch s {
	case YearDraft, YearPending, YearCalculated, YearApproved, YearDistributed, YearClosed:
		return true
	}
	return false
}

// editable reports whether the year still accepts updates and calculation.
func (s YearStatus) editable() bool {
	return s == YearDraft || s == YearPending || s == YearCalculated
}

// realized reports whether profit has been credited to investors.
func (s YearStatus) realized() bool {
	return s == YearApproved || s == YearDistributed
}

// Investor is the per-investor balance record. All amounts are in the pivot currency.
// TotalAmount is a cache of Amount + RolloverAmount.
type Investor struct {
	ID             string          `json:"id"`
	DisplayName    string          `json:"display_name"`
	Contact        string          `json:"contact,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	RolloverAmount decimal.Decimal `json:"rollover_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Transaction is a journal entry. Amount and Currency are kept as entered; Rate is the
// conversion rate applied when the entry was created (1 for pivot-denominated entries)
// and is what reversal uses.
type Transaction struct {
	ID                    string          `json:"id"`
	InvestorID            string          `json:"investor_id"`
	Kind                  Kind            `json:"kind"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Rate                  decimal.Decimal `json:"rate"`
	PivotAmount           decimal.Decimal `json:"pivot_amount"`
	WithdrawSource        WithdrawSource  `json:"withdraw_source"`
	WithdrawFromPrincipal decimal.Decimal `json:"withdraw_from_principal"`
	Status                TxStatus        `json:"status"`
	Date                  time.Time       `json:"date"`
	FinancialYearID       string          `json:"financial_year_id,omitempty"`
	CreatedBy             string          `json:"created_by,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	CanceledAt            *time.Time      `json:"canceled_at,omitempty"`
}

// FinancialYear is one distribution period. StartDate, EndDate and
// DistributedWatermark are calendar days stored as UTC midnight.
type FinancialYear struct {
	ID                   string          `json:"id"`
	Label                string          `json:"label"`
	TotalProfitPool      decimal.Decimal `json:"total_profit_pool"`
	StartDate            time.Time       `json:"start_date"`
	EndDate              time.Time       `json:"end_date"`
	TotalDays            int             `json:"total_days"`
	DailyProfit          decimal.Decimal `json:"daily_profit"`
	RolloverEnabled      bool            `json:"rollover_enabled"`
	RolloverPercentage   decimal.Decimal `json:"rollover_percentage"`
	Status               YearStatus      `json:"status"`
	DistributedWatermark *time.Time      `json:"distributed_watermark,omitempty"`
	CreatedBy            string          `json:"created_by,omitempty"`
	ApprovedBy           string          `json:"approved_by,omitempty"`
	ApprovedAt           *time.Time      `json:"approved_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// FullyAccrued reports whether the watermark reached the last day of the year.
func (y FinancialYear) FullyAccrued() bool {
	return y.DistributedWatermark != nil && !y.DistributedWatermark.Before(y.EndDate)
}

// nextAccrualDay is the first day not yet covered by the watermark.
func (y FinancialYear) nextAccrualDay() time.Time {
	if y.DistributedWatermark == nil {
		return y.StartDate
	}
	return y.DistributedWatermark.AddDate(0, 0, 1)
}

// Distribution is the per-investor allocation for one financial year.
type Distribution struct {
	FinancialYearID      string          `json:"financial_year_id"`
	InvestorID           string          `json:"investor_id"`
	CapitalAtComputation decimal.Decimal `json:"capital_at_computation"`
	SharePercentage      decimal.Decimal `json:"share_percentage"`
	DaysActive           int             `json:"days_active"`
	DailyProfitShare     decimal.Decimal `json:"daily_profit_share"`
	AccumulatedProfit    decimal.Decimal `json:"accumulated_profit"`
	IsRollover           bool            `json:"is_rollover"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// TransactionFilter narrows ListTransactions. Zero values mean "any".
type TransactionFilter struct {
	InvestorID      string
	FinancialYearID string
	Kind            Kind
	Status          TxStatus
	From            time.Time
	To              time.Time
	// Keyset cursor: entries strictly older than (BeforeDate, BeforeID).
	BeforeDate time.Time
	BeforeID   string
	Limit      int
}

// YearFilter narrows ListFinancialYears.
type YearFilter struct {
	Status YearStatus
	Limit  int
	Offset int
}

func newID() string {
	return ids.New()
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
