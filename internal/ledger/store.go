package ledger

import (
	"context"
	"time"
)

// Store is the transactional persistence facility the service runs on.
// Reads outside WithinTx see committed state only.
type Store interface {
	// WithinTx runs fn in one atomic unit of work. If fn returns an error nothing
	// it wrote is kept. Implementations may run fn more than once when the
	// underlying database asks for a retry, so fn must not have side effects
	// outside the Tx.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreateInvestor(ctx context.Context, inv Investor) (Investor, error)
	GetInvestor(ctx context.Context, id string) (Investor, error)
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	GetFinancialYear(ctx context.Context, id string) (FinancialYear, error)
	ListFinancialYears(ctx context.Context, filter YearFilter) ([]FinancialYear, error)
	ListDistributions(ctx context.Context, yearID string) ([]Distribution, error)
}

// Tx is the view of the store inside WithinTx. Lock* methods take a write lock on
// the row for the rest of the transaction.
type Tx interface {
	LockInvestor(ctx context.Context, id string) (Investor, error)
	UpdateInvestorBalances(ctx context.Context, inv Investor) error
	// FundedInvestors returns every investor with a positive principal.
	FundedInvestors(ctx context.Context) ([]Investor, error)

	InsertTransaction(ctx context.Context, t Transaction) error
	LockTransaction(ctx context.Context, id string) (Transaction, error)
	MarkTransactionCanceled(ctx context.Context, id string, at time.Time) error
	// YearTransactions returns the year's PENDING entries, newest first.
	YearTransactions(ctx context.Context, yearID string) ([]Transaction, error)

	InsertFinancialYear(ctx context.Context, y FinancialYear) error
	LockFinancialYear(ctx context.Context, id string) (FinancialYear, error)
	UpdateFinancialYear(ctx context.Context, y FinancialYear) error
	DeleteFinancialYear(ctx context.Context, id string) error

	Distributions(ctx context.Context, yearID string) ([]Distribution, error)
	UpsertDistribution(ctx context.Context, d Distribution) error
	DeleteDistributions(ctx context.Context, yearID string) error
}
