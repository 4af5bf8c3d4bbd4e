package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"fundledger.org/internal/ledger"
)

const defaultMaxTries = 5

type Store struct {
	db       *sql.DB
	logger   *zap.Logger
	maxTries uint
	backoff  func() backoff.BackOff
}

var _ ledger.Store = (*Store)(nil)

// Option configures Store behavior.
type Option func(*Store)

// WithLogger sets the logger used for retry notifications.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxTries bounds how often a unit of work is attempted on serialization failures.
func WithMaxTries(n uint) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxTries = n
		}
	}
}

// WithBackOff overrides the retry policy factory (tests use a zero backoff).
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(s *Store) {
		if fn != nil {
			s.backoff = fn
		}
	}
}

func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:       db,
		logger:   zap.NewNop(),
		maxTries: defaultMaxTries,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			return b
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// WithinTx runs fn in a serializable transaction. Serialization failures and
// deadlocks roll back and rerun fn with exponential backoff.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	op := func() (struct{}, error) {
		err := s.runTx(ctx, fn)
		if err == nil || retryable(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}
	notify := func(err error, d time.Duration) {
		s.logger.Warn("retrying transaction", zap.Error(err), zap.Duration("backoff", d))
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(s.backoff()),
		backoff.WithMaxTries(s.maxTries),
		backoff.WithNotify(notify))
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// retryable reports whether Postgres asked for the transaction to be retried.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) CreateInvestor(ctx context.Context, inv ledger.Investor) (ledger.Investor, error) {
	inv, err := ledger.PrepareInvestor(inv)
	if err != nil {
		return ledger.Investor{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into investors(id, display_name, contact, amount, rollover_amount, total_amount, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, inv.ID, inv.DisplayName, inv.Contact, inv.Amount, inv.RolloverAmount, inv.TotalAmount, inv.CreatedAt, inv.UpdatedAt)
	if isUniqueViolation(err) {
		return ledger.Investor{}, fmt.Errorf("%w: investor %s already exists", ledger.ErrValidation, inv.ID)
	}
	if err != nil {
		return ledger.Investor{}, err
	}
	return inv, nil
}

func (s *Store) GetInvestor(ctx context.Context, id string) (ledger.Investor, error) {
	return getInvestor(ctx, s.db, id, false)
}

func (s *Store) GetTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	return getTransaction(ctx, s.db, id, false)
}

func (s *Store) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.InvestorID != "" {
		add("investor_id = $%d", f.InvestorID)
	}
	if f.FinancialYearID != "" {
		add("financial_year_id = $%d", f.FinancialYearID)
	}
	if f.Kind != "" {
		add("kind = $%d", string(f.Kind))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if !f.From.IsZero() {
		add("date >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("date <= $%d", f.To)
	}
	if !f.BeforeDate.IsZero() {
		args = append(args, f.BeforeDate, f.BeforeID)
		where = append(where, fmt.Sprintf("(date, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	q := `select ` + txCols + ` from transactions`
	if len(where) > 0 {
		q += ` where ` + strings.Join(where, " and ")
	}
	args = append(args, limitOf(f.Limit))
	q += fmt.Sprintf(` order by date desc, id desc limit $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (s *Store) GetFinancialYear(ctx context.Context, id string) (ledger.FinancialYear, error) {
	return getYear(ctx, s.db, id, false)
}

func (s *Store) ListFinancialYears(ctx context.Context, f ledger.YearFilter) ([]ledger.FinancialYear, error) {
	q := `select ` + yearCols + ` from financial_years`
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += ` where status = $1`
	}
	args = append(args, limitOf(f.Limit), f.Offset)
	q += fmt.Sprintf(` order by created_at desc, id desc limit $%d offset $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ledger.FinancialYear
	for rows.Next() {
		y, err := scanYear(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, y)
	}
	return res, rows.Err()
}

func (s *Store) ListDistributions(ctx context.Context, yearID string) ([]ledger.Distribution, error) {
	if _, err := getYear(ctx, s.db, yearID, false); err != nil {
		return nil, err
	}
	return listDistributions(ctx, s.db, yearID)
}

// --- helpers ---

func limitOf(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
