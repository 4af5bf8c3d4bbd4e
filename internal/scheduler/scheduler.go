// Package scheduler drives the daily accrual and approval cycle from a ticker.
// All business decisions live in Tick, which takes the time explicitly so it can be
// exercised with a synthetic clock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fundledger.org/internal/auth"
	"fundledger.org/internal/ledger"
	"fundledger.org/internal/obs"
)

// SettingsSource supplies the snapshot each tick runs against.
type SettingsSource interface {
	Current(ctx context.Context) (ledger.Settings, error)
}

type Config struct {
	// Interval between ticks. Ticks are cheap when the day was already processed.
	Interval time.Duration
	// Trigger labels accrual metrics ("scheduler" or "cli").
	Trigger string
}

func DefaultConfig() Config {
	return Config{Interval: time.Hour, Trigger: "scheduler"}
}

// Result describes one tick.
type Result struct {
	Day      time.Time            `json:"day"`
	Skipped  bool                 `json:"skipped"`
	Accrual  ledger.AccrualReport `json:"accrual"`
	Approved []ledger.Approval    `json:"approved,omitempty"`
	// ApprovalErrs is keyed by financial year id.
	ApprovalErrs map[string]error `json:"-"`
}

// Err joins accrual and approval failures.
func (r Result) Err() error {
	errs := []error{r.Accrual.Err()}
	for id, err := range r.ApprovalErrs {
		errs = append(errs, fmt.Errorf("approve %s: %w", id, err))
	}
	return errors.Join(errs...)
}

type Scheduler struct {
	svc      *ledger.Service
	settings SettingsSource
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.Mutex
	lastDay  time.Time
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithClock(fn func() time.Time) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.now = fn
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(svc *ledger.Service, settings SettingsSource, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Trigger == "" {
		cfg.Trigger = def.Trigger
	}
	s := &Scheduler{
		svc:      svc,
		settings: settings,
		cfg:      cfg,
		now:      time.Now,
		logger:   zap.NewNop(),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler")
	return s
}

// Tick runs the cycle at most once per calendar day in the configured timezone.
// It accrues through the last completed local day, so a tick at 00:05 on March 2
// settles March 1, and then approves every pending year that is fully accrued.
// A tick that fails is retried by the next one.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (Result, error) {
	return s.tick(ctx, now, false)
}

// RunNow is Tick without the once-per-day gate.
func (s *Scheduler) RunNow(ctx context.Context, now time.Time) (Result, error) {
	return s.tick(ctx, now, true)
}

func (s *Scheduler) tick(ctx context.Context, now time.Time, force bool) (Result, error) {
	st, err := s.settings.Current(ctx)
	if err != nil {
		obs.ObserveSchedulerTick("error")
		return Result{}, fmt.Errorf("load settings: %w", err)
	}
	loc, err := st.Location()
	if err != nil {
		obs.ObserveSchedulerTick("error")
		return Result{}, err
	}
	today := ledger.Day(now, loc)
	res := Result{Day: today}

	s.mu.Lock()
	done := !force && !s.lastDay.IsZero() && !today.After(s.lastDay)
	s.mu.Unlock()
	if done {
		res.Skipped = true
		obs.ObserveSchedulerTick("skipped")
		return res, nil
	}

	sys := auth.SystemContext(ctx)
	// noon of the previous local day, which Day maps back to that day in loc
	through := time.Date(today.Year(), today.Month(), today.Day()-1, 12, 0, 0, 0, loc)
	report, err := s.svc.AccrueDailyProfits(sys, st, through)
	res.Accrual = report
	obs.ObserveAccrual(s.cfg.Trigger, report.DaysAccrued(), failedYears(report), err)
	if err != nil {
		obs.ObserveSchedulerTick("error")
		return res, fmt.Errorf("accrue through %s: %w", through.Format(time.DateOnly), err)
	}

	if err := s.approveReady(sys, st, &res); err != nil {
		obs.ObserveSchedulerTick("error")
		return res, err
	}

	if res.Err() == nil {
		s.mu.Lock()
		if today.After(s.lastDay) {
			s.lastDay = today
		}
		s.mu.Unlock()
		obs.ObserveSchedulerTick("ran")
	} else {
		s.logger.Warn("tick finished with failures", zap.Error(res.Err()))
		obs.ObserveSchedulerTick("error")
	}

	s.logger.Info("tick",
		zap.Time("day", today),
		zap.Int("days_accrued", report.DaysAccrued()),
		zap.Int("approved", len(res.Approved)),
		zap.Int("approval_failures", len(res.ApprovalErrs)),
	)
	return res, nil
}

func (s *Scheduler) approveReady(ctx context.Context, st ledger.Settings, res *Result) error {
	var ready []string
	// A year calculated through its end date is as ready as one the daily run
	// finished; one calculated part-way stays until it is recalculated.
	for _, status := range []ledger.YearStatus{ledger.YearPending, ledger.YearCalculated} {
		filter := ledger.YearFilter{Status: status, Limit: 1000}
		for {
			page, err := s.svc.ListFinancialYears(ctx, filter)
			if err != nil {
				return fmt.Errorf("list %s years: %w", strings.ToLower(string(status)), err)
			}
			for _, y := range page {
				if y.FullyAccrued() {
					ready = append(ready, y.ID)
				}
			}
			if len(page) < filter.Limit {
				break
			}
			filter.Offset += len(page)
		}
	}

	for _, id := range ready {
		if err := ctx.Err(); err != nil {
			return err
		}
		approval, err := s.svc.ApproveYear(ctx, st, id)
		if err != nil {
			if res.ApprovalErrs == nil {
				res.ApprovalErrs = map[string]error{}
			}
			res.ApprovalErrs[id] = err
			s.logger.Error("approval failed", zap.String("year_id", id), zap.Error(err))
			continue
		}
		res.Approved = append(res.Approved, approval)
	}
	return nil
}

func failedYears(r ledger.AccrualReport) int {
	n := 0
	for _, y := range r.Years {
		if y.Err != nil {
			n++
		}
	}
	return n
}

// Start runs Tick on every interval until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	stop := s.stopChan
	s.mu.Unlock()

	s.logger.Info("starting", zap.Duration("interval", s.cfg.Interval))
	s.wg.Add(1)
	go s.loop(ctx, stop)
	return nil
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.New("scheduler not running")
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("stopped")
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.safeTick(ctx)
	for {
		select {
		case <-ticker.C:
			s.safeTick(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tick panicked", zap.Any("panic", r))
		}
	}()
	if _, err := s.Tick(ctx, s.now()); err != nil {
		s.logger.Error("tick failed", zap.Error(err))
	}
}
