// Command accrue backfills daily profit accrual against the database. With
// -approve it runs the full scheduler cycle, approving every year whose accrual
// reached its end date.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"fundledger.org/internal/auth"
	"fundledger.org/internal/config"
	"fundledger.org/internal/ledger"
	"fundledger.org/internal/obs"
	"fundledger.org/internal/scheduler"
	"fundledger.org/internal/settings"
	"fundledger.org/internal/store/pg"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("FUND_CONFIG"), "Path to YAML config file")
		asOf       = flag.String("as-of", "", "Last day to accrue, YYYY-MM-DD (default: yesterday in the fund timezone)")
		approve    = flag.Bool("approve", false, "Approve years whose accrual reached their end date")
		timeout    = flag.Duration("timeout", 5*time.Minute, "Overall timeout")
	)
	flag.Parse()

	if err := run(*configPath, *asOf, *approve, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "accrue: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, asOf string, approve bool, timeout time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := obs.NewLogger(cfg.LogLevel, cfg.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	store, err := pg.Open(cfg.PostgresDSN, pg.WithLogger(logger.Named("pg")))
	if err != nil {
		return err
	}
	defer store.Close()

	provider := settings.NewProvider(store, settings.WithLogger(logger))
	svc := ledger.NewService(store, ledger.WithLogger(logger.Named("ledger")))

	st, err := provider.Current(ctx)
	if err != nil {
		return err
	}
	loc, err := st.Location()
	if err != nil {
		return err
	}
	through := time.Now().In(loc).AddDate(0, 0, -1)
	if asOf != "" {
		day, err := time.ParseInLocation(time.DateOnly, asOf, loc)
		if err != nil {
			return fmt.Errorf("invalid -as-of %q: %w", asOf, err)
		}
		through = day.Add(12 * time.Hour)
	}

	if approve {
		// The scheduler accrues through the day before the instant it is given.
		sched := scheduler.New(svc, provider, scheduler.Config{Trigger: "cli"}, scheduler.WithLogger(logger))
		res, err := sched.RunNow(ctx, through.AddDate(0, 0, 1))
		if err != nil {
			return err
		}
		if err := printJSON(res); err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			logger.Error("cycle finished with failures", zap.Error(err))
			return err
		}
		return nil
	}

	report, err := svc.AccrueDailyProfits(auth.SystemContext(ctx), st, through)
	obs.ObserveAccrual("cli", report.DaysAccrued(), countFailed(report), err)
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if err := report.Err(); err != nil {
		logger.Error("accrual finished with failures", zap.Error(err))
		return err
	}
	return nil
}

func countFailed(r ledger.AccrualReport) int {
	n := 0
	for _, y := range r.Years {
		if y.Err != nil {
			n++
		}
	}
	return n
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
