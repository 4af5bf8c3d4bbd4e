package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fundledger.org/internal/ledger"
)

// LoadSettings reads the single settings row.
func (s *Store) LoadSettings(ctx context.Context) (ledger.Settings, error) {
	var st ledger.Settings
	err := s.db.QueryRowContext(ctx, `
		select pivot_currency, local_currency, pivot_rate, default_currency, timezone
		from settings where id=1
	`).Scan(&st.PivotCurrency, &st.LocalCurrency, &st.PivotRate, &st.DefaultCurrency, &st.Timezone)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Settings{}, fmt.Errorf("%w: settings row is missing", ledger.ErrConfigurationMissing)
	}
	if err != nil {
		return ledger.Settings{}, err
	}
	return st, nil
}

// SaveSettings replaces the settings row.
func (s *Store) SaveSettings(ctx context.Context, st ledger.Settings, updatedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into settings(id, pivot_currency, local_currency, pivot_rate, default_currency, timezone, updated_by, updated_at)
		values (1,$1,$2,$3,$4,$5,$6,$7)
		on conflict (id) do update set
			pivot_currency = excluded.pivot_currency,
			local_currency = excluded.local_currency,
			pivot_rate = excluded.pivot_rate,
			default_currency = excluded.default_currency,
			timezone = excluded.timezone,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at
	`, st.PivotCurrency, st.LocalCurrency, st.PivotRate, st.DefaultCurrency, st.Timezone, updatedBy, time.Now().UTC())
	return err
}
