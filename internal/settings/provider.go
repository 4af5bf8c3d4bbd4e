// Package settings serves the fund's configuration snapshot (pivot rate, default
// currency, timezone) with a Redis cache in front of the database row.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fundledger.org/internal/auth"
	"fundledger.org/internal/ledger"
	"fundledger.org/internal/obs"
)

// CacheKey is the Redis key holding the JSON-encoded snapshot.
const CacheKey = "settings:current"

// DefaultTTL bounds how stale a cached snapshot may get when another process
// updates the row.
const DefaultTTL = 5 * time.Minute

// Source persists the settings row.
type Source interface {
	LoadSettings(ctx context.Context) (ledger.Settings, error)
	SaveSettings(ctx context.Context, st ledger.Settings, updatedBy string) error
}

// Update is a partial change. Nil fields are left as they are.
type Update struct {
	PivotRate       *decimal.Decimal `json:"pivot_rate,omitempty"`
	LocalCurrency   *string          `json:"local_currency,omitempty"`
	DefaultCurrency *string          `json:"default_currency,omitempty"`
	Timezone        *string          `json:"timezone,omitempty"`
}

type Provider struct {
	source Source
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithCache puts c in front of the source.
func WithCache(c Cache, ttl time.Duration) Option {
	return func(p *Provider) {
		p.cache = c
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewProvider(source Source, opts ...Option) *Provider {
	p := &Provider{source: source, ttl: DefaultTTL, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("settings")
	return p
}

// Current returns the active snapshot. Cache failures are logged and fall through
// to the source; they never fail the call.
func (p *Provider) Current(ctx context.Context) (ledger.Settings, error) {
	if p.cache != nil {
		raw, err := p.cache.Get(ctx, CacheKey)
		switch {
		case err == nil:
			var st ledger.Settings
			if jerr := json.Unmarshal([]byte(raw), &st); jerr == nil {
				obs.ObserveSettingsCache("hit")
				return st, nil
			}
			p.logger.Warn("discarding malformed cached settings")
			obs.ObserveSettingsCache("error")
		case errors.Is(err, ErrCacheMiss):
			obs.ObserveSettingsCache("miss")
		default:
			p.logger.Warn("settings cache unavailable", zap.Error(err))
			obs.ObserveSettingsCache("error")
		}
	}

	st, err := p.source.LoadSettings(ctx)
	if err != nil {
		return ledger.Settings{}, err
	}
	p.store(ctx, st)
	return st, nil
}

// Update applies u and returns the new snapshot. Changing the pivot rate or the
// local currency is reserved for admins; any authenticated caller may adjust the
// default currency and timezone.
func (p *Provider) Update(ctx context.Context, u Update) (ledger.Settings, error) {
	userID, ok := auth.UserIDFromContext(ctx)
	if !ok {
		return ledger.Settings{}, fmt.Errorf("%w: authentication required", ledger.ErrPermissionDenied)
	}
	if (u.PivotRate != nil || u.LocalCurrency != nil) && !auth.HasRole(ctx, auth.RoleAdmin) {
		return ledger.Settings{}, fmt.Errorf("%w: only admins may change the exchange rate", ledger.ErrPermissionDenied)
	}

	st, err := p.source.LoadSettings(ctx)
	if err != nil {
		return ledger.Settings{}, err
	}
	if u.PivotRate != nil {
		st.PivotRate = *u.PivotRate
	}
	if u.LocalCurrency != nil {
		st.LocalCurrency = strings.ToUpper(strings.TrimSpace(*u.LocalCurrency))
	}
	if u.DefaultCurrency != nil {
		st.DefaultCurrency = strings.ToUpper(strings.TrimSpace(*u.DefaultCurrency))
	}
	if u.Timezone != nil {
		st.Timezone = strings.TrimSpace(*u.Timezone)
	}
	if err := Validate(st); err != nil {
		return ledger.Settings{}, err
	}
	if err := p.source.SaveSettings(ctx, st, userID); err != nil {
		return ledger.Settings{}, err
	}
	p.invalidate(ctx)

	p.logger.Info("settings updated",
		zap.String("user_id", userID),
		zap.String("pivot_rate", st.PivotRate.String()),
		zap.String("default_currency", st.DefaultCurrency),
		zap.String("timezone", st.Timezone))
	return st, nil
}

// Validate checks that a snapshot can drive every ledger operation.
func Validate(st ledger.Settings) error {
	if !ledger.KnownCurrency(st.PivotCurrency) {
		return fmt.Errorf("%w: unknown pivot currency %q", ledger.ErrValidation, st.PivotCurrency)
	}
	if st.LocalCurrency != "" && !ledger.KnownCurrency(st.LocalCurrency) {
		return fmt.Errorf("%w: unknown local currency %q", ledger.ErrValidation, st.LocalCurrency)
	}
	if !st.PivotRate.IsPositive() {
		return fmt.Errorf("%w: pivot rate must be positive", ledger.ErrValidation)
	}
	if st.DefaultCurrency != "" &&
		!strings.EqualFold(st.DefaultCurrency, st.PivotCurrency) &&
		!strings.EqualFold(st.DefaultCurrency, st.LocalCurrency) {
		return fmt.Errorf("%w: default currency must be %s or %s", ledger.ErrValidation, st.PivotCurrency, st.LocalCurrency)
	}
	if _, err := time.LoadLocation(st.Timezone); err != nil {
		return fmt.Errorf("%w: timezone %q", ledger.ErrValidation, st.Timezone)
	}
	return nil
}

func (p *Provider) store(ctx context.Context, st ledger.Settings) {
	if p.cache == nil {
		return
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := p.cache.Set(ctx, CacheKey, string(raw), p.ttl); err != nil {
		p.logger.Debug("settings cache write failed", zap.Error(err))
	}
}

func (p *Provider) invalidate(ctx context.Context) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Delete(ctx, CacheKey); err != nil {
		p.logger.Warn("settings cache invalidation failed", zap.Error(err))
	}
}

// Static is an in-process Source, used by tests and the single-binary dev setup.
type Static struct {
	mu        sync.Mutex
	settings  ledger.Settings
	loaded    bool
	UpdatedBy string
}

// NewStatic returns a Static source seeded with st.
func NewStatic(st ledger.Settings) *Static {
	return &Static{settings: st, loaded: true}
}

func (s *Static) LoadSettings(context.Context) (ledger.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return ledger.Settings{}, fmt.Errorf("%w: settings are not configured", ledger.ErrConfigurationMissing)
	}
	return s.settings, nil
}

func (s *Static) SaveSettings(_ context.Context, st ledger.Settings, updatedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = st
	s.loaded = true
	s.UpdatedBy = updatedBy
	return nil
}
