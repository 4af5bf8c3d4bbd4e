package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"fundledger.org/internal/auth"
	"fundledger.org/internal/ledger"
	"fundledger.org/internal/obs"
	"fundledger.org/internal/settings"
)

// Pinger is anything the readiness probe can check (database, cache).
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe: простая проверка готовности (ping БД и кэша).
type ReadyProbe struct {
	DB    Pinger
	Cache Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.Ping(ctx); err != nil {
			return err
		}
	}
	if rp.Cache != nil {
		// a dead cache degrades latency, not correctness
		if err := rp.Cache.Ping(ctx); err != nil {
			obs.Logger().Warn("cache not ready", zap.Error(err))
		}
	}
	return nil
}

// SettingsProvider is the settings surface the API needs.
type SettingsProvider interface {
	Current(ctx context.Context) (ledger.Settings, error)
	Update(ctx context.Context, u settings.Update) (ledger.Settings, error)
}

// Options tune the HTTP layer.
type Options struct {
	Version      string
	RateBurst    int
	RatePerSec   float64
	MaxBodyBytes int64
	// IssueTokens enables POST /v1/auth/token for local development.
	IssueTokens bool
}

// API: HTTP слой.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	svc        *ledger.Service
	settings   SettingsProvider
	now        func() time.Time

	rateBurst   int
	ratePerSec  float64
	maxBody     int64
	issueTokens bool
}

func New(rp ReadyProbe, svc *ledger.Service, sp SettingsProvider, opts Options) *API {
	a := &API{
		mux:         http.NewServeMux(),
		readyProbe:  rp,
		version:     opts.Version,
		svc:         svc,
		settings:    sp,
		now:         time.Now,
		rateBurst:   opts.RateBurst,
		ratePerSec:  opts.RatePerSec,
		maxBody:     opts.MaxBodyBytes,
		issueTokens: opts.IssueTokens,
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 100
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 50
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	if a.issueTokens {
		a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)
	}

	a.mux.HandleFunc("POST /v1/investors", a.createInvestor)
	a.mux.HandleFunc("GET /v1/investors/{id}", a.getInvestor)
	a.mux.HandleFunc("GET /v1/investors/{id}/reconcile", a.reconcileInvestor)

	a.mux.HandleFunc("POST /v1/transactions", a.recordTransaction)
	a.mux.HandleFunc("GET /v1/transactions", a.listTransactions)
	a.mux.HandleFunc("GET /v1/transactions/{id}", a.getTransaction)
	a.mux.HandleFunc("POST /v1/transactions/{id}/cancel", a.cancelTransaction)
	a.mux.HandleFunc("POST /v1/transactions/cancel", a.cancelTransactions)

	a.mux.HandleFunc("POST /v1/financial-years", a.createYear)
	a.mux.HandleFunc("GET /v1/financial-years", a.listYears)
	a.mux.HandleFunc("GET /v1/financial-years/{id}", a.getYear)
	a.mux.HandleFunc("PATCH /v1/financial-years/{id}", a.updateYear)
	a.mux.HandleFunc("DELETE /v1/financial-years/{id}", a.deleteYear)
	a.mux.HandleFunc("POST /v1/financial-years/{id}/calculate", a.calculateYear)
	a.mux.HandleFunc("POST /v1/financial-years/{id}/approve", a.approveYear)
	a.mux.HandleFunc("POST /v1/financial-years/{id}/close", a.closeYear)
	a.mux.HandleFunc("GET /v1/financial-years/{id}/distributions", a.getDistributions)
	a.mux.HandleFunc("GET /v1/financial-years/{id}/summary", a.summarizeYear)

	a.mux.Handle("POST /v1/accrual/run", RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.runAccrual)))

	a.mux.HandleFunc("GET /v1/settings", a.getSettings)
	a.mux.HandleFunc("PUT /v1/settings", a.updateSettings)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler возвращает http.Handler со всей цепочкой middleware.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBody)
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	// оборачиваем весь mux метриками
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "fundd",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	if a.settings != nil {
		if _, err := a.settings.Current(ctx); err != nil {
			status := "not_ready"
			if errors.Is(err, ledger.ErrConfigurationMissing) {
				status = "not_configured"
			}
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": status,
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "fundd",
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
