package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Fund metrics.
var (
	transactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fund_transactions_total",
			Help: "Journal entries recorded or canceled, by kind and action.",
		},
		[]string{"kind", "action"},
	)

	accrualRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fund_accrual_runs_total",
			Help: "Accrual runs by trigger and result.",
		},
		[]string{"trigger", "result"},
	)

	accrualDaysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fund_accrual_days_total",
		Help: "Year-days accrued across all financial years.",
	})

	accrualYearFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fund_accrual_year_failures_total",
		Help: "Financial years whose accrual failed within a run.",
	})

	yearTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fund_year_transitions_total",
			Help: "Financial year lifecycle transitions by target status.",
		},
		[]string{"status"},
	)

	schedulerTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fund_scheduler_ticks_total",
			Help: "Scheduler ticks by outcome (ran, skipped, error).",
		},
		[]string{"outcome"},
	)

	settingsCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fund_settings_cache_total",
			Help: "Settings cache lookups by result.",
		},
		[]string{"result"},
	)
)

var initOnce sync.Once

// Init registers every metric in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			transactionsTotal, accrualRunsTotal, accrualDaysTotal, accrualYearFailures,
			yearTransitionsTotal, schedulerTicksTotal, settingsCacheTotal,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTransaction counts a journal entry; action is "recorded" or "canceled".
func ObserveTransaction(kind, action string) {
	transactionsTotal.WithLabelValues(kind, action).Inc()
}

// ObserveAccrual records one accrual run. trigger is "scheduler", "api" or "cli".
func ObserveAccrual(trigger string, days, failedYears int, err error) {
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case failedYears > 0:
		result = "partial"
	}
	accrualRunsTotal.WithLabelValues(trigger, result).Inc()
	accrualDaysTotal.Add(float64(days))
	accrualYearFailures.Add(float64(failedYears))
}

// ObserveYearTransition counts a year moving to status.
func ObserveYearTransition(status string) {
	yearTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveSchedulerTick counts one scheduler tick.
func ObserveSchedulerTick(outcome string) {
	schedulerTicksTotal.WithLabelValues(outcome).Inc()
}

// ObserveSettingsCache counts a cache lookup; result is "hit", "miss" or "error".
func ObserveSettingsCache(result string) {
	settingsCacheTotal.WithLabelValues(result).Inc()
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// collections maps a /v1 collection to the sub-resources allowed after its id.
var collections = map[string]map[string]bool{
	"transactions":    {"cancel": true},
	"investors":       {"reconcile": true, "transactions": true},
	"financial-years": {"calculate": true, "approve": true, "close": true, "distributions": true, "summary": true},
}

// CanonicalPath folds resource ids into ":id" so metric labels stay bounded.
// Unknown shapes are returned unchanged.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	segs := strings.Split(strings.Trim(p, "/"), "/")
	if len(segs) < 3 || len(segs) > 4 || segs[0] != "v1" {
		return p
	}
	subs, ok := collections[segs[1]]
	if !ok {
		return p
	}
	if len(segs) == 4 && !subs[segs[3]] {
		return p
	}
	segs[2] = ":id"
	return "/" + strings.Join(segs, "/")
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
