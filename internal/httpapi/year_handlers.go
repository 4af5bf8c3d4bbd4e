package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fundledger.org/internal/ledger"
	"fundledger.org/internal/obs"
	"fundledger.org/internal/settings"
)

type createYearRequest struct {
	Label              string          `json:"label"`
	StartDate          Date            `json:"start_date"`
	EndDate            Date            `json:"end_date"`
	TotalProfitPool    decimal.Decimal `json:"total_profit_pool"`
	RolloverEnabled    bool            `json:"rollover_enabled"`
	RolloverPercentage decimal.Decimal `json:"rollover_percentage"`
	Draft              bool            `json:"draft"`
}

type updateYearRequest struct {
	Label              *string          `json:"label"`
	StartDate          *Date            `json:"start_date"`
	EndDate            *Date            `json:"end_date"`
	TotalProfitPool    *decimal.Decimal `json:"total_profit_pool"`
	RolloverEnabled    *bool            `json:"rollover_enabled"`
	RolloverPercentage *decimal.Decimal `json:"rollover_percentage"`
}

type asOfRequest struct {
	AsOf *Date `json:"as_of"`
}

type yearAccrualResponse struct {
	YearID      string     `json:"year_id"`
	From        *time.Time `json:"from,omitempty"`
	Through     *time.Time `json:"through,omitempty"`
	DaysAccrued int        `json:"days_accrued"`
	Error       string     `json:"error,omitempty"`
}

type accrualResponse struct {
	AsOf        time.Time             `json:"as_of"`
	DaysAccrued int                   `json:"days_accrued"`
	Years       []yearAccrualResponse `json:"years"`
}

func (a *API) createYear(w http.ResponseWriter, r *http.Request) {
	var req createYearRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badBody(w, r, err)
		return
	}
	y, err := a.svc.CreateFinancialYear(r.Context(), ledger.YearInput{
		Label:              req.Label,
		StartDate:          req.StartDate.Time,
		EndDate:            req.EndDate.Time,
		TotalProfitPool:    req.TotalProfitPool,
		RolloverEnabled:    req.RolloverEnabled,
		RolloverPercentage: req.RolloverPercentage,
		Draft:              req.Draft,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "fund.year.create", "financial_year", y.ID, map[string]string{
		"label":  y.Label,
		"pool":   y.TotalProfitPool.String(),
		"status": string(y.Status),
	})
	w.Header().Set("Location", "/v1/financial-years/"+y.ID)
	writeJSON(w, http.StatusCreated, y)
}

func (a *API) listYears(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	offset := 0
	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil || offset < 0 {
			writeError(w, r, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
	}
	years, err := a.svc.ListFinancialYears(r.Context(), ledger.YearFilter{
		Status: ledger.YearStatus(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if years == nil {
		years = []ledger.FinancialYear{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": years})
}

func (a *API) getYear(w http.ResponseWriter, r *http.Request) {
	y, err := a.svc.GetFinancialYear(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, y)
}

func (a *API) updateYear(w http.ResponseWriter, r *http.Request) {
	var req updateYearRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badBody(w, r, err)
		return
	}
	patch := ledger.YearPatch{
		Label:              req.Label,
		TotalProfitPool:    req.TotalProfitPool,
		RolloverEnabled:    req.RolloverEnabled,
		RolloverPercentage: req.RolloverPercentage,
	}
	if req.StartDate != nil {
		patch.StartDate = &req.StartDate.Time
	}
	if req.EndDate != nil {
		patch.EndDate = &req.EndDate.Time
	}
	y, err := a.svc.UpdateFinancialYear(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "fund.year.update", "financial_year", y.ID, map[string]string{
		"status": string(y.Status),
	})
	writeJSON(w, http.StatusOK, y)
}

func (a *API) deleteYear(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reversed, err := a.svc.DeleteYear(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "fund.year.delete", "financial_year", id, map[string]string{
		"reversed_transactions": strconv.Itoa(reversed),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                    id,
		"reversed_transactions": reversed,
	})
}

// decodeAsOf reads an optional {"as_of": ...} body; the default is now.
func (a *API) decodeAsOf(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	asOf := a.now()
	if r.ContentLength == 0 {
		return asOf, true
	}
	var req asOfRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badBody(w, r, err)
		return time.Time{}, false
	}
	if req.AsOf != nil && !req.AsOf.IsZero() {
		asOf = req.AsOf.Time
	}
	return asOf, true
}

func (a *API) calculateYear(w http.ResponseWriter, r *http.Request) {
	asOf, ok := a.decodeAsOf(w, r)
	if !ok {
		return
	}
	st, ok := a.settingsSnapshot(w, r)
	if !ok {
		return
	}
	y, err := a.svc.CalculateYear(r.Context(), st, r.PathValue("id"), asOf)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "fund.year.calculate", "financial_year", y.ID, map[string]string{
		"as_of": asOf.Format(time.DateOnly),
	})
	writeJSON(w, http.StatusOK, y)
}

func (a *API) approveYear(w http.ResponseWriter, r *http.Request) {
	st, ok := a.settingsSnapshot(w, r)
	if !ok {
		return
	}
	res, err := a.svc.ApproveYear(r.Context(), st, r.PathValue("id"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "fund.year.approve", "financial_year", res.Year.ID, map[string]string{
		"transactions":   strconv.Itoa(len(res.Transactions)),
		"total_rollover": res.TotalRollover.String(),
		"total_payout":   res.TotalPayout.String(),
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) closeYear(w http.ResponseWriter, r *http.Request) {
	y, err := a.svc.CloseYear(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "fund.year.close", "financial_year", y.ID, nil)
	writeJSON(w, http.StatusOK, y)
}

func (a *API) getDistributions(w http.ResponseWriter, r *http.Request) {
	dists, err := a.svc.GetDistributions(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if dists == nil {
		dists = []ledger.Distribution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": dists})
}

func (a *API) summarizeYear(w http.ResponseWriter, r *http.Request) {
	sum, err := a.svc.SummarizeYear(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) runAccrual(w http.ResponseWriter, r *http.Request) {
	asOf, ok := a.decodeAsOf(w, r)
	if !ok {
		return
	}
	st, ok := a.settingsSnapshot(w, r)
	if !ok {
		return
	}
	report, err := a.svc.AccrueDailyProfits(r.Context(), st, asOf)
	failed := 0
	for _, y := range report.Years {
		if y.Err != nil {
			failed++
		}
	}
	obs.ObserveAccrual("api", report.DaysAccrued(), failed, err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	resp := accrualResponse{AsOf: report.AsOf, DaysAccrued: report.DaysAccrued(), Years: []yearAccrualResponse{}}
	for _, y := range report.Years {
		item := yearAccrualResponse{YearID: y.YearID, From: optTime(y.From), Through: optTime(y.Through), DaysAccrued: y.DaysAccrued}
		if y.Err != nil {
			item.Error = y.Err.Error()
		}
		resp.Years = append(resp.Years, item)
	}
	a.audit(r.Context(), "fund.accrual.run", "accrual", report.AsOf.Format(time.DateOnly), map[string]string{
		"days_accrued": strconv.Itoa(resp.DaysAccrued),
		"failed_years": strconv.Itoa(failed),
	})
	code := http.StatusOK
	if failed > 0 {
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, resp)
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (a *API) getSettings(w http.ResponseWriter, r *http.Request) {
	st, ok := a.settingsSnapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) updateSettings(w http.ResponseWriter, r *http.Request) {
	if a.settings == nil {
		writeError(w, r, http.StatusServiceUnavailable, "settings unavailable")
		return
	}
	var req settings.Update
	if err := decodeJSON(w, r, &req); err != nil {
		badBody(w, r, err)
		return
	}
	st, err := a.settings.Update(r.Context(), req)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	meta := map[string]string{
		"default_currency": st.DefaultCurrency,
		"timezone":         st.Timezone,
	}
	if req.PivotRate != nil {
		meta["pivot_rate"] = st.PivotRate.String()
	}
	a.audit(r.Context(), "fund.settings.update", "settings", "current", meta)
	writeJSON(w, http.StatusOK, st)
}
