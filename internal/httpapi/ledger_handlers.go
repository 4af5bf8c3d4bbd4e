package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fundledger.org/internal/ids"
	"fundledger.org/internal/ledger"
)

type createInvestorRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Contact     string `json:"contact"`
	JoinedAt    *Date  `json:"joined_at"`
}

type recordTransactionRequest struct {
	InvestorID      string          `json:"investor_id"`
	Kind            ledger.Kind     `json:"kind"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Date            *Date           `json:"date"`
	FinancialYearID string          `json:"financial_year_id"`
}

type cancelTransactionsRequest struct {
	IDs []string `json:"ids"`
}

type listTransactionsResponse struct {
	Items []ledger.Transaction `json:"items"`
	// Next is the cursor for the following page, empty on the last one.
	Next string    `json:"next,omitempty"`
	AsOf time.Time `json:"as_of"`
}

// settingsSnapshot fetches the settings an operation runs against, answering the
// request itself on failure.
func (a *API) settingsSnapshot(w http.ResponseWriter, r *http.Request) (ledger.Settings, bool) {
	if a.settings == nil {
		writeError(w, r, http.StatusServiceUnavailable, "settings unavailable")
		return ledger.Settings{}, false
	}
	st, err := a.settings.Current(r.Context())
	if err != nil {
		handleLedgerError(w, r, err)
		return ledger.Settings{}, false
	}
	return st, true
}

func (a *API) createInvestor(w http.ResponseWriter, r *http.Request) {
	var req createInvestorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badBody(w, r, err)
		return
	}
	if len(req.ID) > 64 {
		writeError(w, r, http.StatusBadRequest, "id must be <=64 characters")
		return
	}
	inv, err := a.svc.CreateInvestor(r.Context(), ledger.Investor{
		ID:          strings.TrimSpace(req.ID),
		DisplayName: req.DisplayName,
		Contact:     strings.TrimSpace(req.Contact),
		CreatedAt:   req.JoinedAt.value(),
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "fund.investor.create", "investor", inv.ID, map[string]string{
		"display_name": inv.DisplayName,
	})
	w.Header().Set("Location", "/v1/investors/"+inv.ID)
	writeJSON(w, http.StatusCreated, inv)
}

func (a *API) getInvestor(w http.ResponseWriter, r *http.Request) {
	inv, err := a.svc.GetInvestor(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (a *API) reconcileInvestor(w http.ResponseWriter, r *http.Request) {
	rec, err := a.svc.ReconcileInvestor(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) recordTransaction(w http.ResponseWriter, r *http.Request) {
	var req recordTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badBody(w, r, err)
		return
	}
	st, ok := a.settingsSnapshot(w, r)
	if !ok {
		return
	}
	t, err := a.svc.RecordTransaction(r.Context(), st, ledger.RecordInput{
		InvestorID:      strings.TrimSpace(req.InvestorID),
		Kind:            ledger.Kind(strings.ToUpper(string(req.Kind))),
		Amount:          req.Amount,
		Currency:        req.Currency,
		Date:            req.Date.value(),
		FinancialYearID: strings.TrimSpace(req.FinancialYearID),
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "fund.transaction.record", "transaction", t.ID, map[string]string{
		"investor_id":     t.InvestorID,
		"kind":            string(t.Kind),
		"amount":          t.Amount.String(),
		"currency":        t.Currency,
		"rate":            t.Rate.String(),
		"withdraw_source": string(t.WithdrawSource),
	})
	w.Header().Set("Location", "/v1/transactions/"+t.ID)
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) getTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := a.svc.GetTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) cancelTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := a.svc.CancelTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "fund.transaction.cancel", "transaction", t.ID, map[string]string{
		"investor_id": t.InvestorID,
		"kind":        string(t.Kind),
		"amount":      t.PivotAmount.String(),
	})
	writeJSON(w, http.StatusOK, t)
}

func (a *API) cancelTransactions(w http.ResponseWriter, r *http.Request) {
	var req cancelTransactionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badBody(w, r, err)
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, r, http.StatusBadRequest, "ids are required")
		return
	}
	if len(req.IDs) > 1000 {
		writeError(w, r, http.StatusBadRequest, "at most 1000 ids per request")
		return
	}
	for _, id := range req.IDs {
		if !ids.Valid(id) {
			writeError(w, r, http.StatusBadRequest, "malformed transaction id "+strconv.Quote(id))
			return
		}
	}
	txs, err := a.svc.CancelTransactions(r.Context(), req.IDs)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	for _, t := range txs {
		a.audit(r.Context(), "fund.transaction.cancel", "transaction", t.ID, map[string]string{
			"investor_id": t.InvestorID,
			"kind":        string(t.Kind),
			"batch":       "true",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": txs})
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	filter := ledger.TransactionFilter{
		InvestorID:      strings.TrimSpace(q.Get("investor_id")),
		FinancialYearID: strings.TrimSpace(q.Get("financial_year_id")),
		Kind:            ledger.Kind(strings.ToUpper(strings.TrimSpace(q.Get("kind")))),
		Status:          ledger.TxStatus(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		Limit:           limit,
	}
	if filter.From, err = parseDate(q.Get("from")); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if filter.To, err = parseDate(q.Get("to")); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if cursor := strings.TrimSpace(q.Get("before")); cursor != "" {
		filter.BeforeDate, filter.BeforeID, err = decodeCursor(cursor)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}

	items, err := a.svc.ListTransactions(r.Context(), filter)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	resp := listTransactionsResponse{Items: items, AsOf: a.now().UTC()}
	if resp.Items == nil {
		resp.Items = []ledger.Transaction{}
	}
	if len(items) == limit {
		last := items[len(items)-1]
		resp.Next = encodeCursor(last.Date, last.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

var errInvalidCursor = errors.New("invalid cursor")

// Cursors are "<RFC3339Nano date in UTC>|<id>".
func encodeCursor(date time.Time, id string) string {
	return date.UTC().Format(time.RFC3339Nano) + "|" + id
}

func decodeCursor(raw string) (time.Time, string, error) {
	date, id, ok := strings.Cut(raw, "|")
	if !ok || id == "" {
		return time.Time{}, "", errInvalidCursor
	}
	t, err := time.Parse(time.RFC3339Nano, date)
	if err != nil {
		return time.Time{}, "", errInvalidCursor
	}
	return t, id, nil
}
