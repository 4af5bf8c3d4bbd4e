package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                      "/",
		"/metrics":                              "/metrics",
		"/v1/transactions":                      "/v1/transactions",
		"/v1/transactions?limit=10":             "/v1/transactions",
		"/v1/transactions/01J0/cancel":          "/v1/transactions/:id/cancel",
		"/v1/transactions/01J0/extra":           "/v1/transactions/01J0/extra",
		"/v1/investors/abc":                     "/v1/investors/:id",
		"/v1/investors/abc/reconcile":           "/v1/investors/:id/reconcile",
		"/v1/financial-years/fy1":               "/v1/financial-years/:id",
		"/v1/financial-years/fy1/approve":       "/v1/financial-years/:id/approve",
		"/v1/financial-years/fy1/distributions": "/v1/financial-years/:id/distributions",
		"/v1/accrual/run":                       "/v1/accrual/run",
		"/v1/settings":                          "/v1/settings",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
