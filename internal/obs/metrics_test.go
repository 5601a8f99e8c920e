package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/v1/accounts/abc":              "/v1/accounts/:id",
		"/v1/accounts/abc/balance":      "/v1/accounts/:id/balance",
		"/v1/accounts/abc/entries":      "/v1/accounts/:id/entries",
		"/v1/accounts/abc/freeze":       "/v1/accounts/:id/freeze",
		"/v1/accounts/abc/extra":        "/v1/accounts/abc/extra",
		"/v1/transactions/xyz":          "/v1/transactions/:id",
		"/v1/transfers":                 "/v1/transfers",
		"/v1/transfers?limit=10":        "/v1/transfers",
		"/v1/accounts/abc/entries?a=1":  "/v1/accounts/:id/entries",
		"/v1/transactions/xyz/whatever": "/v1/transactions/xyz/whatever",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
