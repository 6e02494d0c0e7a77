package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                   "/",
		"/metrics":                           "/metrics",
		"/v1/admin/login":                    "/v1/admin/login",
		"/v1/admin/accounts":                 "/v1/admin/accounts",
		"/v1/admin/accounts/01J0ABC":         "/v1/admin/accounts/:id",
		"/v1/admin/accounts/01J0ABC/extra":   "/v1/admin/accounts/01J0ABC/extra",
		"/v1/admin/users/u-1/ban":            "/v1/admin/users/:id/ban",
		"/v1/admin/users/u-1/unban":          "/v1/admin/users/:id/unban",
		"/v1/admin/analytics?from=yesterday": "/v1/admin/analytics",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
