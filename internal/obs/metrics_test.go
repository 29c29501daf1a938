package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                         "/",
		"/":                        "/",
		"/metrics":                 "/metrics",
		"/api/auth/login":          "/api/auth/login",
		"/api/auth/refresh/":       "/api/auth/refresh",
		"/api/audit-logs?limit=10": "/api/audit-logs",
		"/api/users/42":            "other",
		"/wp-login.php":            "other",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
