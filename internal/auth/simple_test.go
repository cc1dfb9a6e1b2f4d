package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		token       string
		path        string
		authz       string
		wantStatus  int
		wantHandled bool
		wantBody    string
	}{
		{"allows healthz without token", "sekrit", "/healthz", "", http.StatusTeapot, true, ""},
		{"allows metrics without token", "sekrit", "/metrics", "", http.StatusTeapot, true, ""},
		{"rejects missing token", "sekrit", "/v1/groups", "", http.StatusUnauthorized, false, "missing API token"},
		{"rejects invalid token", "sekrit", "/v1/groups", "Bearer wrong", http.StatusForbidden, false, "invalid API token"},
		{"rejects when unconfigured", "", "/v1/groups", "Bearer ", http.StatusForbidden, false, "invalid API token"},
		{"allows valid token", "sekrit", "/v1/groups", "Bearer sekrit", http.StatusTeapot, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handled := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handled = true
				w.WriteHeader(http.StatusTeapot)
			})
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.authz != "" {
				req.Header.Set("Authorization", tt.authz)
			}
			rr := httptest.NewRecorder()
			Middleware(tt.token)(next).ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected status %d got %d", tt.wantStatus, rr.Code)
			}
			if handled != tt.wantHandled {
				t.Fatalf("handled = %v, want %v", handled, tt.wantHandled)
			}
			if tt.wantBody != "" && strings.TrimSpace(rr.Body.String()) != tt.wantBody {
				t.Fatalf("unexpected body %q", rr.Body.String())
			}
		})
	}
}
