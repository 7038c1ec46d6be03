package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestAuthMiddleware covers the enabled and disabled paths.
func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		apiKey    string
		header    string
		want      int
		challenge bool
	}{
		{"disabled", "", "", http.StatusOK, false},
		{"missing header", "secret", "", http.StatusUnauthorized, true},
		{"wrong token", "secret", "Bearer wrong-token", http.StatusUnauthorized, true},
		{"token prefix", "secret", "Bearer secre", http.StatusUnauthorized, true},
		{"correct token", "secret", "Bearer secret", http.StatusOK, false},
		{"lowercase scheme", "secret", "bearer secret", http.StatusOK, false},
		{"basic auth", "secret", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := authMiddleware(tc.apiKey, okHandler)
			req := httptest.NewRequest(http.MethodPost, "/chat", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()

			h.ServeHTTP(w, req)

			if w.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, w.Code)
			}
			if got := w.Header().Get("WWW-Authenticate") != ""; got != tc.challenge {
				t.Errorf("WWW-Authenticate present=%v, want %v", got, tc.challenge)
			}
		})
	}
}

// TestBearerToken verifies the bearerToken extraction helper.
func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header string
		want   string
	}{
		{"Bearer mytoken", "mytoken"},
		{"bearer mytoken", "mytoken"},
		{"BEARER mytoken", "mytoken"},
		{"Bearer  spaced ", "spaced"},
		{"Basic dXNlcjpwYXNz", ""},
		{"", ""},
		{"Bearer", ""},
		{"token only", ""},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		if got := bearerToken(req); got != tc.want {
			t.Errorf("header=%q: expected %q, got %q", tc.header, tc.want, got)
		}
	}
}
