package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serviceAuthHandler(tokens ...string) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mw := RequireServiceToken(ServiceAuthConfig{Tokens: tokens, Logger: logger})
	return mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestRequireServiceToken_BearerAccepted(t *testing.T) {
	handler := serviceAuthHandler("secret-token")

	req := httptest.NewRequest("POST", "/internal/v1/access-status", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireServiceToken_HeaderAccepted(t *testing.T) {
	handler := serviceAuthHandler("secret-token")

	req := httptest.NewRequest("POST", "/internal/v1/access-status", nil)
	req.Header.Set("X-Service-Token", "secret-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireServiceToken_Rejections(t *testing.T) {
	handler := serviceAuthHandler("secret-token")

	tests := []struct {
		name  string
		setup func(r *http.Request)
	}{
		{"no credentials", func(r *http.Request) {}},
		{"wrong bearer token", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer wrong-token")
		}},
		{"wrong header token", func(r *http.Request) {
			r.Header.Set("X-Service-Token", "wrong-token")
		}},
		{"malformed authorization scheme", func(r *http.Request) {
			r.Header.Set("Authorization", "Basic secret-token")
		}},
		{"empty bearer", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer ")
		}},
		{"authorization present blocks header fallback", func(r *http.Request) {
			r.Header.Set("Authorization", "Basic nope")
			r.Header.Set("X-Service-Token", "secret-token")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/internal/v1/trial", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected JSON error body, got %s", ct)
			}
			if !strings.Contains(rec.Body.String(), "unauthorized") {
				t.Errorf("unexpected body: %s", rec.Body.String())
			}
		})
	}
}

// A blank configured token must never match, even against a blank
// presented token. Otherwise a misconfigured deployment is wide open.
func TestRequireServiceToken_EmptyConfiguredTokenNeverMatches(t *testing.T) {
	handler := serviceAuthHandler("")

	req := httptest.NewRequest("POST", "/internal/v1/refund", nil)
	req.Header.Set("X-Service-Token", "")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

// Both the outgoing and incoming token stay valid during a rotation.
func TestRequireServiceToken_Rotation(t *testing.T) {
	handler := serviceAuthHandler("old-token", "new-token")

	for _, token := range []string{"old-token", "new-token"} {
		req := httptest.NewRequest("POST", "/internal/v1/access-status", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("token %q: expected 200, got %d", token, rec.Code)
		}
	}
}
