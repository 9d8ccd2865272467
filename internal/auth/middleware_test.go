package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serve(t *testing.T, mw func(http.Handler) http.Handler, req *http.Request) (called bool, code int) {
	t.Helper()
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return called, w.Code
}

func TestAuthMiddleware(t *testing.T) {
	ts := newTestTokenService()
	valid, err := ts.IssueAccessToken("ops", ScopeRead)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	upgradeOn := func(path string) *http.Request {
		r := httptest.NewRequest("GET", path, nil)
		r.Header.Set("Connection", "Upgrade")
		r.Header.Set("Upgrade", "websocket")
		return r
	}

	withHeader := func(path, header string) *http.Request {
		r := httptest.NewRequest("GET", path, nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		return r
	}

	tests := []struct {
		name       string
		req        *http.Request
		wantCalled bool
		wantCode   int
	}{
		{"non-API path", withHeader("/healthz", ""), true, http.StatusOK},
		{"websocket route checks its own token", withHeader("/api/v1/ws/stream/all", ""), true, http.StatusOK},
		{"upgrade header does not bypass plugins", upgradeOn("/api/v1/plugins"), false, http.StatusUnauthorized},
		{"upgrade header does not bypass connections", upgradeOn("/api/v1/stream/connections"), false, http.StatusUnauthorized},
		{"upgrade header does not bypass history", upgradeOn("/api/v1/events/history"), false, http.StatusUnauthorized},
		{"mcp has own auth", withHeader("/api/v1/mcp", ""), true, http.StatusOK},
		{"no header", withHeader("/api/v1/plugins", ""), false, http.StatusUnauthorized},
		{"non-bearer scheme", withHeader("/api/v1/plugins", "Basic abc"), false, http.StatusUnauthorized},
		{"bad token", withHeader("/api/v1/plugins", "Bearer nope"), false, http.StatusUnauthorized},
		{"valid token", withHeader("/api/v1/plugins", "Bearer "+valid), true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called, code := serve(t, AuthMiddleware(ts), tt.req)
			if called != tt.wantCalled {
				t.Errorf("handler called = %v, want %v", called, tt.wantCalled)
			}
			if code != tt.wantCode {
				t.Errorf("status = %d, want %d", code, tt.wantCode)
			}
		})
	}
}

func TestAuthMiddleware_SetsClaims(t *testing.T) {
	ts := newTestTokenService()
	token, _ := ts.IssueAccessToken("ops", ScopeRead)

	var got *Claims
	handler := AuthMiddleware(ts)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = ClaimsFromContext(r.Context())
	}))
	req := httptest.NewRequest("GET", "/api/v1/plugins", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil || got.Subject != "ops" {
		t.Fatalf("ClaimsFromContext() = %+v, want subject ops", got)
	}
}

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name   string
		claims *Claims
		want   int
	}{
		{"no auth configured", nil, http.StatusOK},
		{"has scope", &Claims{Scopes: []string{ScopeAdmin}}, http.StatusOK},
		{"lacks scope", &Claims{Scopes: []string{ScopeRead}}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := RequireScope(ScopeAdmin, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			req := httptest.NewRequest("DELETE", "/api/v1/stream/connections/x", nil)
			if tt.claims != nil {
				req = req.WithContext(WithClaims(req.Context(), tt.claims))
			}
			w := httptest.NewRecorder()
			h(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestClaimsFromContext_Nil(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	if ClaimsFromContext(req.Context()) != nil {
		t.Error("expected nil claims on bare context")
	}
}
