package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// metricValue returns the counter or gauge value of the series of name
// carrying every label in want, or -1 when no such series exists.
func metricValue(t *testing.T, name string, want map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if got[k] != v {
					continue series
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return -1
}

func pluginMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/plugins/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("DELETE /api/v1/stream/connections/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func TestMuxRoute(t *testing.T) {
	route := MuxRoute(pluginMux())
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/api/v1/plugins/reachability", "GET /api/v1/plugins/{id}"},
		{http.MethodGet, "/api/v1/plugins/remote", "GET /api/v1/plugins/{id}"},
		{http.MethodDelete, "/api/v1/stream/connections/c-42", "DELETE /api/v1/stream/connections/{id}"},
		{http.MethodGet, "/api/v1/nope/abc", unmatchedRoute},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
		if got := route(req); got != tt.want {
			t.Errorf("route(%s %s) = %q, want %q", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestLoggingMiddleware_LabelsByRoutePattern(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	mux := pluginMux()
	handler := LoggingMiddleware(zap.New(core), MuxRoute(mux), nil)(mux)

	const route = "DELETE /api/v1/stream/connections/{id}"
	before := metricValue(t, "switchyard_http_requests_total", map[string]string{"route": route, "status": "204"})
	if before < 0 {
		before = 0
	}

	for _, id := range []string{"c-1", "c-2", "c-3"} {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/stream/connections/"+id, http.NoBody)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	after := metricValue(t, "switchyard_http_requests_total", map[string]string{"route": route, "status": "204"})
	if after-before != 3 {
		t.Errorf("requests for %q grew by %v, want 3", route, after-before)
	}
	if v := metricValue(t, "switchyard_http_requests_total", map[string]string{"route": "/api/v1/stream/connections/c-1"}); v != -1 {
		t.Errorf("found a series labelled with a raw path (value %v)", v)
	}

	entries := logs.FilterMessage("http request").All()
	if len(entries) != 3 {
		t.Fatalf("logged %d requests, want 3", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["route"] != route {
		t.Errorf("route field = %v, want %q", fields["route"], route)
	}
	if fields["path"] != "/api/v1/stream/connections/c-1" {
		t.Errorf("path field = %v, want raw path", fields["path"])
	}
}

func TestLoggingMiddleware_QuietPaths(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := LoggingMiddleware(zap.New(core), MuxRoute(mux), []string{"/healthz"})(mux)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	if n := logs.Len(); n != 0 {
		t.Errorf("logged %d entries for a quiet path, want 0", n)
	}
	if v := metricValue(t, "switchyard_http_requests_total", map[string]string{"route": "GET /healthz"}); v < 1 {
		t.Errorf("quiet path not counted, value = %v", v)
	}
}

func TestLoggingMiddleware_WebSocketUpgrade(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	mux := http.NewServeMux()
	accepted := make(chan struct{})
	mux.HandleFunc("GET /api/v1/ws/echo", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("websocket.Accept() through middleware error = %v", err)
			return
		}
		defer conn.CloseNow()
		close(accepted)
		_ = conn.Write(r.Context(), websocket.MessageText, []byte("hello"))
		_, _, _ = conn.Read(r.Context())
	})
	srv := httptest.NewServer(LoggingMiddleware(zap.New(core), MuxRoute(mux), nil)(mux))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws/echo", nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("websocket.Dial() error = %v", err)
	}
	<-accepted

	_, msg, err := conn.Read(ctx)
	if err != nil || string(msg) != "hello" {
		t.Fatalf("Read() = %q, %v; want hello", msg, err)
	}
	if v := metricValue(t, "switchyard_http_stream_sessions", map[string]string{"route": "GET /api/v1/ws/echo"}); v != 1 {
		t.Errorf("open stream sessions = %v, want 1", v)
	}

	conn.Close(websocket.StatusNormalClosure, "done")
	deadline := time.Now().Add(5 * time.Second)
	for logs.FilterMessage("stream session closed").Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for stream session log")
		}
		time.Sleep(10 * time.Millisecond)
	}
	entry := logs.FilterMessage("stream session closed").All()[0]
	if got := entry.ContextMap()["status"]; got != int64(http.StatusSwitchingProtocols) {
		t.Errorf("status field = %v, want 101", got)
	}
	if v := metricValue(t, "switchyard_http_stream_sessions", map[string]string{"route": "GET /api/v1/ws/echo"}); v != 0 {
		t.Errorf("open stream sessions after close = %v, want 0", v)
	}
}

func TestResponseWriter(t *testing.T) {
	t.Run("first status wins", func(t *testing.T) {
		rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
		rw.WriteHeader(http.StatusConflict)
		rw.WriteHeader(http.StatusNotFound)
		if rw.status != http.StatusConflict {
			t.Errorf("status = %d, want %d", rw.status, http.StatusConflict)
		}
	})

	t.Run("flush reaches recorder", func(t *testing.T) {
		rec := httptest.NewRecorder()
		rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}
		var w http.ResponseWriter = rw
		f, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("responseWriter does not implement http.Flusher")
		}
		f.Flush()
		if !rec.Flushed {
			t.Error("Flush() did not reach the wrapped writer")
		}
	})

	t.Run("unwrap exposes wrapped writer", func(t *testing.T) {
		rec := httptest.NewRecorder()
		rw := &responseWriter{ResponseWriter: rec}
		if rw.Unwrap() != http.ResponseWriter(rec) {
			t.Error("Unwrap() did not return the wrapped writer")
		}
	})

	t.Run("hijack unsupported by recorder", func(t *testing.T) {
		rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
		if _, _, err := rw.Hijack(); err == nil {
			t.Error("Hijack() on a recorder succeeded, want error")
		}
		if rw.upgraded {
			t.Error("failed hijack marked the request upgraded")
		}
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		wantSame bool
	}{
		{name: "generated", incoming: ""},
		{name: "propagated", incoming: "trace-7f3a", wantSame: true},
		{name: "oversized replaced", incoming: strings.Repeat("x", maxRequestIDLen+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inCtx string
			handler := RequestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				inCtx = RequestID(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/api/v1/plugins", http.NoBody)
			if tt.incoming != "" {
				req.Header.Set("X-Request-ID", tt.incoming)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			got := w.Header().Get("X-Request-ID")
			if got != inCtx {
				t.Errorf("header %q differs from context %q", got, inCtx)
			}
			if tt.wantSame && got != tt.incoming {
				t.Errorf("X-Request-ID = %q, want %q", got, tt.incoming)
			}
			if !tt.wantSame && len(got) != 32 {
				t.Errorf("X-Request-ID = %q, want generated 32-char ID", got)
			}
		})
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	tests := []struct {
		devMode bool
		wantCSP string
	}{
		{false, "default-src 'none'; frame-ancestors 'none'"},
		{true, "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; img-src 'self' data:"},
	}
	for _, tt := range tests {
		handler := SecurityHeadersMiddleware(tt.devMode)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/plugins", http.NoBody))

		if got := w.Header().Get("Content-Security-Policy"); got != tt.wantCSP {
			t.Errorf("devMode=%v CSP = %q, want %q", tt.devMode, got, tt.wantCSP)
		}
		for header, want := range map[string]string{
			"X-Content-Type-Options": "nosniff",
			"X-Frame-Options":        "DENY",
			"Referrer-Policy":        "no-referrer",
			"Cache-Control":          "no-store",
		} {
			if got := w.Header().Get(header); got != want {
				t.Errorf("%s = %q, want %q", header, got, want)
			}
		}
	}
}

func TestVersionHeaderMiddleware(t *testing.T) {
	handler := VersionHeaderMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	if v := w.Header().Get("X-Switchyard-Version"); v == "" {
		t.Error("expected X-Switchyard-Version header to be set")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Run("panic becomes problem", func(t *testing.T) {
		handler := RecoveryMiddleware(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("plugin handler exploded")
		}))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/plugins/system", http.NoBody))

		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
			t.Errorf("Content-Type = %q, want application/problem+json", ct)
		}
	})

	t.Run("abort handler propagates", func(t *testing.T) {
		handler := RecoveryMiddleware(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic(http.ErrAbortHandler)
		}))
		defer func() {
			if rec := recover(); rec != http.ErrAbortHandler {
				t.Errorf("recovered %v, want http.ErrAbortHandler", rec)
			}
		}()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	t.Run("burst then limited", func(t *testing.T) {
		handler := RateLimitMiddleware(1, 2, nil)(ok)
		want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
		for i, code := range want {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/events/history", http.NoBody)
			req.RemoteAddr = "10.0.0.1:9999"
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != code {
				t.Fatalf("request %d: status = %d, want %d", i, w.Code, code)
			}
			if code == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
				t.Error("limited response has no Retry-After")
			}
		}
	})

	t.Run("clients are independent", func(t *testing.T) {
		handler := RateLimitMiddleware(0.001, 1, nil)(ok)
		for _, addr := range []string{"10.0.0.2:1", "10.0.0.3:1"} {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/plugins", http.NoBody)
			req.RemoteAddr = addr
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != http.StatusOK {
				t.Errorf("%s: status = %d, want %d", addr, w.Code, http.StatusOK)
			}
		}
	})

	t.Run("exempt health paths", func(t *testing.T) {
		handler := RateLimitMiddleware(0.001, 1, []string{"/readyz"})(ok)
		for i := range 10 {
			req := httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody)
			req.RemoteAddr = "10.0.0.4:9999"
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != http.StatusOK {
				t.Fatalf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
			}
		}
	})
}

func TestClientLimiters_EvictsIdle(t *testing.T) {
	l := newClientLimiters(1, 1)
	l.allow("10.0.0.9")
	l.clients["10.0.0.9"].lastSeen = time.Now().Add(-2 * clientIdleTTL)
	l.allow("10.0.0.10")

	l.mu.Lock()
	l.evictIdle(time.Now())
	_, stale := l.clients["10.0.0.9"]
	_, fresh := l.clients["10.0.0.10"]
	l.mu.Unlock()

	if stale || !fresh {
		t.Errorf("after eviction stale=%v fresh=%v, want false/true", stale, fresh)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"remote addr", "192.168.1.100:12345", "", "192.168.1.100"},
		{"forwarded first hop", "127.0.0.1:12345", "203.0.113.50, 70.41.3.18", "203.0.113.50"},
		{"blank forwarded", "127.0.0.1:12345", " ,10.1.1.1", "127.0.0.1"},
		{"no port", "unix-socket", "", "unix-socket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChain(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name+">")
				next.ServeHTTP(w, r)
				order = append(order, "<"+name)
			})
		}
	}
	handler := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), tag("recover"), tag("auth"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	want := "recover> auth> handler <auth <recover"
	if got := strings.Join(order, " "); got != want {
		t.Errorf("order = %q, want %q", got, want)
	}
}
