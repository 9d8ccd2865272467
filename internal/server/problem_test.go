package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/HerbHall/switchyard/pkg/plugin"
)

func TestProblemFromError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantPlugin string
	}{
		{
			name:       "unknown plugin",
			err:        fmt.Errorf("%w: remote", plugin.ErrPluginNotFound),
			wantStatus: http.StatusNotFound,
			wantType:   ProblemTypeNotFound,
		},
		{
			name:       "lifecycle violation",
			err:        &plugin.LifecycleError{PluginID: "remote", Op: "start", State: plugin.StateUninitialized},
			wantStatus: http.StatusConflict,
			wantType:   ProblemTypeLifecycle,
			wantPlugin: "remote",
		},
		{
			name:       "missing dependency",
			err:        &plugin.MissingDependencyError{PluginID: "remote", DependencyID: "reachability", Reason: "disabled"},
			wantStatus: http.StatusConflict,
			wantType:   ProblemTypeDependency,
			wantPlugin: "remote",
		},
		{
			name:       "cycle",
			err:        &plugin.CycleError{Cycle: []string{"a", "b", "a"}},
			wantStatus: http.StatusConflict,
			wantType:   ProblemTypeDependency,
		},
		{
			name:       "hook failure",
			err:        fmt.Errorf("start all: %w", &plugin.HookError{PluginID: "webhook", Hook: "OnStart", Err: errors.New("dial tcp: refused")}),
			wantStatus: http.StatusBadGateway,
			wantType:   ProblemTypePluginFailed,
			wantPlugin: "webhook",
		},
		{
			name:       "invalid event",
			err:        fmt.Errorf("%w: empty type", plugin.ErrInvalidEvent),
			wantStatus: http.StatusBadRequest,
			wantType:   ProblemTypeBadRequest,
		},
		{
			name:       "unrecognized",
			err:        errors.New("sql: database is closed"),
			wantStatus: http.StatusInternalServerError,
			wantType:   ProblemTypeInternal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ProblemFromError(tt.err, "/api/v1/plugins/x")
			if p.Status != tt.wantStatus || p.Type != tt.wantType {
				t.Errorf("problem = {%d %s}, want {%d %s}", p.Status, p.Type, tt.wantStatus, tt.wantType)
			}
			if p.PluginID != tt.wantPlugin {
				t.Errorf("PluginID = %q, want %q", p.PluginID, tt.wantPlugin)
			}
			if p.Instance != "/api/v1/plugins/x" {
				t.Errorf("Instance = %q", p.Instance)
			}
		})
	}
}

func TestProblemFromError_HidesInternalDetail(t *testing.T) {
	p := ProblemFromError(errors.New("open /var/lib/switchyard/secret.db: permission denied"), "/")
	if p.Detail != "an unexpected error occurred" {
		t.Errorf("Detail = %q, want generic message", p.Detail)
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, &plugin.LifecycleError{PluginID: "system", Op: "initialize", State: plugin.StateRunning}, "/api/v1/plugins/system")

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}
	var body Problem
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.PluginID != "system" || body.Title != "Lifecycle Violation" {
		t.Errorf("body = %+v", body)
	}
}
