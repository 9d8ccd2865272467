package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/HerbHall/switchyard/internal/auth"
	"github.com/HerbHall/switchyard/internal/server"
	"github.com/HerbHall/switchyard/pkg/plugin"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// maxHistoryLimit caps history requests.
const maxHistoryLimit = 1000

// Handler provides the WebSocket stream endpoint and the REST
// introspection surface over the hub and bus.
type Handler struct {
	hub    *Hub
	bus    plugin.EventBus
	tokens *auth.TokenService
	logger *zap.Logger
}

// Compile-time check that Handler implements the server interface.
var _ server.SimpleRouteRegistrar = (*Handler)(nil)

// NewHandler creates a stream handler. A nil tokens disables stream
// authentication.
func NewHandler(hub *Hub, bus plugin.EventBus, tokens *auth.TokenService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{hub: hub, bus: bus, tokens: tokens, logger: logger}
}

// RegisterRoutes registers stream and event routes on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/stream/connections", auth.RequireScope(auth.ScopeRead, h.handleConnections))
	mux.HandleFunc("DELETE /api/v1/stream/connections/{id}", auth.RequireScope(auth.ScopeAdmin, h.handleDetach))
	mux.HandleFunc("GET /api/v1/stream/stats", auth.RequireScope(auth.ScopeRead, h.handleStreamStats))
	mux.HandleFunc("GET /api/v1/ws/stream/{topic}", h.handleStream)
	mux.HandleFunc("GET /api/v1/events/history", auth.RequireScope(auth.ScopeRead, h.handleHistory))
	mux.HandleFunc("GET /api/v1/events/stats", auth.RequireScope(auth.ScopeRead, h.handleEventStats))
}

// handleStream upgrades the connection to WebSocket and streams events
// for the topic in the path.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	q := r.URL.Query()

	// Browser WebSocket APIs cannot set headers, so the token rides in the query.
	if h.tokens != nil {
		token := q.Get("token")
		if token == "" {
			server.Unauthorized(w, "missing token parameter", r.URL.Path)
			return
		}
		claims, err := h.tokens.ValidateAccessToken(token)
		if err != nil {
			server.Unauthorized(w, "invalid or expired token", r.URL.Path)
			return
		}
		if !claims.HasScope(auth.ScopeStream) && !claims.HasScope(auth.ScopeRead) {
			server.Unauthorized(w, "token lacks stream scope", r.URL.Path)
			return
		}
	}

	filter, err := ParseFilter(q)
	if err != nil {
		server.BadRequest(w, err.Error(), r.URL.Path)
		return
	}
	history, err := intParam(q.Get("history"), 0)
	if err != nil || history < 0 {
		server.BadRequest(w, "history must be a non-negative integer", r.URL.Path)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Any origin is allowed; access is gated by the token.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	id := h.hub.Attach(&wsSink{conn: conn}, topic, filter,
		WithHistory(min(history, maxHistoryLimit)),
		WithRemote(r.RemoteAddr),
	)
	h.logger.Info("stream client connected",
		zap.String("id", id),
		zap.String("topic", topic),
		zap.String("remote", r.RemoteAddr),
	)

	// Clients do not send messages; reading detects disconnect.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	h.hub.Detach(id)
	h.logger.Info("stream client disconnected", zap.String("id", id))
}

// handleConnections lists attached observers.
//
//	@Summary		List stream connections
//	@Tags			stream
//	@Produce		json
//	@Success		200	{array}	Connection
//	@Router			/stream/connections [get]
func (h *Handler) handleConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.Connections())
}

// handleDetach force-closes one observer.
//
//	@Summary		Detach a stream connection
//	@Tags			stream
//	@Param			id	path	string	true	"Connection ID"
//	@Success		204
//	@Failure		404	{object}	server.Problem
//	@Router			/stream/connections/{id} [delete]
func (h *Handler) handleDetach(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.hub.Detach(id) {
		server.NotFound(w, fmt.Sprintf("no stream connection %q", id), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStreamStats returns hub counters.
//
//	@Summary		Stream statistics
//	@Tags			stream
//	@Produce		json
//	@Success		200	{object}	Stats
//	@Router			/stream/stats [get]
func (h *Handler) handleStreamStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.Stats())
}

// HistoryResponse is the response for GET /events/history.
type HistoryResponse struct {
	Events []plugin.Event `json:"events"`
	Count  int            `json:"count"`
}

// handleHistory returns recent bus events, oldest first.
//
//	@Summary		Event history
//	@Tags			events
//	@Produce		json
//	@Param			limit		query	int		false	"Maximum events (default 100)"
//	@Param			type		query	string	false	"Comma-separated type patterns"
//	@Param			severity	query	string	false	"Comma-separated severities"
//	@Param			plugin		query	string	false	"Comma-separated plugin IDs"
//	@Success		200	{object}	HistoryResponse
//	@Failure		400	{object}	server.Problem
//	@Router			/events/history [get]
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 100)
	if err != nil || limit <= 0 {
		server.BadRequest(w, "limit must be a positive integer", r.URL.Path)
		return
	}
	limit = min(limit, maxHistoryLimit)

	filter, err := ParseFilter(q)
	if err != nil {
		server.BadRequest(w, err.Error(), r.URL.Path)
		return
	}

	events := make([]plugin.Event, 0, limit)
	for _, e := range h.bus.History(0) {
		if filter.Matches(e) {
			events = append(events, e)
		}
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Events: events, Count: len(events)})
}

// handleEventStats returns bus counters.
//
//	@Summary		Event bus statistics
//	@Tags			events
//	@Produce		json
//	@Success		200	{object}	plugin.BusStats
//	@Router			/events/stats [get]
func (h *Handler) handleEventStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.bus.Stats())
}

// ParseFilter builds a filter from the type, severity and plugin query
// parameters (comma-separated). Returns nil when none are set.
func ParseFilter(q map[string][]string) (*plugin.Filter, error) {
	get := func(key string) []string {
		var out []string
		for _, v := range q[key] {
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
		}
		return out
	}

	f := &plugin.Filter{
		Types:     get("type"),
		PluginIDs: get("plugin"),
	}
	for _, s := range get("severity") {
		sev, ok := plugin.ParseSeverity(s)
		if !ok {
			return nil, fmt.Errorf("invalid severity %q", s)
		}
		f.Severities = append(f.Severities, sev)
	}
	if len(f.Types) == 0 && len(f.PluginIDs) == 0 && len(f.Severities) == 0 {
		return nil, nil
	}
	return f, nil
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
