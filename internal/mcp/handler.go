package mcp

import (
	"net/http"
	"strconv"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HerbHall/switchyard/internal/auth"
	"github.com/HerbHall/switchyard/internal/server"
	"go.uber.org/zap"
)

var _ server.SimpleRouteRegistrar = (*Server)(nil)

// RegisterRoutes mounts the streamable HTTP transport at /api/v1/mcp and
// the audit log at /api/v1/mcp/audit.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	transport := sdkmcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *sdkmcp.Server { return s.SDK() },
		nil,
	)
	mux.Handle("/api/v1/mcp", s.authorize(transport))
	mux.Handle("GET /api/v1/mcp/audit", s.authorize(http.HandlerFunc(s.handleAuditList)))
}

// authorize accepts the configured API key or an access token with admin
// scope. With neither configured every request is refused: tools can run
// commands on managed hosts.
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" && s.tokens == nil {
			server.Unauthorized(w, "mcp over HTTP requires mcp.api_key or token authentication", r.URL.Path)
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			server.Unauthorized(w, "missing or invalid authorization header", r.URL.Path)
			return
		}
		credential := strings.TrimPrefix(header, "Bearer ")
		if s.apiKey != "" && auth.EqualKeys(credential, s.apiKey) {
			next.ServeHTTP(w, r)
			return
		}
		if s.tokens != nil {
			if claims, err := s.tokens.ValidateAccessToken(credential); err == nil && claims.HasScope(auth.ScopeAdmin) {
				next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
				return
			}
		}
		server.Unauthorized(w, "invalid API key or token", r.URL.Path)
	})
}

// AuditListResponse is a page of audit entries.
type AuditListResponse struct {
	Entries []AuditEntry `json:"entries"`
	Total   int          `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// handleAuditList returns paginated MCP tool call audit entries.
//
//	@Summary		List MCP audit log entries
//	@Description	Returns paginated MCP tool call audit entries, newest first.
//	@Tags			mcp
//	@Produce		json
//	@Param			tool_name	query		string	false	"Filter by qualified tool name"
//	@Param			limit		query		int		false	"Page size"	default(50)
//	@Param			offset		query		int		false	"Offset"	default(0)
//	@Success		200			{object}	AuditListResponse
//	@Failure		503			{object}	server.Problem
//	@Router			/mcp/audit [get]
func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		server.WriteProblem(w, server.Problem{
			Type:     server.ProblemTypeInternal,
			Title:    "Service Unavailable",
			Status:   http.StatusServiceUnavailable,
			Detail:   "audit store not available",
			Instance: r.URL.Path,
		})
		return
	}

	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	entries, total, err := s.audit.List(r.Context(), q.Get("tool_name"), limit, offset)
	if err != nil {
		s.logger.Error("failed to query audit log", zap.Error(err))
		server.InternalError(w, "failed to query audit log", r.URL.Path)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(writeToolJSON(AuditListResponse{
		Entries: entries,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})))
}
