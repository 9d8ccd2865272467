package auth

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Handler provides HTTP handlers for token issuance.
type Handler struct {
	tokens *TokenService
	apiKey string
	logger *zap.Logger
}

// NewHandler creates an auth Handler. Tokens are only issued in exchange
// for apiKey; an empty key disables issuance over HTTP.
func NewHandler(tokens *TokenService, apiKey string, logger *zap.Logger) *Handler {
	return &Handler{tokens: tokens, apiKey: apiKey, logger: logger}
}

// RegisterRoutes registers auth-related routes on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/auth/token", h.handleToken)
	mux.HandleFunc("GET /api/v1/auth/whoami", h.handleWhoAmI)
}

// Middleware returns the JWT authentication middleware.
func (h *Handler) Middleware() func(http.Handler) http.Handler {
	return AuthMiddleware(h.tokens)
}

// TokenRequest exchanges the server API key for an access token.
type TokenRequest struct {
	APIKey  string   `json:"api_key"`
	Subject string   `json:"subject" example:"dashboard"`
	Scopes  []string `json:"scopes" example:"read,stream"`
}

// TokenResponse carries an issued access token.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type" example:"Bearer"`
	ExpiresAt   time.Time `json:"expires_at"`
}

var knownScopes = map[string]bool{ScopeRead: true, ScopeAdmin: true, ScopeStream: true}

// handleToken issues an access token.
//
//	@Summary		Issue access token
//	@Description	Exchange the server API key for a scoped JWT access token.
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		TokenRequest	true	"API key, subject and scopes"
//	@Success		200		{object}	TokenResponse
//	@Failure		400		{object}	server.Problem
//	@Failure		401		{object}	server.Problem
//	@Router			/auth/token [post]
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if h.apiKey == "" || !EqualKeys(req.APIKey, h.apiKey) {
		writeAuthError(w, http.StatusUnauthorized, "invalid API key")
		return
	}
	if req.Subject == "" {
		writeAuthError(w, http.StatusBadRequest, "subject is required")
		return
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{ScopeRead}
	}
	for _, s := range req.Scopes {
		if !knownScopes[s] {
			writeAuthError(w, http.StatusBadRequest, "unknown scope "+s)
			return
		}
	}

	token, err := h.tokens.IssueAccessToken(req.Subject, req.Scopes...)
	if err != nil {
		h.logger.Error("token issue error", zap.Error(err))
		writeAuthError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	h.logger.Info("access token issued",
		zap.String("subject", req.Subject),
		zap.Strings("scopes", req.Scopes),
	)
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(h.tokens.TTL()).UTC(),
	})
}

// handleWhoAmI returns the caller's token claims.
//
//	@Summary		Current caller
//	@Description	Returns the subject and scopes of the presented access token.
//	@Tags			auth
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{object}	map[string]any
//	@Failure		401	{object}	server.Problem
//	@Router			/auth/whoami [get]
func (h *Handler) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeAuthError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject": claims.Subject,
		"scopes":  claims.Scopes,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
