package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/HerbHall/switchyard/pkg/plugin"
)

// Problem types for RFC 7807 Problem Details responses.
const (
	ProblemTypeNotFound     = "https://switchyard.dev/problems/not-found"
	ProblemTypeBadRequest   = "https://switchyard.dev/problems/bad-request"
	ProblemTypeInternal     = "https://switchyard.dev/problems/internal-error"
	ProblemTypeUnauthorized = "https://switchyard.dev/problems/unauthorized"
	ProblemTypeRateLimited  = "https://switchyard.dev/problems/rate-limited"
	ProblemTypeLifecycle    = "https://switchyard.dev/problems/lifecycle-violation"
	ProblemTypeDependency   = "https://switchyard.dev/problems/dependency"
	ProblemTypePluginFailed = "https://switchyard.dev/problems/plugin-failed"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type" example:"https://switchyard.dev/problems/lifecycle-violation"`
	Title    string `json:"title" example:"Lifecycle Violation"`
	Status   int    `json:"status" example:"409"`
	Detail   string `json:"detail,omitempty" example:"plugin \"reachability\": cannot start from state uninitialized"`
	Instance string `json:"instance,omitempty" example:"/api/v1/plugins/reachability"`
	PluginID string `json:"plugin_id,omitempty" example:"reachability"`
}

// WriteProblem writes an RFC 7807 Problem Details JSON response.
func WriteProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// ProblemFromError maps plugin system errors onto a problem. Unrecognized
// errors become a 500 with a generic detail so internals are not leaked.
func ProblemFromError(err error, instance string) Problem {
	p := Problem{Detail: err.Error(), Instance: instance}

	var le *plugin.LifecycleError
	var he *plugin.HookError
	var md *plugin.MissingDependencyError
	switch {
	case errors.Is(err, plugin.ErrPluginNotFound):
		p.Type, p.Title, p.Status = ProblemTypeNotFound, "Not Found", http.StatusNotFound
	case errors.As(err, &le):
		p.Type, p.Title, p.Status = ProblemTypeLifecycle, "Lifecycle Violation", http.StatusConflict
		p.PluginID = le.PluginID
	case errors.As(err, &md):
		p.Type, p.Title, p.Status = ProblemTypeDependency, "Unresolved Dependency", http.StatusConflict
		p.PluginID = md.PluginID
	case errors.Is(err, plugin.ErrCircularDependency):
		p.Type, p.Title, p.Status = ProblemTypeDependency, "Circular Dependency", http.StatusConflict
	case errors.As(err, &he):
		p.Type, p.Title, p.Status = ProblemTypePluginFailed, "Plugin Hook Failed", http.StatusBadGateway
		p.PluginID = he.PluginID
	case errors.Is(err, plugin.ErrInvalidEvent):
		p.Type, p.Title, p.Status = ProblemTypeBadRequest, "Bad Request", http.StatusBadRequest
	default:
		p.Type, p.Title, p.Status = ProblemTypeInternal, "Internal Server Error", http.StatusInternalServerError
		p.Detail = "an unexpected error occurred"
	}
	return p
}

// WriteError writes the problem ProblemFromError derives for err.
func WriteError(w http.ResponseWriter, err error, instance string) {
	WriteProblem(w, ProblemFromError(err, instance))
}

// NotFound writes a 404 problem response.
func NotFound(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeNotFound,
		Title:    "Not Found",
		Status:   http.StatusNotFound,
		Detail:   detail,
		Instance: instance,
	})
}

// BadRequest writes a 400 problem response.
func BadRequest(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeBadRequest,
		Title:    "Bad Request",
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: instance,
	})
}

// Unauthorized writes a 401 problem response. Used by routes that check
// their own credentials (stream token, MCP key).
func Unauthorized(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeUnauthorized,
		Title:    "Unauthorized",
		Status:   http.StatusUnauthorized,
		Detail:   detail,
		Instance: instance,
	})
}

// InternalError writes a 500 problem response.
func InternalError(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeInternal,
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: instance,
	})
}

// RateLimited writes a 429 problem response.
func RateLimited(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeRateLimited,
		Title:    "Too Many Requests",
		Status:   http.StatusTooManyRequests,
		Detail:   detail,
		Instance: instance,
	})
}
