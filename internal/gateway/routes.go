// ABOUTME: HTTP route table and shared JSON response helpers
// ABOUTME: Applies bearer auth to client surfaces; health and metrics stay open

package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/pilot-gateway/internal/auth"
	"github.com/2389/pilot-gateway/internal/fault"
)

// MaxRequestBodySize bounds JSON request bodies.
const MaxRequestBodySize = 1 << 20

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health and metrics - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		path := g.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{Registry: g.registry}))
	}

	protect := g.authMiddleware()

	// Task streaming
	mux.Handle("GET /ws", protect(http.HandlerFunc(g.handleWebSocket)))
	mux.Handle("POST /browser/stream-task", protect(http.HandlerFunc(g.handleStreamTask)))
	mux.Handle("POST /stream-task", protect(http.HandlerFunc(g.handleStreamTask)))
	mux.Handle("POST /acp/task", protect(http.HandlerFunc(g.handleStreamTask)))

	// REST
	mux.Handle("GET /api/tasks", protect(http.HandlerFunc(g.handleListTasks)))
	mux.Handle("GET /api/tasks/history", protect(http.HandlerFunc(g.handleTaskHistory)))
	mux.Handle("GET /api/tasks/{id}", protect(http.HandlerFunc(g.handleGetTask)))
	mux.Handle("DELETE /api/tasks/{id}", protect(http.HandlerFunc(g.handleCancelTask)))
	mux.Handle("GET /api/tasks/{id}/events", protect(http.HandlerFunc(g.handleTaskEvents)))
	mux.Handle("GET /api/sessions", protect(http.HandlerFunc(g.handleListSessions)))
	mux.Handle("DELETE /api/sessions/{name}", protect(http.HandlerFunc(g.handleDisconnectSession)))
	mux.Handle("GET /api/tools", protect(http.HandlerFunc(g.handleListTools)))

	// MCP
	mux.Handle("/mcp", protect(g.mcp))

	return mux
}

// authMiddleware enforces tokens when auth.required is set. With a secret
// but no requirement, valid tokens still name the client.
func (g *Gateway) authMiddleware() func(http.Handler) http.Handler {
	switch {
	case g.verifier == nil:
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
		return func(next http.Handler) http.Handler { return next }
	case g.config.Auth.Required:
		g.logger.Info("HTTP auth middleware enabled")
		return auth.Middleware(g.verifier, g.logger)
	default:
		g.logger.Info("HTTP auth optional - anonymous clients allowed")
		return auth.OptionalMiddleware(g.verifier)
	}
}

// clientName identifies the caller for task records.
func clientName(r *http.Request) string {
	if sub := auth.SubjectFrom(r.Context()); sub != "" {
		return sub
	}
	return "anonymous"
}

// errorResponse is the body of every API error.
type errorResponse struct {
	Error string     `json:"error"`
	Code  fault.Code `json:"code,omitempty"`
}

// writeJSON writes v with status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, code fault.Code, message string) {
	g.writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// sendFault classifies err and answers with the mapped status.
func (g *Gateway) sendFault(w http.ResponseWriter, err error) {
	code := fault.CodeOf(err)
	status := fault.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed", "code", code, "error", err)
	}
	g.sendJSONError(w, status, code, err.Error())
}
