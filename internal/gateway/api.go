// ABOUTME: REST handlers for tasks, sessions, tools and health
// ABOUTME: Errors map through the fault taxonomy to HTTP status codes

package gateway

import (
	"net/http"
	"strconv"

	"github.com/2389/pilot-gateway/internal/fault"
	"github.com/2389/pilot-gateway/internal/link"
	"github.com/2389/pilot-gateway/internal/session"
	"github.com/2389/pilot-gateway/internal/task"
	"github.com/2389/pilot-gateway/internal/tools"
)

// History page bounds.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// TaskListResponse is the JSON response for GET /api/tasks and /api/tasks/history.
type TaskListResponse struct {
	Tasks []task.Snapshot `json:"tasks"`
}

// TaskEventsResponse is the JSON response for GET /api/tasks/{id}/events.
type TaskEventsResponse struct {
	TaskID string       `json:"task_id"`
	Events []task.Event `json:"events"`
}

// SessionListResponse is the JSON response for GET /api/sessions.
type SessionListResponse struct {
	Sessions []session.Info `json:"sessions"`
}

// ToolListResponse is the JSON response for GET /api/tools.
type ToolListResponse struct {
	Tools []tools.Descriptor `json:"tools"`
}

// ReadyResponse is the JSON response for GET /health/ready.
type ReadyResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Link     string `json:"link"`
	Tasks    int    `json:"tasks"`
	Sessions int    `json:"sessions"`
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 only while the upstream link is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	state := g.upstream.State()
	resp := ReadyResponse{
		Status:   "ready",
		Version:  g.version,
		Link:     state.String(),
		Tasks:    g.tasks.Len(),
		Sessions: g.sessions.Len(),
	}
	status := http.StatusOK
	if state != link.StateConnected {
		resp.Status = "not ready"
		status = http.StatusServiceUnavailable
	}
	g.writeJSON(w, status, resp)
}

// handleListTasks handles GET /api/tasks: live tasks, oldest first.
func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, TaskListResponse{Tasks: g.tasks.List()})
}

// handleTaskHistory handles GET /api/tasks/history?limit=N: persisted
// tasks, newest first.
func (g *Gateway) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, fault.CodeInvalidArgument, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	snaps, err := g.tasks.History(r.Context(), limit)
	if err != nil {
		g.sendFault(w, err)
		return
	}
	if snaps == nil {
		snaps = []task.Snapshot{}
	}
	g.writeJSON(w, http.StatusOK, TaskListResponse{Tasks: snaps})
}

// handleGetTask handles GET /api/tasks/{id}.
func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	snap, err := g.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendFault(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, snap)
}

// handleCancelTask handles DELETE /api/tasks/{id}. The task's terminal
// cancelled event has been emitted when this returns.
func (g *Gateway) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.tasks.Cancel(id); err != nil {
		g.sendFault(w, err)
		return
	}
	g.logger.Info("task cancelled via API", "task_id", id, "client", clientName(r))

	snap, err := g.tasks.Get(r.Context(), id)
	if err != nil {
		// Already gone from the live table and not yet persisted.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	g.writeJSON(w, http.StatusOK, snap)
}

// handleTaskEvents handles GET /api/tasks/{id}/events?after=N.
func (g *Gateway) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, fault.CodeInvalidArgument, "after must be a non-negative integer")
			return
		}
		after = n
	}

	events, err := g.tasks.Events(r.Context(), id, after)
	if err != nil {
		g.sendFault(w, err)
		return
	}
	if events == nil {
		events = []task.Event{}
	}
	g.writeJSON(w, http.StatusOK, TaskEventsResponse{TaskID: id, Events: events})
}

// handleListSessions handles GET /api/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := g.sessions.List()
	if infos == nil {
		infos = []session.Info{}
	}
	g.writeJSON(w, http.StatusOK, SessionListResponse{Sessions: infos})
}

// handleDisconnectSession handles DELETE /api/sessions/{name}.
func (g *Gateway) handleDisconnectSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := g.sessions.Disconnect(r.Context(), name); err != nil {
		g.sendFault(w, err)
		return
	}
	g.logger.Info("session disconnected via API", "session", name, "client", clientName(r))
	w.WriteHeader(http.StatusNoContent)
}

// handleListTools handles GET /api/tools.
func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, ToolListResponse{Tools: g.executor.Descriptors()})
}
