// ABOUTME: Server-Sent Events endpoint that runs one task per request
// ABOUTME: Streams task events in sequence order; a client that leaves cancels its task

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/pilot-gateway/internal/fault"
	"github.com/2389/pilot-gateway/internal/task"
)

// sseKeepalive is how often an idle stream gets a comment line so proxies
// keep it open.
const sseKeepalive = 15 * time.Second

// StreamTaskRequest is the JSON request body for POST /stream-task.
// Task is the prompt field name used by POST /acp/task clients.
type StreamTaskRequest struct {
	Prompt         string `json:"prompt"`
	Task           string `json:"task,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// parseStreamRequest decodes and validates a StreamTaskRequest. The
// Idempotency-Key header is used when the body has no key.
func parseStreamRequest(r *http.Request) (*StreamTaskRequest, error) {
	var req StreamTaskRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxRequestBodySize)).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Prompt == "" {
		req.Prompt = req.Task
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	return &req, nil
}

// handleStreamTask handles POST /stream-task, /browser/stream-task and
// /acp/task.
//
// Responsibilities:
//  1. Parse and validate the body
//  2. Submit the task (or attach to the one its idempotency key names)
//  3. Stream every task event as an SSE data frame until the terminal one
//  4. Cancel the task if the client goes away first
func (g *Gateway) handleStreamTask(w http.ResponseWriter, r *http.Request) {
	req, err := parseStreamRequest(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, fault.CodeInvalidArgument, err.Error())
		return
	}

	// Check streaming support before submitting (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, fault.CodeInternal, "streaming not supported")
		return
	}

	h, existing, err := g.tasks.SubmitWithKey(r.Context(), req.IdempotencyKey, req.Prompt, clientName(r))
	if err != nil {
		g.sendFault(w, err)
		return
	}
	defer h.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Task-ID", h.TaskID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := g.clock.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			// An attached request does not own the task.
			if !existing {
				g.cancelAbandoned(h.TaskID(), "sse")
			}
			return

		case <-keepalive.C:
			_, _ = io.WriteString(w, ": keepalive\n\n")
			flusher.Flush()

		case ev, ok := <-h.Events():
			if !ok {
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				g.logger.Error("failed to write SSE event", "task_id", ev.TaskID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes ev as one SSE frame whose id is the event sequence.
func writeSSEEvent(w io.Writer, ev task.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data)
	return err
}

// cancelAbandoned cancels a task whose client went away. A task that
// already finished is left alone.
func (g *Gateway) cancelAbandoned(id, transport string) {
	if err := g.tasks.Cancel(id); err != nil {
		return
	}
	g.logger.Info("client disconnected, task cancelled", "task_id", id, "transport", transport)
}
