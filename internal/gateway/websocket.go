// ABOUTME: Websocket endpoint multiplexing task submissions and cancels on one socket
// ABOUTME: Each task streams its events as JSON frames; closing the socket cancels owned tasks

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/pilot-gateway/internal/fault"
	"github.com/2389/pilot-gateway/internal/link"
	"github.com/2389/pilot-gateway/internal/task"
)

// Websocket timings. Socket deadlines are wall-clock.
const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// Client message types.
const (
	MsgSubmit = "submit"
	MsgCancel = "cancel"
)

// Server-only frame types. Task events use their own types.
const (
	FrameAccepted = "accepted"
	FrameError    = "error"
)

// ClientMessage is one message from a websocket client. A message with a
// prompt and no type is a submission.
type ClientMessage struct {
	Type           string `json:"type,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	TaskID         string `json:"task_id,omitempty"`
}

// AcceptedPayload acknowledges a submission before its first event.
type AcceptedPayload struct {
	Existing bool `json:"existing"`
}

// controlFrame is a frame that is not a task event.
type controlFrame struct {
	Type    string `json:"type"`
	TaskID  string `json:"task_id,omitempty"`
	Payload any    `json:"payload"`
}

// wsClient is one websocket connection and the tasks it follows. follows
// maps each handle to whether this socket started the task.
type wsClient struct {
	g      *Gateway
	conn   *websocket.Conn
	client string

	writeMu sync.Mutex

	mu      sync.Mutex
	follows map[*task.Handle]bool
	closed  bool
	wg      sync.WaitGroup
}

// handleWebSocket handles GET /ws.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		g:       g,
		conn:    conn,
		client:  clientName(r),
		follows: make(map[*task.Handle]bool),
	}
	if !g.trackClient(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway shutting down"), time.Now().Add(wsWriteWait))
		_ = conn.Close()
		return
	}
	defer g.untrackClient(c)

	g.logger.Info("websocket client connected", "client", c.client, "remote", r.RemoteAddr)
	c.serve()
	g.logger.Info("websocket client disconnected", "client", c.client)
}

func (c *wsClient) serve() {
	c.conn.SetReadLimit(MaxRequestBodySize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// ctx bounds pending submissions as well as the pinger.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.ping(ctx)

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.g.logger.Debug("websocket read failed", "client", c.client, "error", err)
			}
			if isDecodeError(err) {
				c.sendError("", fault.CodeInvalidArgument, "invalid JSON message")
				continue
			}
			break
		}
		c.dispatch(ctx, msg)
	}

	cancel()
	c.shutdown()
}

// isDecodeError reports whether err came from JSON decoding rather than
// the socket, in which case the connection is still usable.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func (c *wsClient) dispatch(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case MsgCancel:
		if msg.TaskID == "" {
			c.sendError("", fault.CodeInvalidArgument, "task_id is required")
			return
		}
		if err := c.g.tasks.Cancel(msg.TaskID); err != nil {
			c.sendError(msg.TaskID, fault.CodeOf(err), err.Error())
		}
	case "", MsgSubmit:
		if strings.TrimSpace(msg.Prompt) == "" {
			c.sendError("", fault.CodeInvalidArgument, "prompt is required")
			return
		}
		// Submissions can wait on the upstream link; the read loop must
		// keep serving cancels and pongs meanwhile.
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.wg.Add(1)
		c.mu.Unlock()
		go func() {
			defer c.wg.Done()
			c.submit(ctx, msg)
		}()
	default:
		c.sendError("", fault.CodeInvalidArgument, "unknown message type "+msg.Type)
	}
}

func (c *wsClient) submit(ctx context.Context, msg ClientMessage) {
	h, existing, err := c.g.tasks.SubmitWithKey(ctx, msg.IdempotencyKey, msg.Prompt, c.client)
	if err != nil {
		if ctx.Err() != nil {
			c.g.logger.Debug("websocket submission abandoned", "client", c.client, "error", err)
			return
		}
		c.sendError("", fault.CodeOf(err), err.Error())
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		h.Close()
		if !existing {
			c.g.cancelAbandoned(h.TaskID(), "websocket")
		}
		return
	}
	c.follows[h] = !existing
	c.wg.Add(1)
	c.mu.Unlock()

	if err := c.write(controlFrame{Type: FrameAccepted, TaskID: h.TaskID(), Payload: AcceptedPayload{Existing: existing}}); err != nil {
		h.Close()
	}
	go c.forward(h)
}

// forward relays one task's events until its terminal event.
func (c *wsClient) forward(h *task.Handle) {
	defer c.wg.Done()
	defer func() {
		h.Close()
		c.mu.Lock()
		delete(c.follows, h)
		c.mu.Unlock()
	}()
	for ev := range h.Events() {
		if err := c.write(ev); err != nil {
			c.g.logger.Debug("websocket write failed", "task_id", ev.TaskID, "error", err)
			return
		}
	}
}

func (c *wsClient) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) sendError(taskID string, code fault.Code, message string) {
	_ = c.write(controlFrame{
		Type:    FrameError,
		TaskID:  taskID,
		Payload: link.ErrorPayload{Code: string(code), Message: message},
	})
}

func (c *wsClient) ping(ctx context.Context) {
	ticker := c.g.clock.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// shutdown cancels every task this socket started that is still running,
// stops following the rest and waits for the forwarders and any pending
// submissions. The socket context must already be cancelled.
func (c *wsClient) shutdown() {
	c.mu.Lock()
	c.closed = true
	follows := make(map[*task.Handle]bool, len(c.follows))
	for h, owned := range c.follows {
		follows[h] = owned
	}
	c.mu.Unlock()

	for h, owned := range follows {
		if owned {
			c.g.cancelAbandoned(h.TaskID(), "websocket")
		}
		h.Close()
	}
	_ = c.conn.Close()
	c.wg.Wait()
}

// trackClient registers c so Shutdown can close it. It reports false once
// shutdown has begun.
func (g *Gateway) trackClient(c *wsClient) bool {
	g.wsMu.Lock()
	defer g.wsMu.Unlock()
	if g.wsClosed {
		return false
	}
	g.wsClients[c] = struct{}{}
	return true
}

func (g *Gateway) untrackClient(c *wsClient) {
	g.wsMu.Lock()
	delete(g.wsClients, c)
	g.wsMu.Unlock()
}

// closeClients closes every websocket. http.Server.Shutdown does not
// touch hijacked connections.
func (g *Gateway) closeClients() {
	g.wsMu.Lock()
	g.wsClosed = true
	clients := make([]*wsClient, 0, len(g.wsClients))
	for c := range g.wsClients {
		clients = append(clients, c)
	}
	g.wsMu.Unlock()

	for _, c := range clients {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway shutting down"), time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	}
}
