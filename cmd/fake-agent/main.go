// ABOUTME: Scripted upstream agent for end-to-end testing of pilot-gateway.
// ABOUTME: Usage: fake-agent [-addr :8090] [-token secret] [-tool vnc_screenshot] [-session vm1]
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/pilot-gateway/internal/link"
)

type script struct {
	token   string
	tool    string
	session string
	delay   time.Duration
	logger  *slog.Logger
}

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	path := flag.String("path", "/acp", "websocket path")
	token := flag.String("token", "", "token the gateway must present in its hello")
	tool := flag.String("tool", "", "tool to call before answering (empty answers directly)")
	session := flag.String("session", "vm1", "session name passed with the tool call")
	delay := flag.Duration("delay", 200*time.Millisecond, "pause between events")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := &script{token: *token, tool: *tool, session: *session, delay: *delay, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+*path, s.serve)
	logger.Info("fake agent listening", "addr", *addr, "path", *path)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

var upgrader = websocket.Upgrader{}

// conn serializes writes to one gateway connection and routes tool
// results to the task that asked for them.
type conn struct {
	ws     *websocket.Conn
	writeM sync.Mutex

	mu      sync.Mutex
	results map[string]chan link.ToolResultPayload
	cancels map[string]chan struct{}
}

func (c *conn) send(f link.Frame) error {
	c.writeM.Lock()
	defer c.writeM.Unlock()
	return c.ws.WriteJSON(f)
}

func (s *script) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	c := &conn{
		ws:      ws,
		results: make(map[string]chan link.ToolResultPayload),
		cancels: make(map[string]chan struct{}),
	}

	var hello link.Frame
	if err := ws.ReadJSON(&hello); err != nil || hello.Type != link.FrameHello {
		s.logger.Warn("expected hello", "error", err)
		return
	}
	if s.token != "" && hello.Token != s.token {
		_ = c.send(link.Frame{Type: link.FrameReject, Reason: "bad token"})
		s.logger.Warn("rejected gateway", "client", hello.Client)
		return
	}
	if err := c.send(link.Frame{Type: link.FrameWelcome, Version: link.ProtocolVersion}); err != nil {
		return
	}
	s.logger.Info("gateway connected", "client", hello.Client, "version", hello.Version)

	for {
		var f link.Frame
		if err := ws.ReadJSON(&f); err != nil {
			s.logger.Info("gateway disconnected", "error", err)
			return
		}
		switch f.Type {
		case link.FramePing:
			_ = c.send(link.Frame{Type: link.FramePong})
		case link.FrameSubmit:
			cancel := make(chan struct{})
			results := make(chan link.ToolResultPayload, 1)
			c.mu.Lock()
			c.cancels[f.ID] = cancel
			c.results[f.ID] = results
			c.mu.Unlock()
			go s.run(c, f.ID, f.Prompt, results, cancel)
		case link.FrameToolResult:
			var p link.ToolResultPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				s.logger.Warn("bad tool result", "error", err)
				continue
			}
			c.mu.Lock()
			ch := c.results[f.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- p
			}
		case link.FrameCancel:
			c.mu.Lock()
			if ch, ok := c.cancels[f.ID]; ok {
				close(ch)
				delete(c.cancels, f.ID)
			}
			c.mu.Unlock()
			s.logger.Info("task cancelled by gateway", "id", f.ID)
		}
	}
}

var errCancelled = errors.New("cancelled")

// run plays the script for one submission: a thought, an optional tool
// call, then a final answer.
func (s *script) run(c *conn, id, prompt string, results <-chan link.ToolResultPayload, cancel <-chan struct{}) {
	defer func() {
		c.mu.Lock()
		delete(c.results, id)
		delete(c.cancels, id)
		c.mu.Unlock()
	}()

	var seq uint64
	emit := func(kind link.EventKind, payload any) error {
		select {
		case <-cancel:
			return errCancelled
		case <-time.After(s.delay):
		}
		seq++
		return c.send(link.Frame{Type: link.FrameEvent, ID: id, Seq: seq, Kind: kind, Payload: link.MustPayload(payload)})
	}

	if err := emit(link.KindThought, link.TextPayload{Text: "Working on: " + prompt}); err != nil {
		return
	}

	answer := "echo: " + prompt
	if s.tool != "" {
		callID := fmt.Sprintf("call-%d", time.Now().UnixNano())
		call := link.ToolCallPayload{CallID: callID, Name: s.tool, Session: s.session, Arguments: json.RawMessage(`{}`)}
		if err := emit(link.KindToolCall, call); err != nil {
			return
		}
		select {
		case <-cancel:
			return
		case res := <-results:
			if res.IsError {
				answer = fmt.Sprintf("%s failed (%s): %s", s.tool, res.Code, truncate(string(res.Output)))
			} else {
				answer = fmt.Sprintf("%s returned: %s", s.tool, truncate(string(res.Output)))
			}
		}
	}

	if err := emit(link.KindFinal, link.TextPayload{Text: answer}); err != nil {
		return
	}
	s.logger.Info("task answered", "id", id)
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
