// ABOUTME: Transport abstraction over the upstream socket plus the websocket dialer.
// ABOUTME: Tests swap in an in-memory Transport; production dials gorilla/websocket.

package link

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/pilot-gateway/internal/fault"
)

// Transport is a connected, message-oriented socket. ReadJSON is only
// ever called from one goroutine; WriteJSON calls are serialized by the
// Link.
type Transport interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a Transport to endpoint.
type Dialer func(ctx context.Context, endpoint string) (Transport, error)

// WebSocketDialer dials the agent with gorilla/websocket. header is sent
// with the upgrade request and may be nil.
func WebSocketDialer(header http.Header) Dialer {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 30 * time.Second,
	}
	return func(ctx context.Context, endpoint string) (Transport, error) {
		conn, resp, err := d.DialContext(ctx, endpoint, header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return nil, fmt.Errorf("dial %s: %w: %s", endpoint, fault.ErrAuthenticationFailed, resp.Status)
			}
			return nil, fmt.Errorf("dial %s: %w", endpoint, err)
		}
		return conn, nil
	}
}
