package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConfig configures a WebSocket MCP transport.
type WSConfig struct {
	URL     string
	Headers map[string]string
	Logger  *slog.Logger
}

// WSTransport speaks JSON-RPC over a single WebSocket connection. The
// connection is dialed lazily and redialed after failures; a reader
// goroutine correlates responses to in-flight requests by ID, since
// the server may interleave notifications and out-of-order replies.
type WSTransport struct {
	url     string
	headers map[string]string
	logger  *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]chan *Response
}

// NewWSTransport creates a WebSocket transport for the given config.
func NewWSTransport(cfg WSConfig) *WSTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		url:     cfg.URL,
		headers: cfg.Headers,
		logger:  logger,
		pending: make(map[int64]chan *Response),
	}
}

// ensureConnected dials if needed. Caller holds t.mu.
func (t *WSTransport) ensureConnected(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}

	header := http.Header{}
	for k, v := range t.headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, t.url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.url, err)
	}

	t.conn = conn
	go t.readLoop(conn)

	t.logger.Info("MCP WebSocket connected", "url", t.url)
	return nil
}

// readLoop dispatches incoming messages to waiting senders. It exits
// when the connection errors, failing every in-flight request so the
// next Send redials.
func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.failAll(conn, err)
			return
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.logger.Debug("skipping non-JSON WebSocket message", "data", string(data))
			continue
		}
		if resp.ID == 0 && resp.Result == nil && resp.Error == nil {
			// Server-initiated notification; nothing waits on it.
			continue
		}

		t.mu.Lock()
		ch := t.pending[resp.ID]
		delete(t.pending, resp.ID)
		t.mu.Unlock()

		if ch != nil {
			ch <- &resp
		} else {
			t.logger.Debug("skipping unmatched MCP message", "id", resp.ID)
		}
	}
}

func (t *WSTransport) failAll(conn *websocket.Conn, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == conn {
		t.conn = nil
	}
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.logger.Warn("MCP WebSocket closed", "error", err)
}

// Send writes the request and waits for the response with the same ID.
func (t *WSTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	t.mu.Lock()
	if err := t.ensureConnected(ctx); err != nil {
		t.mu.Unlock()
		return nil, err
	}

	ch := make(chan *Response, 1)
	t.pending[req.ID] = ch
	conn := t.conn
	err := conn.WriteJSON(req)
	if err != nil {
		delete(t.pending, req.ID)
		t.mu.Unlock()
		return nil, fmt.Errorf("write to WebSocket: %w", err)
	}
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("WebSocket connection lost awaiting response %d", req.ID)
		}
		return resp, nil
	}
}

// Notify writes a notification without waiting for a reply.
func (t *WSTransport) Notify(ctx context.Context, notif *Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureConnected(ctx); err != nil {
		return err
	}
	if err := t.conn.WriteJSON(notif); err != nil {
		return fmt.Errorf("write notification to WebSocket: %w", err)
	}
	return nil
}

// Close closes the WebSocket connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := t.conn.Close()
	t.conn = nil
	return err
}
