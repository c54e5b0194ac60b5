package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/QUSEIT/simacode-sub001/internal/config"
	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
)

const closeGrace = time.Second

// SocketTransport reaches an MCP server over a WebSocket. Each message is
// one text frame.
type SocketTransport struct {
	url     string
	headers map[string]string
	logger  *slog.Logger

	connMu  sync.Mutex
	conn    *websocket.Conn
	inbox   *inbox
	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewSocketTransport creates a transport for a socket server. Nothing is
// dialed until Connect.
func NewSocketTransport(cfg config.ServerConfig, logger *slog.Logger) *SocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketTransport{
		url:     cfg.URL,
		headers: cfg.Headers,
		logger:  logger.With("component", "socket-transport", "server", cfg.Name),
	}
}

// Connect dials the server and starts the read loop.
func (t *SocketTransport) Connect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn != nil && !t.inbox.finished() {
		return nil
	}

	u, err := url.Parse(t.url)
	if err != nil {
		return mcperr.Configuration("connect", fmt.Errorf("parse url: %w", err))
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	header := http.Header{}
	for k, v := range t.headers {
		header.Set(k, v)
	}

	t.logger.Info("connecting to MCP socket", "url", u.Redacted())

	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return mcperr.Connection("dial", err)
	}
	conn.SetReadLimit(MaxLineSize)

	t.conn = conn
	t.inbox = newInbox(inboxSize)
	t.closed.Store(false)
	go t.readLoop(conn, t.inbox)
	return nil
}

func (t *SocketTransport) readLoop(conn *websocket.Conn, box *inbox) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Info("socket closed by peer")
			} else if !t.closed.Load() {
				t.logger.Warn("socket read failed", "error", err)
			}
			box.finish(mcperr.Connection("receive", err))
			return
		}
		if msgType != websocket.TextMessage {
			t.logger.Debug("ignoring non-text frame", "type", msgType)
			continue
		}
		if !box.push(data) {
			box.finish(errTransportClosed)
			return
		}
	}
}

func (t *SocketTransport) current() (*websocket.Conn, *inbox) {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn, t.inbox
}

// Send writes msg as one text frame.
func (t *SocketTransport) Send(ctx context.Context, msg []byte) error {
	conn, _ := t.current()
	if conn == nil || t.closed.Load() {
		return mcperr.Connection("send", errors.New("not connected"))
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return mcperr.Connection("send", err)
	}
	return nil
}

// Receive returns the next text frame.
func (t *SocketTransport) Receive(ctx context.Context) ([]byte, error) {
	_, box := t.current()
	if box == nil {
		return nil, mcperr.Connection("receive", errors.New("not connected"))
	}
	return box.pop(ctx)
}

// IsConnected reports whether the socket is open.
func (t *SocketTransport) IsConnected() bool {
	conn, box := t.current()
	return conn != nil && !t.closed.Load() && !box.finished()
}

// Disconnect performs the close handshake and releases the socket.
func (t *SocketTransport) Disconnect(ctx context.Context) error {
	t.connMu.Lock()
	conn, box := t.conn, t.inbox
	t.conn = nil
	t.connMu.Unlock()

	if conn == nil || t.closed.Swap(true) {
		return nil
	}
	box.halt()

	t.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace)); err != nil {
		t.logger.Debug("close handshake failed", "error", err)
	}
	t.writeMu.Unlock()

	if err := conn.Close(); err != nil {
		return mcperr.Connection("disconnect", err)
	}
	return nil
}
