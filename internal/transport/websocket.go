package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketConfig configures a websocket transport carrying one
// protocol record per text message.
type WebsocketConfig struct {
	// Provider is the provider name, used for logging and errors.
	Provider string

	// URL is the websocket endpoint (ws:// or wss://).
	URL string

	// Headers are sent with the upgrade request.
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// Websocket communicates with a provider over a websocket session.
type Websocket struct {
	stream
	config WebsocketConfig
	logger *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn
	started bool
}

// NewWebsocket creates a websocket transport. No connection is made
// until Start.
func NewWebsocket(cfg WebsocketConfig) *Websocket {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Websocket{
		stream: newStream(),
		config: cfg,
		logger: logger.With("provider", cfg.Provider, "transport", "websocket"),
	}
}

// Start dials the websocket endpoint and begins reading messages.
func (t *Websocket) Start(ctx context.Context) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.started {
		return nil
	}

	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.config.URL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return &Error{Provider: t.config.Provider, Op: "open",
			Err: fmt.Errorf("dial %s (status %d): %w", t.config.URL, status, err)}
	}

	t.conn = conn
	t.started = true

	go t.readLoop()

	t.logger.Info("websocket connected", "url", t.config.URL)
	return nil
}

// readLoop delivers inbound messages until the socket dies.
func (t *Websocket) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.fail(&Error{Provider: t.config.Provider, Op: "stream", Err: err}) {
				t.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		t.deliver(data)
	}
}

// Send writes one record as a single text message.
func (t *Websocket) Send(_ context.Context, msg []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if !t.started {
		return &Error{Provider: t.config.Provider, Op: "send", Err: fmt.Errorf("transport not started")}
	}
	if t.failed() {
		if err := t.Err(); err != nil {
			return err
		}
		return ErrClosed
	}

	if err := t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		werr := &Error{Provider: t.config.Provider, Op: "send", Err: err}
		t.fail(werr)
		return werr
	}
	return nil
}

// Close performs a best-effort websocket close handshake and tears the
// connection down.
func (t *Websocket) Close() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.fail(ErrClosed)

	if t.conn == nil {
		return nil
	}

	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}
