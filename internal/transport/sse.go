package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/calliope-ai/conduit/internal/httpkit"
)

// SSEConfig configures an SSE transport: a persistent event stream for
// inbound protocol messages, with outbound calls as separate HTTP POSTs.
type SSEConfig struct {
	// Provider is the provider name, used for logging and errors.
	Provider string

	// URL is the event-stream endpoint. Unless the server announces a
	// dedicated endpoint, POSTs go to the same URL.
	URL string

	// Headers are sent with the stream request and every POST.
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// SSE communicates with a provider over a Server-Sent-Events session.
// Inbound protocol messages arrive as event payloads; outbound records
// are POSTed to the endpoint the server announces (or the stream URL).
type SSE struct {
	stream
	config SSEConfig
	logger *slog.Logger

	streamClient *http.Client // no timeout — the stream is long-lived
	postClient   *http.Client

	cancel context.CancelFunc

	postMu  sync.RWMutex
	postURL string
	started bool
}

// NewSSE creates an SSE transport. No connection is made until Start.
func NewSSE(cfg SSEConfig) *SSE {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SSE{
		stream:       newStream(),
		config:       cfg,
		logger:       logger.With("provider", cfg.Provider, "transport", "sse"),
		streamClient: httpkit.NewClient(httpkit.WithTimeout(0)),
		postClient:   httpkit.NewClient(),
	}
}

// Start opens the event stream and begins parsing events. The stream
// context is detached from the Start context so the session survives
// individual request timeouts.
func (t *SSE) Start(ctx context.Context) error {
	t.postMu.Lock()
	if t.started {
		t.postMu.Unlock()
		return nil
	}
	t.postURL = t.config.URL
	t.postMu.Unlock()

	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.config.URL, nil)
	if err != nil {
		cancel()
		return &Error{Provider: t.config.Provider, Op: "open", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.streamClient.Do(req)
	if err != nil {
		cancel()
		return &Error{Provider: t.config.Provider, Op: "open", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		httpkit.DrainAndClose(resp.Body, 1<<20)
		cancel()
		return &Error{Provider: t.config.Provider, Op: "open",
			Err: fmt.Errorf("stream returned %d: %s", resp.StatusCode, body)}
	}

	t.postMu.Lock()
	t.cancel = cancel
	t.started = true
	t.postMu.Unlock()

	t.logger.Info("event stream opened", "url", t.config.URL)
	go t.readEvents(resp.Body)
	return nil
}

// readEvents parses the event stream until it ends. Protocol messages
// arrive as "message" (or unnamed) events; an "endpoint" event
// announces the POST target; an "error" event fails the transport.
func (t *SSE) readEvents(body io.ReadCloser) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)

	var eventName string
	var data bytes.Buffer

	dispatch := func() {
		defer func() {
			eventName = ""
			data.Reset()
		}()
		if data.Len() == 0 {
			return
		}
		payload := data.String()

		switch eventName {
		case "", "message":
			t.deliver([]byte(payload))
		case "endpoint":
			t.setPostURL(payload)
		case "error":
			t.fail(&Error{Provider: t.config.Provider, Op: "stream",
				Err: fmt.Errorf("server error event: %s", payload)})
		default:
			t.logger.Debug("ignoring unknown event", "event", eventName)
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			dispatch()
		case strings.HasPrefix(line, ":"):
			// Comment / keepalive.
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		if t.failed() {
			return
		}
	}

	if t.failed() {
		return
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	t.fail(&Error{Provider: t.config.Provider, Op: "stream",
		Err: fmt.Errorf("event stream ended: %w", err)})
	t.logger.Warn("event stream ended", "error", err)
}

// setPostURL records the POST endpoint announced by the server,
// resolving relative paths against the stream URL.
func (t *SSE) setPostURL(endpoint string) {
	resolved := endpoint
	if base, err := url.Parse(t.config.URL); err == nil {
		if ref, err := url.Parse(endpoint); err == nil {
			resolved = base.ResolveReference(ref).String()
		}
	}

	t.postMu.Lock()
	t.postURL = resolved
	t.postMu.Unlock()

	t.logger.Debug("server announced post endpoint", "url", resolved)
}

// Send POSTs one record to the announced endpoint.
func (t *SSE) Send(ctx context.Context, msg []byte) error {
	if t.failed() {
		if err := t.Err(); err != nil {
			return err
		}
		return ErrClosed
	}

	t.postMu.RLock()
	target := t.postURL
	t.postMu.RUnlock()
	if target == "" {
		// Only possible before Start has run; Start seeds the target
		// with the configured URL.
		return &Error{Provider: t.config.Provider, Op: "send",
			Err: errors.New("transport not started")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(msg))
	if err != nil {
		return &Error{Provider: t.config.Provider, Op: "send", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.postClient.Do(req)
	if err != nil {
		return &Error{Provider: t.config.Provider, Op: "send", Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	// Accept 200 and 202 — responses arrive on the stream, so servers
	// commonly acknowledge the POST with 202.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return &Error{Provider: t.config.Provider, Op: "send",
			Err: fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, body)}
	}
	return nil
}

// Close tears down the event stream.
func (t *SSE) Close() error {
	t.fail(ErrClosed)

	t.postMu.Lock()
	cancel := t.cancel
	t.postMu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}
