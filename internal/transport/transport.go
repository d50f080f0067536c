// Package transport provides the byte-stream abstraction between a
// connection and a capability provider. Three variants exist: a spawned
// subprocess (newline-delimited records on stdin/stdout), a persistent
// SSE session (event payloads in, HTTP POSTs out), and a websocket
// (one record per text message).
//
// A transport delivers inbound records on Messages() and signals fatal
// failure by closing Done(); the owning connection is responsible for
// request correlation and for rejecting pending calls when the
// transport dies.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/calliope-ai/conduit/internal/config"
)

// ErrClosed is reported by a transport that was shut down explicitly.
var ErrClosed = errors.New("transport closed")

// Error wraps a transport-level failure. Transport errors are fatal to
// the owning connection and cascade to every pending request.
type Error struct {
	Provider string
	Op       string // "spawn", "open", "send", "stream", "process"
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transport is a byte-stream connection to one provider.
type Transport interface {
	// Start opens the transport: spawns the subprocess or establishes
	// the network session. Idempotent once successfully started.
	Start(ctx context.Context) error

	// Send writes one protocol record. The transport handles framing.
	Send(ctx context.Context, msg []byte) error

	// Messages delivers inbound protocol records, one per receive.
	// Consumers must also select on Done; the channel stops producing
	// once the transport fails or is closed.
	Messages() <-chan []byte

	// Done is closed when the transport has failed or been closed.
	Done() <-chan struct{}

	// Err returns the fatal error after Done is closed, or nil.
	Err() error

	// Close shuts down the transport and releases resources.
	// For subprocess transports this terminates the process.
	Close() error
}

// New selects a transport implementation from a provider declaration.
func New(p config.Provider, logger *slog.Logger) (Transport, error) {
	switch p.Transport {
	case config.TransportSubprocess:
		return NewStdio(StdioConfig{
			Provider: p.Name,
			Command:  p.Command,
			Args:     p.Args,
			Env:      p.Env,
			Logger:   logger,
		}), nil
	case config.TransportSSE:
		return NewSSE(SSEConfig{
			Provider: p.Name,
			URL:      p.URL,
			Headers:  p.Headers,
			Logger:   logger,
		}), nil
	case config.TransportWebsocket:
		return NewWebsocket(WebsocketConfig{
			Provider: p.Name,
			URL:      p.URL,
			Headers:  p.Headers,
			Logger:   logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q for provider %s", p.Transport, p.Name)
	}
}

// stream holds the inbound channel and failure state shared by all
// transport implementations.
type stream struct {
	msgs chan []byte

	mu     sync.Mutex
	err    error
	closed bool
	done   chan struct{}
}

func newStream() stream {
	return stream{
		msgs: make(chan []byte, 32),
		done: make(chan struct{}),
	}
}

func (s *stream) Messages() <-chan []byte { return s.msgs }

func (s *stream) Done() <-chan struct{} { return s.done }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail records the first fatal error and closes Done. Subsequent calls
// are no-ops. Returns true on the first call.
func (s *stream) fail(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.err = err
	close(s.done)
	return true
}

// deliver forwards one inbound record unless the stream has failed.
// Blocks when the consumer is slow; gives up once the stream dies.
func (s *stream) deliver(msg []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.msgs <- msg:
	case <-s.done:
	}
}

func (s *stream) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
