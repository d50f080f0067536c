// Package conn implements the protocol connection to one capability
// provider: handshake, capability discovery, and concurrent
// request/response multiplexing over a single transport.
//
// A connection owns exactly one transport and the pending-request map
// keyed by request id. The map is the sole synchronization point for
// request lifecycles: every id is retired exactly once, by a matching
// response, a timeout, or connection teardown — never more than once
// and never zero times.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calliope-ai/conduit/internal/buildinfo"
	"github.com/calliope-ai/conduit/internal/config"
	"github.com/calliope-ai/conduit/internal/events"
	"github.com/calliope-ai/conduit/internal/protocol"
	"github.com/calliope-ai/conduit/internal/transport"
)

// ErrClosed is reported to callers whose pending requests were rejected
// by an explicit disconnect or transport death.
var ErrClosed = errors.New("connection closed")

// TimeoutError marks a single call that received no response within its
// deadline. The connection itself remains usable; the late response, if
// it ever arrives, is discarded as unmatched.
type TimeoutError struct {
	Provider string
	Method   string
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no response to %s within %s", e.Provider, e.Method, e.After)
}

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateInitializing
	StateDiscovering
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateInitializing:
		return "initializing"
	case StateDiscovering:
		return "discovering"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Connection beyond its provider declaration.
type Options struct {
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger

	// Bus receives lifecycle events. Nil is fine (nil-safe bus).
	Bus *events.Bus

	// OnDead is invoked once, from the reader goroutine, when the
	// transport dies unexpectedly (not on explicit Close). The registry
	// uses it to schedule auto-restarts.
	OnDead func(err error)

	// Now overrides the clock for tests.
	Now func() time.Time
}

type outcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	method string
	ch     chan outcome
}

// Connection is a live protocol session with one provider.
type Connection struct {
	provider config.Provider
	tr       transport.Transport
	logger   *slog.Logger
	bus      *events.Bus
	onDead   func(error)
	now      func() time.Time

	nextID     atomic.Int64
	state      atomic.Int32
	readerDone chan struct{}

	mu           sync.Mutex
	closed       bool
	pending      map[int64]*pendingCall
	caps         protocol.ServerCapabilities
	serverInfo   protocol.ServerInfo
	tools        []protocol.Tool
	resources    []protocol.Resource
	prompts      []protocol.Prompt
	lastActivity time.Time
}

// New creates a connection for the given provider over the given
// transport. The connection is Disconnected until Connect.
func New(p config.Provider, tr transport.Transport, opts Options) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Connection{
		provider:   p,
		tr:         tr,
		logger:     logger.With("provider", p.Name),
		bus:        opts.Bus,
		onDead:     opts.OnDead,
		now:        now,
		readerDone: make(chan struct{}),
		pending:    make(map[int64]*pendingCall),
	}
	c.state.Store(int32(StateDisconnected))
	c.mu.Lock()
	c.lastActivity = now()
	c.mu.Unlock()
	return c
}

// Provider returns the provider declaration this connection serves.
func (c *Connection) Provider() config.Provider { return c.provider }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Ready reports whether the connection has completed discovery.
func (c *Connection) Ready() bool { return c.State() == StateReady }

// LastActivity returns the time of the most recent send or receive.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// touch records activity for the idle sweep.
func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = c.now()
	c.mu.Unlock()
}

// Connect walks the state machine to Ready: open the transport,
// perform the initialize handshake, then discover capabilities. The
// whole sequence is bounded by the provider's handshake timeout.
// Partial discovery failures are tolerated; a missing capability
// category yields an empty list.
func (c *Connection) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.provider.HandshakeTimeout())
	defer cancel()

	c.state.Store(int32(StateConnecting))
	c.publish(events.KindConnecting, nil)

	if err := c.tr.Start(ctx); err != nil {
		c.state.Store(int32(StateFailed))
		return err
	}

	go c.readLoop()

	c.state.Store(int32(StateInitializing))
	if err := c.initialize(ctx); err != nil {
		_ = c.tr.Close()
		c.state.Store(int32(StateFailed))
		return err
	}

	c.state.Store(int32(StateDiscovering))
	c.discover(ctx)

	// Per-category discovery failures are tolerated, but a transport
	// death is not: a connection that lost its transport mid-handshake
	// must never advertise Ready. The closed check and the Ready store
	// share the mutex with transportDead, so the two orderings both
	// settle on a dead state.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		err := c.tr.Err()
		if err == nil {
			err = ErrClosed
		}
		return fmt.Errorf("transport died during discovery: %w", err)
	}
	c.state.Store(int32(StateReady))
	nTools, nResources, nPrompts := len(c.tools), len(c.resources), len(c.prompts)
	c.mu.Unlock()

	c.logger.Info("provider ready",
		"tools", nTools,
		"resources", nResources,
		"prompts", nPrompts,
	)
	c.publish(events.KindReady, map[string]any{
		"tools":     nTools,
		"resources": nResources,
		"prompts":   nPrompts,
	})
	return nil
}

// initialize performs the protocol handshake: the initialize request
// followed by the initialized notification (no reply expected).
func (c *Connection) initialize(ctx context.Context) error {
	params := protocol.InitializeParams{
		ProtocolVersion: protocol.Version,
		Capabilities:    map[string]any{},
		ClientInfo: protocol.ClientInfo{
			Name:    "conduit",
			Version: buildinfo.Version,
		},
	}

	raw, err := c.call(ctx, protocol.MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result protocol.InitializeResult
	if err := protocol.DecodeResult(raw, &result); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	c.mu.Lock()
	c.caps = result.Capabilities
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	c.logger.Info("provider initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := c.notify(ctx, protocol.MethodInitialized, nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// discover runs the list requests for every capability category the
// server advertised. Failures are tolerated per category.
func (c *Connection) discover(ctx context.Context) {
	c.mu.Lock()
	caps := c.caps
	c.mu.Unlock()

	if caps.Tools != nil {
		var result protocol.ToolsListResult
		if err := c.callInto(ctx, protocol.MethodToolsList, nil, &result); err != nil {
			c.logger.Warn("tools discovery failed", "error", err)
		}
		c.mu.Lock()
		c.tools = result.Tools
		c.mu.Unlock()
	}

	if caps.Resources != nil {
		var result protocol.ResourcesListResult
		if err := c.callInto(ctx, protocol.MethodResourcesList, nil, &result); err != nil {
			c.logger.Warn("resources discovery failed", "error", err)
		}
		c.mu.Lock()
		c.resources = result.Resources
		c.mu.Unlock()
	}

	if caps.Prompts != nil {
		var result protocol.PromptsListResult
		if err := c.callInto(ctx, protocol.MethodPromptsList, nil, &result); err != nil {
			c.logger.Warn("prompts discovery failed", "error", err)
		}
		c.mu.Lock()
		c.prompts = result.Prompts
		c.mu.Unlock()
	}
}

// rediscover re-runs discovery after a list_changed notification. It
// runs concurrently with in-flight calls and never disturbs them.
func (c *Connection) rediscover(category string) {
	if c.State() != StateReady {
		return
	}
	c.publish(events.KindDiscovery, map[string]any{"category": category})

	ctx, cancel := context.WithTimeout(context.Background(), c.provider.CallTimeout())
	defer cancel()
	c.discover(ctx)

	c.logger.Debug("re-discovery complete", "category", category)
}

// Tools returns the discovered tool list.
func (c *Connection) Tools() []protocol.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Resources returns the discovered resource list.
func (c *Connection) Resources() []protocol.Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Resource, len(c.resources))
	copy(out, c.resources)
	return out
}

// Prompts returns the discovered prompt list.
func (c *Connection) Prompts() []protocol.Prompt {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Prompt, len(c.prompts))
	copy(out, c.prompts)
	return out
}

// ServerInfo returns the identity the provider reported at initialize.
func (c *Connection) ServerInfo() protocol.ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// CallTool invokes a tool and flattens its content blocks to a string.
// A result marked isError is surfaced as the call's failure.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	params := protocol.CallToolParams{Name: name, Arguments: args}

	var result protocol.CallToolResult
	if err := c.callInto(ctx, protocol.MethodToolsCall, params, &result); err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	text := protocol.FlattenContent(result.Content)
	if result.IsError {
		return "", fmt.Errorf("tool %s returned error: %s", name, text)
	}
	return text, nil
}

// ReadResource fetches a resource by URI and flattens its contents.
func (c *Connection) ReadResource(ctx context.Context, uri string) (string, error) {
	params := protocol.ReadResourceParams{URI: uri}

	var result protocol.ReadResourceResult
	if err := c.callInto(ctx, protocol.MethodResourcesRead, params, &result); err != nil {
		return "", fmt.Errorf("resources/read %s: %w", uri, err)
	}

	var parts []string
	for _, contents := range result.Contents {
		if contents.Text != "" {
			parts = append(parts, contents.Text)
		} else if contents.Blob != "" {
			parts = append(parts, fmt.Sprintf("[binary %s]", contents.MimeType))
		}
	}
	return strings.Join(parts, "\n"), nil
}

// GetPrompt renders a server-side prompt template.
func (c *Connection) GetPrompt(ctx context.Context, name string, args map[string]string) (*protocol.GetPromptResult, error) {
	params := protocol.GetPromptParams{Name: name, Arguments: args}

	var result protocol.GetPromptResult
	if err := c.callInto(ctx, protocol.MethodPromptsGet, params, &result); err != nil {
		return nil, fmt.Errorf("prompts/get %s: %w", name, err)
	}
	return &result, nil
}

// Ping checks whether the provider is responsive.
func (c *Connection) Ping(ctx context.Context) error {
	_, err := c.call(ctx, protocol.MethodPing, nil)
	return err
}

// callInto issues a request and decodes its result payload into out.
func (c *Connection) callInto(ctx context.Context, method string, params, out any) error {
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}
	return protocol.DecodeResult(raw, out)
}

// call issues one request and waits for its outcome. The pending handle
// is registered before the bytes are sent so a fast response can never
// race the registration. Exactly one of {response, timeout, close}
// retires the handle.
func (c *Connection) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	p := &pendingCall{method: method, ch: make(chan outcome, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = p
	// Pings are health checks, not use; counting them as activity would
	// reset the idle clock on every sweep.
	if method != protocol.MethodPing {
		c.lastActivity = c.now()
	}
	c.mu.Unlock()

	data, err := json.Marshal(protocol.NewRequest(id, method, params))
	if err != nil {
		c.take(id)
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	if err := c.tr.Send(ctx, data); err != nil {
		c.take(id)
		return nil, err
	}

	timeout := c.provider.CallTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.ch:
		return out.result, out.err
	case <-timer.C:
		if c.take(id) == nil {
			// Resolved concurrently with the timer firing; the outcome
			// is already buffered.
			out := <-p.ch
			return out.result, out.err
		}
		return nil, &TimeoutError{Provider: c.provider.Name, Method: method, After: timeout}
	case <-ctx.Done():
		if c.take(id) == nil {
			out := <-p.ch
			return out.result, out.err
		}
		return nil, ctx.Err()
	}
}

// notify sends a notification; no response is expected.
func (c *Connection) notify(ctx context.Context, method string, params any) error {
	n, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}
	return c.tr.Send(ctx, data)
}

// take removes and returns the pending handle for id, or nil if it was
// already retired.
func (c *Connection) take(id int64) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

// readLoop dispatches inbound records until the transport dies. Each
// record is parsed independently; malformed records are logged and
// skipped, never fatal to the stream.
func (c *Connection) readLoop() {
	defer close(c.readerDone)

	for {
		select {
		case <-c.tr.Done():
			err := c.tr.Err()
			if err == nil {
				err = ErrClosed
			}
			c.transportDead(err)
			return
		case data := <-c.tr.Messages():
			c.handleRecord(data)
		}
	}
}

func (c *Connection) handleRecord(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		c.logger.Warn("skipping malformed record", "error", err, "len", len(data))
		return
	}

	switch {
	case msg.Response != nil:
		resp := msg.Response
		p := c.take(resp.ID)
		if p == nil {
			// Unmatched: a late response to a timed-out call, or an id
			// we never issued. Discard either way.
			c.logger.Debug("discarding unmatched response", "id", resp.ID)
			return
		}
		if p.method != protocol.MethodPing {
			c.touch()
		}
		if resp.Error != nil {
			p.ch <- outcome{err: resp.Error}
		} else {
			p.ch <- outcome{result: resp.Result}
		}

	case msg.Notification != nil:
		c.touch()
		c.handleNotification(msg.Notification)
	}
}

func (c *Connection) handleNotification(n *protocol.Notification) {
	switch n.Method {
	case protocol.NotifyToolsChanged:
		go c.rediscover("tools")
	case protocol.NotifyResourcesChanged:
		go c.rediscover("resources")
	case protocol.NotifyPromptsChanged:
		go c.rediscover("prompts")
	default:
		c.logger.Debug("ignoring server notification", "method", n.Method)
	}
}

// transportDead rejects every pending request and marks the connection
// dead. Invoked from the reader goroutine on unexpected failure, or
// indirectly by Close via the transport's Done channel.
func (c *Connection) transportDead(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unexpected := !errors.Is(err, transport.ErrClosed) && !errors.Is(err, ErrClosed)
	if unexpected {
		c.state.Store(int32(StateFailed))
	} else {
		c.state.Store(int32(StateDisconnected))
	}
	c.rejectAllLocked(err)
	c.mu.Unlock()

	if unexpected {
		c.logger.Warn("transport died", "error", err)
		c.publish(events.KindDisconnected, map[string]any{"error": err.Error()})
		if c.onDead != nil {
			c.onDead(err)
		}
	} else {
		c.publish(events.KindDisconnected, nil)
	}
}

// rejectAllLocked fails every pending request. Caller holds c.mu.
func (c *Connection) rejectAllLocked(cause error) {
	for id, p := range c.pending {
		p.ch <- outcome{err: fmt.Errorf("%s: %w", p.method, errors.Join(ErrClosed, cause))}
		delete(c.pending, id)
	}
}

// Close disconnects from the provider. Every pending request is
// rejected before the transport is released, so no caller ever hangs
// past disconnect. Safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	alreadyClosed := c.closed
	if !alreadyClosed {
		c.closed = true
		c.state.Store(int32(StateDisconnected))
		c.rejectAllLocked(ErrClosed)
	}
	c.mu.Unlock()

	if !alreadyClosed {
		c.publish(events.KindDisconnected, nil)
	}
	return c.tr.Close()
}

func (c *Connection) publish(kind string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["provider"] = c.provider.Name
	c.bus.Publish(events.Event{
		Source: events.SourceConnection,
		Kind:   kind,
		Data:   data,
	})
}
