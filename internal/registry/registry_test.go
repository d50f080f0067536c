package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calliope-ai/conduit/internal/config"
	"github.com/calliope-ai/conduit/internal/configstore"
	"github.com/calliope-ai/conduit/internal/conn"
	"github.com/calliope-ai/conduit/internal/events"
	"github.com/calliope-ai/conduit/internal/protocol"
	"github.com/calliope-ai/conduit/internal/transport"
)

// scriptedTransport serves the handshake and tool listing in memory.
type scriptedTransport struct {
	msgs  chan []byte
	done  chan struct{}
	tools []protocol.Tool

	mu      sync.Mutex
	deadErr error
	quiet   bool
}

func newScriptedTransport(tools ...protocol.Tool) *scriptedTransport {
	return &scriptedTransport{
		msgs:  make(chan []byte, 32),
		done:  make(chan struct{}),
		tools: tools,
	}
}

func (s *scriptedTransport) Start(context.Context) error { return nil }

func (s *scriptedTransport) Send(_ context.Context, msg []byte) error {
	s.mu.Lock()
	if s.deadErr != nil {
		err := s.deadErr
		s.mu.Unlock()
		return err
	}
	quiet := s.quiet
	s.mu.Unlock()
	if quiet {
		return nil
	}

	var req struct {
		ID     *int64 `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(msg, &req); err != nil || req.ID == nil {
		return err
	}

	var result any
	switch req.Method {
	case protocol.MethodInitialize:
		result = protocol.InitializeResult{
			ProtocolVersion: protocol.Version,
			ServerInfo:      protocol.ServerInfo{Name: "scripted", Version: "1.0"},
			Capabilities:    protocol.ServerCapabilities{Tools: &struct{}{}},
		}
	case protocol.MethodToolsList:
		result = protocol.ToolsListResult{Tools: s.tools}
	default:
		result = map[string]any{}
	}
	raw, _ := json.Marshal(result)
	data, _ := json.Marshal(protocol.Response{JSONRPC: "2.0", ID: *req.ID, Result: raw})
	select {
	case s.msgs <- data:
	case <-s.done:
	}
	return nil
}

func (s *scriptedTransport) Messages() <-chan []byte { return s.msgs }
func (s *scriptedTransport) Done() <-chan struct{}   { return s.done }

func (s *scriptedTransport) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadErr
}

func (s *scriptedTransport) Close() error {
	s.die(transport.ErrClosed)
	return nil
}

// mute makes the server swallow all further requests, as a hung
// process would: the transport stays up but nothing answers.
func (s *scriptedTransport) mute() {
	s.mu.Lock()
	s.quiet = true
	s.mu.Unlock()
}

func (s *scriptedTransport) die(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deadErr != nil {
		return
	}
	s.deadErr = err
	close(s.done)
}

// countingDialer hands out scripted transports and counts dials.
type countingDialer struct {
	mu    sync.Mutex
	count atomic.Int64
	tools []protocol.Tool
	last  *scriptedTransport
	fail  map[string]error
}

func (d *countingDialer) dial(p config.Provider, _ *slog.Logger) (transport.Transport, error) {
	d.count.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[p.Name]; err != nil {
		return nil, err
	}
	d.last = newScriptedTransport(d.tools...)
	return d.last, nil
}

func (d *countingDialer) lastTransport() *scriptedTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func testStore(providers ...config.Provider) configstore.Store {
	cfg := &config.Config{Providers: make(map[string]config.Provider)}
	for _, p := range providers {
		cfg.Providers[p.Name] = p
	}
	return configstore.NewStatic(cfg)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_EnsureReusesReadyConnection(t *testing.T) {
	dialer := &countingDialer{tools: []protocol.Tool{{Name: "echo"}}}
	store := testStore(config.Provider{
		Name: "files", Transport: config.TransportSubprocess, Command: "files-server",
	})
	r := New(store, Options{Logger: discardLogger(), Dial: dialer.dial})
	defer r.DisposeAll()

	first, err := r.Ensure(context.Background(), "alice", "files")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	second, err := r.Ensure(context.Background(), "alice", "files")
	if err != nil {
		t.Fatalf("Ensure again: %v", err)
	}

	if first != second {
		t.Error("second Ensure built a new connection for a ready provider")
	}
	if got := dialer.count.Load(); got != 1 {
		t.Errorf("dial count = %d, want 1", got)
	}

	// A different user gets their own connection.
	if _, err := r.Ensure(context.Background(), "bob", "files"); err != nil {
		t.Fatalf("Ensure(bob): %v", err)
	}
	if got := dialer.count.Load(); got != 2 {
		t.Errorf("dial count = %d, want 2", got)
	}
}

func TestRegistry_EnsureUnknownProvider(t *testing.T) {
	r := New(testStore(), Options{Logger: discardLogger(), Dial: (&countingDialer{}).dial})
	defer r.DisposeAll()

	_, err := r.Ensure(context.Background(), "alice", "nope")
	if !errors.Is(err, configstore.ErrNotFound) {
		t.Errorf("Ensure = %v, want ErrNotFound", err)
	}
}

func TestRegistry_ListToolsLazyNeverDials(t *testing.T) {
	dialer := &countingDialer{tools: []protocol.Tool{{Name: "read_file"}, {Name: "write_file"}}}
	store := testStore(
		config.Provider{
			Name: "files", Transport: config.TransportSubprocess, Command: "files-server",
			StaticTools: []protocol.Tool{{Name: "read_file", Description: "declared statically"}},
		},
		config.Provider{
			Name: "web", Transport: config.TransportSSE, URL: "http://localhost:9000/stream",
		},
	)
	r := New(store, Options{Logger: discardLogger(), Dial: dialer.dial})
	defer r.DisposeAll()

	listed, err := r.ListToolsLazy("alice")
	if err != nil {
		t.Fatalf("ListToolsLazy: %v", err)
	}
	if dialer.count.Load() != 0 {
		t.Errorf("lazy listing dialed %d times", dialer.count.Load())
	}
	if len(listed) != 2 {
		t.Fatalf("listed %d providers, want 2", len(listed))
	}
	// Sorted by name: files first.
	if listed[0].Provider != "files" || len(listed[0].Tools) != 1 ||
		listed[0].Tools[0].Description != "declared statically" {
		t.Errorf("files listing = %+v, want static tools", listed[0])
	}
	if listed[1].Provider != "web" || len(listed[1].Tools) != 0 {
		t.Errorf("web listing = %+v, want no tools", listed[1])
	}

	// Once connected, the live discovery wins over static declarations.
	if _, err := r.Ensure(context.Background(), "alice", "files"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	listed, err = r.ListToolsLazy("alice")
	if err != nil {
		t.Fatalf("ListToolsLazy: %v", err)
	}
	if listed[0].State != conn.StateReady || len(listed[0].Tools) != 2 {
		t.Errorf("files listing after connect = %+v, want 2 live tools", listed[0])
	}
}

func TestRegistry_ListToolsForceConnect(t *testing.T) {
	dialer := &countingDialer{
		tools: []protocol.Tool{{Name: "fetch"}},
		fail:  map[string]error{"broken": errors.New("no such binary")},
	}
	store := testStore(
		config.Provider{Name: "broken", Transport: config.TransportSubprocess, Command: "missing",
			StaticTools: []protocol.Tool{{Name: "declared_only"}}},
		config.Provider{Name: "web", Transport: config.TransportSSE, URL: "http://localhost:9000/stream"},
	)
	r := New(store, Options{Logger: discardLogger(), Dial: dialer.dial})
	defer r.DisposeAll()

	listed, err := r.ListTools(context.Background(), "alice", true)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if dialer.count.Load() != 2 {
		t.Errorf("dial count = %d, want 2", dialer.count.Load())
	}
	// The broken provider degrades to static tools instead of failing
	// the listing.
	if listed[0].Provider != "broken" || len(listed[0].Tools) != 1 ||
		listed[0].Tools[0].Name != "declared_only" {
		t.Errorf("broken listing = %+v", listed[0])
	}
	if listed[1].State != conn.StateReady || len(listed[1].Tools) != 1 {
		t.Errorf("web listing = %+v", listed[1])
	}
}

func TestRegistry_SweepClosesIdleConnections(t *testing.T) {
	var clockMu sync.Mutex
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	dialer := &countingDialer{}
	store := testStore(config.Provider{
		Name: "files", Transport: config.TransportSubprocess, Command: "files-server",
	})
	r := New(store, Options{Logger: discardLogger(), Dial: dialer.dial, Now: clock})
	defer r.DisposeAll()

	c, err := r.Ensure(context.Background(), "alice", "files")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	// Fresh connection survives a sweep.
	if swept := r.Sweep(); swept != 0 {
		t.Errorf("swept %d fresh connections", swept)
	}
	if !c.Ready() {
		t.Error("fresh connection was closed")
	}

	// Advance past the idle threshold.
	clockMu.Lock()
	now = now.Add(DefaultIdleAfter + time.Minute)
	clockMu.Unlock()

	if swept := r.Sweep(); swept != 1 {
		t.Errorf("swept = %d, want 1", swept)
	}
	if c.Ready() {
		t.Error("idle connection still ready after sweep")
	}

	// The next Ensure dials again.
	if _, err := r.Ensure(context.Background(), "alice", "files"); err != nil {
		t.Fatalf("Ensure after sweep: %v", err)
	}
	if dialer.count.Load() != 2 {
		t.Errorf("dial count = %d, want 2", dialer.count.Load())
	}
}

func TestRegistry_SweepClosesUnresponsiveConnections(t *testing.T) {
	var clockMu sync.Mutex
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	dialer := &countingDialer{}
	store := testStore(config.Provider{
		Name: "files", Transport: config.TransportSubprocess, Command: "files-server",
		CallTimeoutSec: 1,
	})
	bus := events.New()
	sub := bus.Subscribe(16)
	r := New(store, Options{Logger: discardLogger(), Dial: dialer.dial, Now: clock, Bus: bus})
	defer r.DisposeAll()

	c, err := r.Ensure(context.Background(), "alice", "files")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	// The server hangs without the transport dying: requests vanish.
	dialer.lastTransport().mute()

	// Quiet long enough for a health check, but well short of idle.
	clockMu.Lock()
	now = now.Add(2 * DefaultSweepInterval)
	clockMu.Unlock()

	if swept := r.Sweep(); swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
	if c.Ready() {
		t.Error("unresponsive connection still ready after sweep")
	}

	var reason any
	for len(sub) > 0 {
		ev := <-sub
		if ev.Kind == events.KindSwept {
			reason = ev.Data["reason"]
		}
	}
	if reason != "unresponsive" {
		t.Errorf("swept reason = %v, want unresponsive", reason)
	}
}

func TestRegistry_AccessTriggersSweep(t *testing.T) {
	var clockMu sync.Mutex
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	dialer := &countingDialer{}
	store := testStore(config.Provider{
		Name: "files", Transport: config.TransportSubprocess, Command: "files-server",
	})
	r := New(store, Options{Logger: discardLogger(), Dial: dialer.dial, Now: clock})
	defer r.DisposeAll()

	c, err := r.Ensure(context.Background(), "alice", "files")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	clockMu.Lock()
	now = now.Add(DefaultIdleAfter + time.Minute)
	clockMu.Unlock()

	// A plain listing kicks off the sweep; no one calls Sweep directly.
	if _, err := r.ListToolsLazy("alice"); err != nil {
		t.Fatalf("ListToolsLazy: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !c.Ready() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("idle connection not closed by on-access sweep")
}

func TestRegistry_AutoRestart(t *testing.T) {
	dialer := &countingDialer{tools: []protocol.Tool{{Name: "echo"}}}
	store := testStore(config.Provider{
		Name: "files", Transport: config.TransportSubprocess, Command: "files-server",
		AutoRestart: true, RestartDelaySec: 1,
	})
	r := New(store, Options{Logger: discardLogger(), Dial: dialer.dial})
	defer r.DisposeAll()

	if _, err := r.Ensure(context.Background(), "alice", "files"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	dialer.lastTransport().die(errors.New("process terminated"))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if dialer.count.Load() == 2 {
			if c := r.live("alice", "files"); c != nil && c.Ready() {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("provider not restarted; dials = %d", dialer.count.Load())
}

func TestRegistry_CleanupAndDispose(t *testing.T) {
	dialer := &countingDialer{}
	store := testStore(config.Provider{
		Name: "files", Transport: config.TransportSubprocess, Command: "files-server",
	})
	r := New(store, Options{Logger: discardLogger(), Dial: dialer.dial})

	aliceConn, err := r.Ensure(context.Background(), "alice", "files")
	if err != nil {
		t.Fatalf("Ensure(alice): %v", err)
	}
	bobConn, err := r.Ensure(context.Background(), "bob", "files")
	if err != nil {
		t.Fatalf("Ensure(bob): %v", err)
	}

	r.Cleanup("alice")
	if aliceConn.Ready() {
		t.Error("alice's connection survived Cleanup")
	}
	if !bobConn.Ready() {
		t.Error("bob's connection was closed by another user's Cleanup")
	}

	r.DisposeAll()
	if bobConn.Ready() {
		t.Error("connection survived DisposeAll")
	}
	if _, err := r.Ensure(context.Background(), "bob", "files"); !errors.Is(err, conn.ErrClosed) {
		t.Errorf("Ensure after DisposeAll = %v, want ErrClosed", err)
	}
}
