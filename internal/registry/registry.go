// Package registry manages live provider connections per user. It
// dials lazily, sweeps idle connections, and restarts providers that
// die unexpectedly.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/calliope-ai/conduit/internal/config"
	"github.com/calliope-ai/conduit/internal/configstore"
	"github.com/calliope-ai/conduit/internal/conn"
	"github.com/calliope-ai/conduit/internal/events"
	"github.com/calliope-ai/conduit/internal/protocol"
	"github.com/calliope-ai/conduit/internal/transport"
)

// DefaultIdleAfter is how long a connection may sit unused before the
// sweeper closes it.
const DefaultIdleAfter = 30 * time.Minute

// DefaultSweepInterval is how often the sweep runs: the on-access
// trigger is throttled to once per interval, and quiet connections
// older than one interval are health-checked.
const DefaultSweepInterval = time.Minute

// DialFunc builds a transport for a provider. Swappable for tests.
type DialFunc func(p config.Provider, logger *slog.Logger) (transport.Transport, error)

// Options configure a Registry.
type Options struct {
	Logger *slog.Logger
	Bus    *events.Bus

	// Dial defaults to transport.New.
	Dial DialFunc

	// IdleAfter defaults to DefaultIdleAfter.
	IdleAfter time.Duration

	// Now overrides the clock for tests.
	Now func() time.Time
}

// ProviderTools is one provider's tool listing with connection state.
type ProviderTools struct {
	Provider string
	State    conn.State
	Tools    []protocol.Tool
}

// entry serializes connect attempts per (user, provider) key so two
// callers never spawn two subprocesses for the same provider.
type entry struct {
	mu   sync.Mutex
	conn *conn.Connection
	gen  int
}

// Registry owns all live connections, keyed by user and provider.
type Registry struct {
	store     configstore.Store
	logger    *slog.Logger
	bus       *events.Bus
	dial      DialFunc
	idleAfter time.Duration
	now       func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	lastSweep time.Time
	closed    bool
}

// New creates a registry backed by the given provider store.
func New(store configstore.Store, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := opts.Dial
	if dial == nil {
		dial = func(p config.Provider, logger *slog.Logger) (transport.Transport, error) {
			return transport.New(p, logger)
		}
	}
	idleAfter := opts.IdleAfter
	if idleAfter <= 0 {
		idleAfter = DefaultIdleAfter
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store:     store,
		logger:    logger.With("component", "registry"),
		bus:       opts.Bus,
		dial:      dial,
		idleAfter: idleAfter,
		now:       now,
		lastSweep: now(),
		entries:   make(map[string]*entry),
	}
}

func key(userID, provider string) string { return userID + "/" + provider }

// Ensure returns a ready connection for the user's provider, dialing
// and handshaking if none is live. Safe for concurrent use; concurrent
// calls for the same provider share one connect attempt.
func (r *Registry) Ensure(ctx context.Context, userID, providerName string) (*conn.Connection, error) {
	r.maybeSweep()

	p, err := r.store.GetProvider(userID, providerName)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", providerName, err)
	}

	e, err := r.entry(userID, providerName)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil && e.conn.Ready() {
		return e.conn, nil
	}
	if e.conn != nil {
		// Dead or failed; replace it.
		_ = e.conn.Close()
		e.conn = nil
	}

	c, err := r.connect(ctx, userID, *p, e)
	if err != nil {
		return nil, err
	}
	e.conn = c
	e.gen++
	return c, nil
}

// connect dials, builds the connection, and runs the handshake. Called
// with the entry lock held.
func (r *Registry) connect(ctx context.Context, userID string, p config.Provider, e *entry) (*conn.Connection, error) {
	tr, err := r.dial(p, r.logger)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.Name, err)
	}

	gen := e.gen + 1
	opts := conn.Options{
		Logger: r.logger,
		Bus:    r.bus,
		Now:    r.now,
	}
	if p.AutoRestart {
		opts.OnDead = func(err error) {
			r.scheduleRestart(userID, p, e, gen, err)
		}
	}

	c := conn.New(p, tr, opts)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// scheduleRestart re-dials a provider after its restart delay. The
// generation check drops stale restarts when the connection was
// already replaced or swept.
func (r *Registry) scheduleRestart(userID string, p config.Provider, e *entry, gen int, cause error) {
	r.logger.Warn("provider died, scheduling restart",
		"provider", p.Name, "user", userID, "delay", p.RestartDelay(), "error", cause)

	time.AfterFunc(p.RestartDelay(), func() {
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		if e.gen != gen || e.conn == nil {
			return
		}
		_ = e.conn.Close()
		e.conn = nil

		ctx, cancel := context.WithTimeout(context.Background(), p.HandshakeTimeout())
		defer cancel()
		c, err := r.connect(ctx, userID, p, e)
		if err != nil {
			r.logger.Error("provider restart failed", "provider", p.Name, "user", userID, "error", err)
			return
		}
		e.conn = c
		e.gen++
		r.logger.Info("provider restarted", "provider", p.Name, "user", userID)
	})
}

func (r *Registry) entry(userID, providerName string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, conn.ErrClosed
	}
	k := key(userID, providerName)
	e, ok := r.entries[k]
	if !ok {
		e = &entry{}
		r.entries[k] = e
	}
	return e, nil
}

// live returns the ready connection for the key, if any, without
// dialing.
func (r *Registry) live(userID, providerName string) *conn.Connection {
	r.mu.Lock()
	e, ok := r.entries[key(userID, providerName)]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil && e.conn.Ready() {
		return e.conn
	}
	return nil
}

// ListToolsLazy lists tools for every configured provider without
// opening any transport: live connections report discovered tools,
// everything else falls back to statically declared tools.
func (r *Registry) ListToolsLazy(userID string) ([]ProviderTools, error) {
	r.maybeSweep()

	providers, err := r.store.ListProviders(userID)
	if err != nil {
		return nil, err
	}

	out := make([]ProviderTools, 0, len(providers))
	for _, p := range providers {
		pt := ProviderTools{Provider: p.Name, State: conn.StateDisconnected}
		if c := r.live(userID, p.Name); c != nil {
			pt.State = c.State()
			pt.Tools = c.Tools()
		} else {
			pt.Tools = p.StaticTools
		}
		out = append(out, pt)
	}
	return out, nil
}

// ListTools lists tools for every configured provider. With
// forceConnect it dials everything first; individual connect failures
// degrade that provider to its static tools rather than failing the
// whole listing.
func (r *Registry) ListTools(ctx context.Context, userID string, forceConnect bool) ([]ProviderTools, error) {
	if !forceConnect {
		return r.ListToolsLazy(userID)
	}

	providers, err := r.store.ListProviders(userID)
	if err != nil {
		return nil, err
	}
	for _, p := range providers {
		if _, err := r.Ensure(ctx, userID, p.Name); err != nil {
			r.logger.Warn("connect for listing failed", "provider", p.Name, "user", userID, "error", err)
		}
	}
	return r.ListToolsLazy(userID)
}

// maybeSweep starts a background sweep, at most once per sweep
// interval. Ensure and ListToolsLazy call it so idle connections are
// reclaimed even when no periodic sweeper is running.
func (r *Registry) maybeSweep() {
	r.mu.Lock()
	now := r.now()
	if r.closed || now.Sub(r.lastSweep) < DefaultSweepInterval {
		r.mu.Unlock()
		return
	}
	r.lastSweep = now
	r.mu.Unlock()
	go r.Sweep()
}

// Sweep reclaims dead weight: connections idle past the threshold are
// closed, and Ready connections quiet for more than a sweep interval
// are pinged, with unresponsive ones closed as well. Returns how many
// connections were closed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	type candidate struct {
		key string
		e   *entry
	}
	candidates := make([]candidate, 0, len(r.entries))
	for k, e := range r.entries {
		candidates = append(candidates, candidate{k, e})
	}
	r.mu.Unlock()

	now := r.now()
	idleCutoff := now.Add(-r.idleAfter)
	quietCutoff := now.Add(-DefaultSweepInterval)
	swept := 0
	for _, cand := range candidates {
		cand.e.mu.Lock()
		c := cand.e.conn
		if c == nil {
			cand.e.mu.Unlock()
			continue
		}
		if c.LastActivity().Before(idleCutoff) {
			_ = c.Close()
			cand.e.conn = nil
			cand.e.gen++
			cand.e.mu.Unlock()
			swept++
			r.logger.Info("swept idle connection", "key", cand.key)
			r.publish(events.KindSwept, map[string]any{"provider": c.Provider().Name, "reason": "idle"})
			continue
		}
		gen := cand.e.gen
		quiet := c.Ready() && c.LastActivity().Before(quietCutoff)
		cand.e.mu.Unlock()

		if !quiet {
			continue
		}
		// Health check outside the entry lock: a ping waits up to the
		// provider's call timeout and must not block other callers.
		err := c.Ping(context.Background())
		if err == nil {
			continue
		}
		cand.e.mu.Lock()
		if cand.e.gen == gen && cand.e.conn == c {
			_ = c.Close()
			cand.e.conn = nil
			cand.e.gen++
			swept++
			r.logger.Warn("swept unresponsive connection", "key", cand.key, "error", err)
			r.publish(events.KindSwept, map[string]any{"provider": c.Provider().Name, "reason": "unresponsive"})
		}
		cand.e.mu.Unlock()
	}
	return swept
}

// SweepEvery runs Sweep on the given interval until ctx is cancelled.
func (r *Registry) SweepEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Cleanup closes every connection belonging to the user.
func (r *Registry) Cleanup(userID string) {
	prefix := userID + "/"
	r.mu.Lock()
	var targets []*entry
	for k, e := range r.entries {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			targets = append(targets, e)
			delete(r.entries, k)
		}
	}
	r.mu.Unlock()

	for _, e := range targets {
		e.mu.Lock()
		if e.conn != nil {
			_ = e.conn.Close()
			e.conn = nil
		}
		e.gen++
		e.mu.Unlock()
	}
}

// DisposeAll closes every connection and marks the registry closed.
// Subsequent Ensure calls fail.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.conn != nil {
			_ = e.conn.Close()
			e.conn = nil
		}
		e.mu.Unlock()
	}
}

func (r *Registry) publish(kind string, data map[string]any) {
	r.bus.Publish(events.Event{Source: events.SourceRegistry, Kind: kind, Data: data})
}
