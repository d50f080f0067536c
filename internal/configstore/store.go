// Package configstore persists per-user provider configurations and
// task run history.
package configstore

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calliope-ai/conduit/internal/config"
)

// ErrNotFound is returned when a provider is not configured for a user.
var ErrNotFound = errors.New("provider not found")

// TaskRun is one completed executor run, kept for history.
type TaskRun struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"user_id"`
	Task       string    `json:"task"`
	Output     string    `json:"output"`
	Steps      int       `json:"steps"`
	Succeeded  bool      `json:"succeeded"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Store manages provider configurations per user and run history.
type Store interface {
	// GetProvider returns the named provider for the user, or
	// ErrNotFound.
	GetProvider(userID, name string) (*config.Provider, error)

	// SetProvider creates or replaces a provider for the user.
	SetProvider(userID string, p config.Provider) error

	// ListProviders returns the user's providers sorted by name.
	ListProviders(userID string) ([]config.Provider, error)

	// DeleteProvider removes a provider. Deleting an unknown provider
	// is not an error.
	DeleteProvider(userID, name string) error

	// RecordRun appends a task run to the history.
	RecordRun(run TaskRun) error

	// ListRuns returns the user's most recent runs, newest first,
	// capped at limit (0 means no cap).
	ListRuns(userID string, limit int) ([]TaskRun, error)

	Close() error
}

// Static is an in-memory store seeded from the loaded configuration.
// Every user sees the seeded providers; per-user changes shadow them.
type Static struct {
	mu        sync.RWMutex
	defaults  map[string]config.Provider
	overrides map[string]map[string]config.Provider // userID -> name -> provider
	deleted   map[string]map[string]bool
	runs      []TaskRun
}

// NewStatic builds a store from the configured providers.
func NewStatic(cfg *config.Config) *Static {
	defaults := make(map[string]config.Provider, len(cfg.Providers))
	for name, p := range cfg.Providers {
		defaults[name] = p
	}
	return &Static{
		defaults:  defaults,
		overrides: make(map[string]map[string]config.Provider),
		deleted:   make(map[string]map[string]bool),
	}
}

func (s *Static) GetProvider(userID, name string) (*config.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.overrides[userID][name]; ok {
		return &p, nil
	}
	if s.deleted[userID][name] {
		return nil, ErrNotFound
	}
	if p, ok := s.defaults[name]; ok {
		return &p, nil
	}
	return nil, ErrNotFound
}

func (s *Static) SetProvider(userID string, p config.Provider) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overrides[userID] == nil {
		s.overrides[userID] = make(map[string]config.Provider)
	}
	s.overrides[userID][p.Name] = p
	delete(s.deleted[userID], p.Name)
	return nil
}

func (s *Static) ListProviders(userID string) ([]config.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	merged := make(map[string]config.Provider, len(s.defaults))
	for name, p := range s.defaults {
		if !s.deleted[userID][name] {
			merged[name] = p
		}
	}
	for name, p := range s.overrides[userID] {
		merged[name] = p
	}
	out := make([]config.Provider, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Static) DeleteProvider(userID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides[userID], name)
	if _, ok := s.defaults[name]; ok {
		if s.deleted[userID] == nil {
			s.deleted[userID] = make(map[string]bool)
		}
		s.deleted[userID][name] = true
	}
	return nil
}

func (s *Static) RecordRun(run TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

func (s *Static) ListRuns(userID string, limit int) ([]TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TaskRun
	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].UserID != userID {
			continue
		}
		out = append(out, s.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Static) Close() error { return nil }
