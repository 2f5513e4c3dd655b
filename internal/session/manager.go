package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"example.com/sessiontimeline/internal/observability"
	"example.com/sessiontimeline/internal/zones"
)

// ErrSessionNotFound is returned for operations on unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Manager tracks the live orchestrators of this instance. Each session is
// owned by exactly one orchestrator; ended sessions are removed and a new
// session always gets a fresh orchestrator.
type Manager struct {
	cfg        Config
	classifier *zones.Classifier
	persister  Persister
	logger     *log.Logger
	opts       []Option

	mu       sync.Mutex
	sessions map[string]*running
}

type running struct {
	orch   *Orchestrator
	cancel context.CancelFunc
}

// NewManager constructs a Manager. The extra options are passed to every
// orchestrator it creates.
func NewManager(cfg Config, classifier *zones.Classifier, persister Persister, opts ...Option) *Manager {
	return &Manager{
		cfg:        cfg,
		classifier: classifier,
		persister:  persister,
		logger:     log.New(log.Writer(), "[sessions] ", log.LstdFlags),
		opts:       opts,
		sessions:   make(map[string]*running),
	}
}

// Start creates a session with the given roster, launches its loops, and
// returns the orchestrator.
func (m *Manager) Start(tenantID string, roster []RosterEntry) (*Orchestrator, error) {
	orch := New(tenantID, m.cfg, m.classifier, m.persister, m.opts...)
	for _, entry := range roster {
		if _, err := orch.Join(entry.ProfileID, entry.DeviceID); err != nil {
			return nil, fmt.Errorf("join %s: %w", entry.ProfileID, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.sessions[orch.ID()] = &running{orch: orch, cancel: cancel}
	count := len(m.sessions)
	m.mu.Unlock()
	observability.SetActiveSessions(count)

	go func() {
		orch.Run(ctx)
		m.forget(orch.ID())
	}()

	m.logger.Printf("session %s started (tenant=%s, roster=%d)", orch.ID(), tenantID, len(roster))
	return orch, nil
}

// Get returns the live orchestrator for a session id.
func (m *Manager) Get(sessionID string) (*Orchestrator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return run.orch, true
}

// Deliver routes a device reading to its session.
func (m *Manager) Deliver(sessionID string, r Reading) error {
	orch, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return orch.Deliver(r)
}

// End finalizes a session and removes it from the manager.
func (m *Manager) End(ctx context.Context, sessionID string) (Record, error) {
	m.mu.Lock()
	run, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	rec, err := run.orch.End(ctx)
	run.cancel()
	run.orch.Wait()
	m.forget(sessionID)
	return rec, err
}

// Shutdown ends every live session with a forced persist. Used on process
// termination so in-memory data is not lost silently.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if _, err := m.End(ctx, id); err != nil && !errors.Is(err, ErrSessionEnded) && !errors.Is(err, ErrSessionNotFound) {
			m.logger.Printf("shutdown: session %s final persist failed: %v", id, err)
		}
	}
}

func (m *Manager) forget(sessionID string) {
	m.mu.Lock()
	if run, ok := m.sessions[sessionID]; ok {
		run.cancel()
		delete(m.sessions, sessionID)
	}
	count := len(m.sessions)
	m.mu.Unlock()
	observability.SetActiveSessions(count)
}
