package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"codeagent/internal/history"
	"codeagent/internal/models"
)

// ErrSessionActive reports that a new generation was requested while one is
// still running. Requests are rejected, never queued.
var ErrSessionActive = errors.New("session already active")

// Manager owns the single allowed generation session per process.
type Manager struct {
	store   *history.Store
	gen     Generator
	journal *Journal

	mu     sync.Mutex
	active *Session
}

func NewManager(store *history.Store, gen Generator, journal *Journal) *Manager {
	return &Manager{store: store, gen: gen, journal: journal}
}

// Start commits the user message and launches a generation for it. It fails
// with ErrSessionActive while another session is running; the generation
// itself proceeds in the background, decoupled from the caller's context.
func (m *Manager) Start(ctx context.Context, userMsg *models.Message, opts Options) (*Session, error) {
	if userMsg == nil {
		return nil, errors.New("user message is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev := m.active; prev != nil && prev.Active() {
		return nil, ErrSessionActive
	}

	// Load first: a failing read must not leave an orphaned user message
	// with no generation behind it.
	hist, err := m.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if _, err := m.store.Append(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("commit user message: %w", err)
	}
	hist = append(hist, userMsg)

	s := newSession(m.journal)
	m.active = s
	m.journal.Begin(ctx, s.ID)

	go s.run(m.gen, hist, opts, func(ctx context.Context, msg *models.Message) error {
		_, err := m.store.Append(ctx, msg)
		return err
	})
	return s, nil
}

// Active returns the running session, or nil when none is live.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s != nil && s.Active() {
		return s
	}
	return nil
}

// Stop cancels the active session if there is one. Idempotent; it returns
// immediately without waiting for the terminal event.
func (m *Manager) Stop() bool {
	s := m.Active()
	if s == nil {
		return false
	}
	s.Cancel()
	return true
}

// Recover inspects the journal for a generation interrupted by a previous
// process. An interrupted session is treated as errored: snapshotted partial
// text, if any, is committed as the final model message, matching the
// cancellation policy.
func (m *Manager) Recover(ctx context.Context) error {
	id, partial, ok := m.journal.Pending(ctx)
	if !ok {
		return nil
	}
	log.Printf("session %s: interrupted by restart, recovering", id)
	if partial != "" {
		if _, err := m.store.Append(ctx, models.TextMessage(models.RoleModel, partial)); err != nil {
			return fmt.Errorf("commit recovered text: %w", err)
		}
	}
	m.journal.Clear(ctx)
	return nil
}
