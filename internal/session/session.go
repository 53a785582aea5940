// Package session owns the lifecycle of model generations: one live,
// cancellable stream at a time, committed to the history log on completion.
package session

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"codeagent/internal/models"
	"codeagent/internal/sse"
)

// State of a generation session.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCancelling
	StateCompleted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCancelling:
		return "cancelling"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Options select the upstream model behavior for one generation.
type Options struct {
	Model     string
	WebSearch bool
}

// Emitter receives incremental output from the upstream generator. The
// session serializes what it receives into codec events in FIFO order.
type Emitter interface {
	// Text appends a UTF-8 delta to the in-progress response.
	Text(delta string)
	// ToolStatus surfaces a human-readable description of a tool
	// invocation in progress. Advisory only.
	ToolStatus(status string)
}

// Generator is the upstream model caller. It pushes increments into emit
// until the generation finishes or ctx is cancelled.
type Generator interface {
	Generate(ctx context.Context, history []*models.Message, opts Options, emit Emitter) error
}

// Session is the server-side owner of one in-flight generation.
type Session struct {
	ID string

	mu          sync.Mutex
	state       State
	accumulated strings.Builder
	cancelReq   bool
	cancel      context.CancelFunc
	listeners   []*Queue
	// terminal holds the single done/error event once emitted, so a
	// consumer attaching after the fact still observes termination.
	terminal *sse.Event

	journal *Journal
	done    chan struct{}
}

func newSession(journal *Journal) *Session {
	return &Session{
		ID:      uuid.NewString(),
		state:   StateIdle,
		journal: journal,
		done:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active reports whether the session still owns a live generation.
func (s *Session) Active() bool {
	switch s.State() {
	case StateRunning, StateCancelling:
		return true
	default:
		return false
	}
}

// AccumulatedText returns the text committed so far in the current response.
func (s *Session) AccumulatedText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accumulated.String()
}

// Done is closed once the terminal event has been emitted and any final
// message committed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Attach adds a consumer to the live stream. Already-emitted events are not
// replayed; instead a single synthetic message event carries the whole
// accumulated text, so the consumer primes its view from persisted history
// plus an empty placeholder and never double-counts.
func (s *Session) Attach() *Queue {
	q := newQueue()
	s.mu.Lock()
	if text := s.accumulated.String(); text != "" {
		q.push(sse.Event{Name: sse.EventMessage, Data: text})
	}
	if s.terminal != nil {
		q.push(*s.terminal)
	} else {
		s.listeners = append(s.listeners, q)
	}
	s.mu.Unlock()
	return q
}

// Cancel requests a stop. Idempotent: repeat calls on a cancelling or
// finished session are no-ops. The session stops emitting new content and
// terminates with done, committing whatever text has accumulated.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelling
	s.cancelReq = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Text implements Emitter. Deltas arriving after a cancel request are
// dropped: once cancelled the session must not emit new content.
func (s *Session) Text(delta string) {
	s.mu.Lock()
	if s.cancelReq || s.terminal != nil {
		s.mu.Unlock()
		return
	}
	s.accumulated.WriteString(delta)
	text := s.accumulated.String()
	s.broadcastLocked(sse.Event{Name: sse.EventMessage, Data: delta})
	s.mu.Unlock()

	s.journal.Snapshot(context.Background(), text)
}

// ToolStatus implements Emitter.
func (s *Session) ToolStatus(status string) {
	s.mu.Lock()
	if s.cancelReq || s.terminal != nil {
		s.mu.Unlock()
		return
	}
	s.broadcastLocked(sse.Event{Name: sse.EventTool, Data: status})
	s.mu.Unlock()
}

func (s *Session) broadcastLocked(ev sse.Event) {
	for _, q := range s.listeners {
		q.push(ev)
	}
}

// finish emits the single terminal event and settles the final state.
func (s *Session) finish(ev sse.Event, state State) {
	s.mu.Lock()
	if s.terminal != nil {
		s.mu.Unlock()
		return
	}
	s.terminal = &ev
	s.state = state
	s.broadcastLocked(ev)
	s.listeners = nil
	s.mu.Unlock()
	close(s.done)
}

// run drives one generation to its terminal state and commits the result.
// It is detached from any request context: a disconnected client never
// aborts the generation.
func (s *Session) run(gen Generator, history []*models.Message, opts Options, commit func(context.Context, *models.Message) error) {
	genCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.state = StateRunning
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	err := gen.Generate(genCtx, history, opts, s)

	s.mu.Lock()
	cancelled := s.cancelReq
	text := s.accumulated.String()
	s.mu.Unlock()

	ctx := context.Background()
	defer s.journal.Clear(ctx)

	switch {
	case cancelled:
		// Cancellation is not an error: keep what was produced.
		s.commitText(ctx, text, commit)
		s.finish(sse.Event{Name: sse.EventDone}, StateCompleted)
	case err != nil:
		// Partial text survives an upstream failure, matching the
		// cancellation policy; an empty response commits nothing.
		s.commitText(ctx, text, commit)
		log.Printf("session %s: generation failed: %v", s.ID, err)
		s.finish(sse.Event{Name: sse.EventError, Data: err.Error()}, StateErrored)
	default:
		s.commitText(ctx, text, commit)
		s.finish(sse.Event{Name: sse.EventDone}, StateCompleted)
	}
}

func (s *Session) commitText(ctx context.Context, text string, commit func(context.Context, *models.Message) error) {
	if text == "" {
		return
	}
	if err := commit(ctx, models.TextMessage(models.RoleModel, text)); err != nil {
		log.Printf("session %s: commit final message: %v", s.ID, err)
	}
}
