package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"codeagent/internal/config"
	"codeagent/internal/history"
	"codeagent/internal/models"
	"codeagent/internal/sse"
	"codeagent/internal/storage"
)

// scriptedGenerator drives the session from a test-controlled script.
type scriptedGenerator struct {
	run func(ctx context.Context, emit Emitter) error
}

func (g *scriptedGenerator) Generate(ctx context.Context, _ []*models.Message, _ Options, emit Emitter) error {
	return g.run(ctx, emit)
}

func newTestManager(t *testing.T, gen Generator) (*Manager, *history.Store) {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: filepath.Join(t.TempDir(), "sessions.db")},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := history.New(db)
	return NewManager(store, gen, NewJournal(nil)), store
}

// drain reads events from q until a terminal event or the deadline.
func drain(t *testing.T, q *Queue) []sse.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var events []sse.Event
	for {
		ev, ok := q.Next(ctx)
		if !ok {
			t.Fatalf("timed out waiting for terminal event, got %v", events)
		}
		events = append(events, ev)
		if ev.Terminal() {
			return events
		}
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestCompletedSessionCommitsOneMessage(t *testing.T) {
	gen := &scriptedGenerator{run: func(ctx context.Context, emit Emitter) error {
		emit.Text("Hello")
		emit.Text(", world")
		return nil
	}}
	m, store := newTestManager(t, gen)

	s, err := m.Start(context.Background(), models.TextMessage(models.RoleUser, "hi"), Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	q := s.Attach()
	events := drain(t, q)
	waitDone(t, s)

	last := events[len(events)-1]
	if last.Name != sse.EventDone {
		t.Errorf("terminal event = %s, want done", last.Name)
	}
	if got := s.State(); got != StateCompleted {
		t.Errorf("state = %s, want completed", got)
	}

	all, err := store.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("history holds %d messages, want user + model", len(all))
	}
	if all[1].Role != models.RoleModel || all[1].Text() != "Hello, world" {
		t.Errorf("model message = role %s text %q", all[1].Role, all[1].Text())
	}
}

func TestStartRejectsWhileActive(t *testing.T) {
	release := make(chan struct{})
	gen := &scriptedGenerator{run: func(ctx context.Context, emit Emitter) error {
		<-release
		return nil
	}}
	m, _ := newTestManager(t, gen)
	ctx := context.Background()

	s, err := m.Start(ctx, models.TextMessage(models.RoleUser, "first"), Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Start(ctx, models.TextMessage(models.RoleUser, "second"), Options{}); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("concurrent Start err = %v, want ErrSessionActive", err)
	}

	close(release)
	waitDone(t, s)

	// A finished session no longer blocks new ones.
	s2, err := m.Start(ctx, models.TextMessage(models.RoleUser, "third"), Options{})
	if err != nil {
		t.Fatalf("Start after finish: %v", err)
	}
	waitDone(t, s2)
}

func TestCancelKeepsPartialText(t *testing.T) {
	emitted := make(chan struct{})
	gen := &scriptedGenerator{run: func(ctx context.Context, emit Emitter) error {
		emit.Text("partial answer")
		close(emitted)
		<-ctx.Done()
		// A late delta after cancellation must not surface anywhere.
		emit.Text(" late delta")
		return ctx.Err()
	}}
	m, store := newTestManager(t, gen)

	s, err := m.Start(context.Background(), models.TextMessage(models.RoleUser, "hi"), Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	q := s.Attach()
	<-emitted
	s.Cancel()
	events := drain(t, q)
	waitDone(t, s)

	last := events[len(events)-1]
	if last.Name != sse.EventDone {
		t.Errorf("cancelled session terminated with %s, want done", last.Name)
	}
	if got := s.State(); got != StateCompleted {
		t.Errorf("state = %s, want completed", got)
	}
	if got := s.AccumulatedText(); got != "partial answer" {
		t.Errorf("accumulated = %q, late delta should be dropped", got)
	}

	all, err := store.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 2 || all[1].Text() != "partial answer" {
		t.Fatalf("history after cancel = %d messages, want partial text committed once", len(all))
	}
}

func TestCancelWithoutOutputCommitsNothing(t *testing.T) {
	started := make(chan struct{})
	gen := &scriptedGenerator{run: func(ctx context.Context, emit Emitter) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	m, store := newTestManager(t, gen)

	s, err := m.Start(context.Background(), models.TextMessage(models.RoleUser, "hi"), Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started
	s.Cancel()
	s.Cancel() // repeat cancel is a no-op
	waitDone(t, s)

	all, err := store.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("history holds %d messages, want only the user message", len(all))
	}
}

func TestGeneratorErrorKeepsPartialText(t *testing.T) {
	gen := &scriptedGenerator{run: func(ctx context.Context, emit Emitter) error {
		emit.Text("half an ans")
		return errors.New("model unavailable")
	}}
	m, store := newTestManager(t, gen)

	s, err := m.Start(context.Background(), models.TextMessage(models.RoleUser, "hi"), Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	q := s.Attach()
	events := drain(t, q)
	waitDone(t, s)

	last := events[len(events)-1]
	if last.Name != sse.EventError || last.Data != "model unavailable" {
		t.Errorf("terminal event = %+v, want error with reason", last)
	}
	if got := s.State(); got != StateErrored {
		t.Errorf("state = %s, want errored", got)
	}

	all, err := store.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 2 || all[1].Text() != "half an ans" {
		t.Fatalf("partial text not committed: %d messages", len(all))
	}
}

func TestAttachMidStreamPrimesAccumulatedText(t *testing.T) {
	firstOut := make(chan struct{})
	gate := make(chan struct{})
	gen := &scriptedGenerator{run: func(ctx context.Context, emit Emitter) error {
		emit.Text("Hello ")
		close(firstOut)
		<-gate
		emit.Text("world")
		return nil
	}}
	m, _ := newTestManager(t, gen)

	s, err := m.Start(context.Background(), models.TextMessage(models.RoleUser, "hi"), Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-firstOut
	q := s.Attach()
	close(gate)
	events := drain(t, q)
	waitDone(t, s)

	want := []sse.Event{
		{Name: sse.EventMessage, Data: "Hello "},
		{Name: sse.EventMessage, Data: "world"},
		{Name: sse.EventDone},
	}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestMultipleConsumersSingleCommit(t *testing.T) {
	gate := make(chan struct{})
	gen := &scriptedGenerator{run: func(ctx context.Context, emit Emitter) error {
		<-gate
		emit.Text("shared answer")
		return nil
	}}
	m, store := newTestManager(t, gen)

	s, err := m.Start(context.Background(), models.TextMessage(models.RoleUser, "hi"), Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	q1 := s.Attach()
	q2 := s.Attach()
	close(gate)

	for i, q := range []*Queue{q1, q2} {
		events := drain(t, q)
		if last := events[len(events)-1]; last.Name != sse.EventDone {
			t.Errorf("consumer %d terminated with %s, want done", i, last.Name)
		}
	}
	waitDone(t, s)

	all, err := store.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("history holds %d messages; attaching twice must not commit twice", len(all))
	}
}

func TestAttachAfterFinishSeesTerminalEvent(t *testing.T) {
	gen := &scriptedGenerator{run: func(ctx context.Context, emit Emitter) error {
		emit.Text("done already")
		return nil
	}}
	m, _ := newTestManager(t, gen)

	s, err := m.Start(context.Background(), models.TextMessage(models.RoleUser, "hi"), Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)

	events := drain(t, s.Attach())
	if len(events) != 2 {
		t.Fatalf("late attach events = %v, want snapshot + done", events)
	}
	if events[0].Name != sse.EventMessage || events[0].Data != "done already" {
		t.Errorf("snapshot event = %+v", events[0])
	}
	if events[1].Name != sse.EventDone {
		t.Errorf("final event = %+v, want done", events[1])
	}
}

func TestStartFailureCommitsNothing(t *testing.T) {
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: filepath.Join(t.TempDir(), "start.db")},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// A row the scanner cannot decode makes the history load fail while
	// appends still work.
	if _, err := db.Exec(
		`INSERT INTO messages (id, role, content, parts, created_at) VALUES ('r1', 'user', 'x', '[]', 'not-a-timestamp')`,
	); err != nil {
		t.Fatalf("seed bad row: %v", err)
	}
	store := history.New(db)

	gen := &scriptedGenerator{run: func(ctx context.Context, emit Emitter) error {
		t.Error("generator must not run when start fails")
		return nil
	}}
	m := NewManager(store, gen, NewJournal(nil))

	ctx := context.Background()
	if _, err := m.Start(ctx, models.TextMessage(models.RoleUser, "hi"), Options{}); err == nil {
		t.Fatal("Start should fail when history cannot be loaded")
	}
	n, err := store.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Errorf("history grew to %d rows on a failed start; the user message must not be committed", n)
	}
}

func TestManagerStop(t *testing.T) {
	started := make(chan struct{})
	gen := &scriptedGenerator{run: func(ctx context.Context, emit Emitter) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	m, _ := newTestManager(t, gen)

	if m.Stop() {
		t.Error("Stop with no session should report false")
	}

	s, err := m.Start(context.Background(), models.TextMessage(models.RoleUser, "hi"), Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started
	if !m.Stop() {
		t.Error("Stop with a live session should report true")
	}
	waitDone(t, s)
	if m.Active() != nil {
		t.Error("Active after terminal state should be nil")
	}
}

func TestQueueCoalescesPendingToolStatus(t *testing.T) {
	q := newQueue()
	q.push(sse.Event{Name: sse.EventTool, Data: "step 1"})
	q.push(sse.Event{Name: sse.EventTool, Data: "step 2"})
	q.push(sse.Event{Name: sse.EventMessage, Data: "delta"})
	q.push(sse.Event{Name: sse.EventTool, Data: "step 3"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	want := []sse.Event{
		{Name: sse.EventTool, Data: "step 2"},
		{Name: sse.EventMessage, Data: "delta"},
		{Name: sse.EventTool, Data: "step 3"},
	}
	for i, w := range want {
		ev, ok := q.Next(ctx)
		if !ok {
			t.Fatalf("event %d: queue empty", i)
		}
		if ev != w {
			t.Errorf("event %d = %+v, want %+v", i, ev, w)
		}
	}
}

func TestQueueNextHonorsContext(t *testing.T) {
	q := newQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := q.Next(ctx); ok {
		t.Error("Next on cancelled context should report false")
	}
}
