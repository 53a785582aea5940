package session

import (
	"context"
	"sync"

	"codeagent/internal/sse"
)

// Queue buffers events for one attached consumer. Message deltas are held
// lossless until delivered; a pending tool status may be overwritten by a
// newer one, since tool status is advisory.
type Queue struct {
	mu     sync.Mutex
	events []sse.Event
	signal chan struct{}
}

func newQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

func (q *Queue) push(ev sse.Event) {
	q.mu.Lock()
	if ev.Name == sse.EventTool && len(q.events) > 0 && q.events[len(q.events)-1].Name == sse.EventTool {
		q.events[len(q.events)-1] = ev
	} else {
		q.events = append(q.events, ev)
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available or ctx is done. The second return
// is false only when ctx expired first.
func (q *Queue) Next(ctx context.Context) (sse.Event, bool) {
	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			ev := q.events[0]
			q.events = q.events[1:]
			q.mu.Unlock()
			return ev, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return sse.Event{}, false
		}
	}
}
