package session

import (
	"context"
	"errors"
	"log"

	"codeagent/internal/redis"
)

const (
	journalActiveKey  = "codeagent:session:active"
	journalPartialKey = "codeagent:session:partial"
)

// Journal records the currently active session and a rolling snapshot of its
// accumulated text outside the process, so a restart can tell that a
// generation was interrupted and recover its partial output. Without a cache
// client every method is a no-op.
type Journal struct {
	cache *redis.Client
}

func NewJournal(cache *redis.Client) *Journal {
	return &Journal{cache: cache}
}

// Begin marks sessionID as the active generation.
func (j *Journal) Begin(ctx context.Context, sessionID string) {
	if j == nil || j.cache == nil {
		return
	}
	if err := j.cache.Set(ctx, journalActiveKey, sessionID, 0); err != nil {
		log.Printf("journal: mark active: %v", err)
	}
	if err := j.cache.Del(ctx, journalPartialKey); err != nil {
		log.Printf("journal: reset partial: %v", err)
	}
}

// Snapshot stores the text accumulated so far.
func (j *Journal) Snapshot(ctx context.Context, text string) {
	if j == nil || j.cache == nil {
		return
	}
	if err := j.cache.Set(ctx, journalPartialKey, text, 0); err != nil {
		log.Printf("journal: snapshot: %v", err)
	}
}

// Clear removes the marker after the session reached a terminal state.
func (j *Journal) Clear(ctx context.Context) {
	if j == nil || j.cache == nil {
		return
	}
	if err := j.cache.Del(ctx, journalActiveKey, journalPartialKey); err != nil {
		log.Printf("journal: clear: %v", err)
	}
}

// Pending returns the interrupted session id and its snapshotted partial
// text, if a previous process left a marker behind.
func (j *Journal) Pending(ctx context.Context) (string, string, bool) {
	if j == nil || j.cache == nil {
		return "", "", false
	}
	id, err := j.cache.Get(ctx, journalActiveKey)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("journal: read marker: %v", err)
		}
		return "", "", false
	}
	partial, err := j.cache.Get(ctx, journalPartialKey)
	if err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		log.Printf("journal: read partial: %v", err)
	}
	return id, partial, true
}
