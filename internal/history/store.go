// Package history persists the conversation as an append-only message log.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"codeagent/internal/models"
)

// ErrInvalidRange reports bad pagination arguments.
var ErrInvalidRange = errors.New("invalid history range")

// ContextResetText is the content of the system marker inserted by a context
// reset. The marker is an ordinary message; it never renumbers prior entries.
const ContextResetText = "--- Context Reset ---"

// Store is the durable history log. All mutations go through a single-writer
// mutex; readers of committed rows only rely on the driver.
type Store struct {
	db *sql.DB

	mu          sync.Mutex
	lastCreated time.Time
}

// New wraps the message log. The monotonic timestamp guard is seeded from
// the newest stored row so created_at never decreases across restarts, even
// after a backwards clock step.
func New(db *sql.DB) *Store {
	s := &Store{db: db}
	var last sql.NullTime
	err := db.QueryRow(`SELECT created_at FROM messages ORDER BY seq DESC LIMIT 1`).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		log.Printf("history: seed last timestamp: %v", err)
	}
	if last.Valid {
		s.lastCreated = last.Time.UTC()
	}
	return s
}

// Append commits the message at the end of the log and returns its position
// counted from the start (0-based). The position is stable for the lifetime
// of the store. CreatedAt is assigned here and never decreases across
// appends.
func (s *Store) Append(ctx context.Context, msg *models.Message) (int64, error) {
	if msg == nil {
		return 0, errors.New("message is required")
	}
	if msg.ID == "" {
		return 0, errors.New("message id is required")
	}
	partsJSON, err := json.Marshal(msg.Parts)
	if err != nil {
		return 0, fmt.Errorf("encode parts: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if now.Before(s.lastCreated) {
		now = s.lastCreated
	}
	s.lastCreated = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, role, content, parts, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.Role, msg.Text(), string(partsJSON), now,
	); err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	var total int64
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}

	msg.CreatedAt = now
	return total - 1, nil
}

// ReadPage returns up to limit messages starting offset entries from the end
// of the log (offset 0 is the most recent message), in chronological order,
// plus a flag indicating whether older messages remain.
func (s *Store) ReadPage(ctx context.Context, offset, limit int) ([]*models.Message, bool, error) {
	if offset < 0 || limit < 0 {
		return nil, false, ErrInvalidRange
	}

	total, err := s.Len(ctx)
	if err != nil {
		return nil, false, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, parts, created_at FROM messages ORDER BY seq DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, false, fmt.Errorf("read page: %w", err)
	}
	defer rows.Close()

	var page []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, false, err
		}
		page = append(page, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("read page: %w", err)
	}

	// Rows arrive newest-first; restore chronological order.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}

	return page, total > offset+limit, nil
}

// Len returns the number of committed messages.
func (s *Store) Len(ctx context.Context) (int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return total, nil
}

// All returns the full log in chronological order. Used to rebuild the model
// context before a generation.
func (s *Store) All(ctx context.Context) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, parts, created_at FROM messages ORDER BY seq ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// InsertContextReset appends the system marker that logically segments the
// conversation without deleting anything.
func (s *Store) InsertContextReset(ctx context.Context) error {
	_, err := s.Append(ctx, models.TextMessage(models.RoleSystem, ContextResetText))
	return err
}

// Clear irreversibly discards all messages. Only an explicit, user-confirmed
// reset reaches this.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func scanMessage(rows *sql.Rows) (*models.Message, error) {
	var (
		msg       models.Message
		content   string
		partsJSON string
	)
	if err := rows.Scan(&msg.ID, &msg.Role, &content, &partsJSON, &msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if partsJSON != "" {
		if err := json.Unmarshal([]byte(partsJSON), &msg.Parts); err != nil {
			log.Printf("history: bad parts for message %s: %v", msg.ID, err)
			msg.Parts = nil
		}
	}
	if len(msg.Parts) == 0 && content != "" {
		msg.Parts = []models.Part{{Text: content}}
	}
	return &msg, nil
}
