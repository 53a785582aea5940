package client

import (
	"sync"

	"codeagent/internal/models"
)

// View is the client's optimistic message list: persisted pages
// oldest-to-newest with any in-flight messages appended at the end.
// Messages are keyed by id, never by position, so loading an older page
// prepends without disturbing already-rendered identity.
type View struct {
	mu       sync.Mutex
	messages []*models.Message
	index    map[string]*models.Message
}

func NewView() *View {
	return &View{index: make(map[string]*models.Message)}
}

// Append adds an in-flight message at the end of the view.
func (v *View) Append(msg *models.Message) {
	if msg == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.index[msg.ID]; ok {
		return
	}
	v.messages = append(v.messages, msg)
	v.index[msg.ID] = msg
}

// SetText replaces the text of the identified message. Used for the
// in-progress placeholder, which stays mutable until its terminal event.
func (v *View) SetText(id, text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	msg, ok := v.index[id]
	if !ok {
		return
	}
	if len(msg.Parts) == 0 {
		msg.Parts = []models.Part{{Text: text}}
		return
	}
	msg.Parts[0].Text = text
}

// PrependPage inserts an older page before everything currently held.
// Messages already present (by id) are skipped so identity is stable.
// Entries are deep-copied so the view never aliases caller-owned parts.
func (v *View) PrependPage(page []*models.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fresh := make([]*models.Message, 0, len(page))
	for _, msg := range page {
		if msg == nil {
			continue
		}
		if _, ok := v.index[msg.ID]; ok {
			continue
		}
		cp := msg.Clone()
		fresh = append(fresh, cp)
		v.index[cp.ID] = cp
	}
	if len(fresh) == 0 {
		return
	}
	v.messages = append(fresh, v.messages...)
}

// Messages returns the current ordered list. The returned slice is a copy;
// the message pointers are the live view entries.
func (v *View) Messages() []*models.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*models.Message, len(v.messages))
	copy(out, v.messages)
	return out
}

// Get returns the message with the given id, or nil.
func (v *View) Get(id string) *models.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.index[id]
}

// Len returns the number of messages in the view.
func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.messages)
}

// Reset drops everything. Used after a confirmed full history reset.
func (v *View) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.messages = nil
	v.index = make(map[string]*models.Message)
}
