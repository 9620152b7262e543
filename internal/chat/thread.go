package chat

import "sync"

// MaxThreadMessages is the number of messages retained for the open channel.
// Once exceeded, the oldest message is dropped.
const MaxThreadMessages = 500

// Thread is the ordered message list of the open channel. Order is arrival
// order: history first, then live appends. It never re-sorts.
type Thread struct {
	mu        sync.RWMutex
	channelID string
	items     []Message
	limit     int
}

// NewThread creates a thread seeded with history, keeping the newest
// MaxThreadMessages entries.
func NewThread(channelID string, history []Message) *Thread {
	t := &Thread{channelID: channelID, limit: MaxThreadMessages}
	for _, m := range history {
		t.appendLocked(m)
	}
	return t
}

// ChannelID returns the channel the thread belongs to.
func (t *Thread) ChannelID() string {
	return t.channelID
}

// Append adds a message at the end. A message whose ID is already present
// is treated as an update so a replayed event never duplicates a bubble.
func (t *Thread) Append(msg Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i := t.indexLocked(msg.ID); i >= 0 {
		t.items[i] = msg
		return
	}
	t.appendLocked(msg)
}

// Update replaces the message with the same ID in place. Returns false if
// the message is not in the thread.
func (t *Thread) Update(msg Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexLocked(msg.ID)
	if i < 0 {
		return false
	}
	t.items[i] = msg
	return true
}

// Remove deletes the message with the given ID. Returns false if it was not
// present.
func (t *Thread) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexLocked(id)
	if i < 0 {
		return false
	}
	t.items = append(t.items[:i], t.items[i+1:]...)
	return true
}

// Messages returns a copy of the thread in display order.
func (t *Thread) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Message, len(t.items))
	copy(out, t.items)
	return out
}

// Len returns the number of messages in the thread.
func (t *Thread) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

func (t *Thread) appendLocked(msg Message) {
	t.items = append(t.items, msg)
	if over := len(t.items) - t.limit; over > 0 {
		t.items = append(t.items[:0], t.items[over:]...)
	}
}

func (t *Thread) indexLocked(id string) int {
	for i := range t.items {
		if t.items[i].ID == id {
			return i
		}
	}
	return -1
}
