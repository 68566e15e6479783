package relay

import (
	"fmt"
	"sync"
)

// BindingKey builds the composite routing key for an agent-side conversation.
// A forum topic gets its own key so topics route independently:
//
//	chat only:   "42"
//	chat+topic:  "42:topic:7"
func BindingKey(chatID int64, topicID *int64) string {
	if topicID != nil {
		return fmt.Sprintf("%d:topic:%d", chatID, *topicID)
	}
	return fmt.Sprintf("%d", chatID)
}

// BindingMap is the in-memory routing table from agent conversation identity
// to web session id. It is a cache over the session store's denormalized
// agent identity columns — rebuilt lazily after restart via store lookups —
// never a source of truth on its own. Last bind wins; there is no conflict
// detection.
type BindingMap struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewBindingMap creates an empty binding map.
func NewBindingMap() *BindingMap {
	return &BindingMap{m: make(map[string]string)}
}

// Set records key → sessionID, replacing any previous binding for the key.
func (b *BindingMap) Set(key, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[key] = sessionID
}

// Get returns the bound session id, if any.
func (b *BindingMap) Get(key string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.m[key]
	return id, ok
}

// Delete removes a binding (used when the bound session turns out to be gone).
func (b *BindingMap) Delete(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, key)
}

// Len returns the number of live bindings.
func (b *BindingMap) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.m)
}
