package chat

import (
	"sync"
)

// Turn is one role/content pair as sent to the completion endpoint.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Context is the ordered history of the active conversation. Entries are only
// ever appended, or replaced wholesale by Seed when switching conversations.
//
// The whole history is sent with every request; there is no truncation or
// summarization.
type Context struct {
	mu    sync.RWMutex
	turns []Turn
}

func NewContext(seed ...Turn) *Context {
	c := &Context{}
	c.Seed(seed)
	return c
}

// Seed replaces the context with the given turns, in order.
func (c *Context) Seed(turns []Turn) {
	cp := make([]Turn, len(turns))
	copy(cp, turns)
	c.mu.Lock()
	c.turns = cp
	c.mu.Unlock()
}

func (c *Context) Append(role Role, content string) {
	c.mu.Lock()
	c.turns = append(c.turns, Turn{Role: role, Content: content})
	c.mu.Unlock()
}

// Turns returns a snapshot copy that callers may keep across later appends.
func (c *Context) Turns() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}
