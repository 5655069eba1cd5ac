package conversation

import "sync"

// ThreadCache maps conversation ids to assistant thread ids for the process lifetime.
// Losing it only means a new thread is created on the next message.
type ThreadCache struct {
	mu      sync.RWMutex
	threads map[string]string
}

func NewThreadCache() *ThreadCache {
	return &ThreadCache{threads: make(map[string]string)}
}

func (c *ThreadCache) Get(conversationID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.threads[conversationID]
	return id, ok
}

// Set replaces any previous mapping; a conversation has one live thread at a time.
func (c *ThreadCache) Set(conversationID, threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads[conversationID] = threadID
}

func (c *ThreadCache) Delete(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.threads, conversationID)
}

func (c *ThreadCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.threads)
}
