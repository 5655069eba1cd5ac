// Package dedupe rejects redelivered inbound events for a short window.
package dedupe

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTTL        = 60 * time.Second
	DefaultMaxEntries = 10000
)

type entry struct {
	key       string
	expiresAt time.Time
}

// Guard remembers message keys for a fixed TTL. Expired keys are dropped by Evict,
// which the scheduler calls on an interval. Memory is bounded by maxEntries.
type Guard struct {
	mu         sync.Mutex
	seen       map[string]*list.Element
	order      *list.List // oldest first
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func NewGuard(ttl time.Duration, maxEntries int) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Guard{
		seen:       make(map[string]*list.Element),
		order:      list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Key derives the dedup key. The external message id is preferred; the sender address
// stands in when the gateway did not supply one. Normalized text is always part of the key,
// so an edited resend is processed again.
func Key(externalMessageID, senderAddress, text string) string {
	id := strings.TrimSpace(externalMessageID)
	if id == "" {
		id = strings.TrimSpace(senderAddress)
	}
	sum := sha256.Sum256([]byte(id + "\x00" + normalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// ShouldProcess marks key and reports whether this is its first sighting within the TTL.
func (g *Guard) ShouldProcess(key string) bool {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if elem, ok := g.seen[key]; ok {
		e := elem.Value.(*entry)
		if now.Before(e.expiresAt) {
			return false
		}
		// expired but not yet evicted: treat as new
		g.order.Remove(elem)
		delete(g.seen, key)
	}
	for len(g.seen) >= g.maxEntries {
		g.removeOldestLocked()
	}
	g.seen[key] = g.order.PushBack(&entry{key: key, expiresAt: now.Add(g.ttl)})
	return true
}

// Evict removes every entry that expired before now and returns how many were dropped.
func (g *Guard) Evict(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for {
		front := g.order.Front()
		if front == nil {
			break
		}
		if now.Before(front.Value.(*entry).expiresAt) {
			break
		}
		g.removeOldestLocked()
		removed++
	}
	return removed
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

func (g *Guard) removeOldestLocked() {
	front := g.order.Front()
	if front == nil {
		return
	}
	g.order.Remove(front)
	delete(g.seen, front.Value.(*entry).key)
}

func normalizeText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}
