// Package memory implements the short-term and long-term memory stores
// (D4/D5): a recency cache backed by go-cache, grounded on the teacher's
// file_cache.go TTL-cache idiom, and a deduplicated, score-weighted,
// encrypted-at-rest long-term store grounded on memory_storage_service.go.
package memory

import (
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// ShortTermItem is one recency-buffer entry added via addShortTermMemory.
type ShortTermItem struct {
	ActorID string
	Content string
	AddedAt time.Time
}

// ShortTermStore holds a per-actor recency buffer of recently noted facts,
// evicted on a fixed TTL rather than persisted.
type ShortTermStore struct {
	cache *cache.Cache
	mu    sync.Mutex
}

// NewShortTermStore returns a store whose items expire after ttl, swept
// every cleanupInterval, mirroring the teacher's cache.New(expiration,
// cleanupInterval) construction.
func NewShortTermStore(ttl, cleanupInterval time.Duration) *ShortTermStore {
	return &ShortTermStore{cache: cache.New(ttl, cleanupInterval)}
}

// Add appends item under actorID's bucket, extending its TTL.
func (s *ShortTermStore) Add(actorID string, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := ShortTermItem{ActorID: actorID, Content: content, AddedAt: time.Now()}
	existing, found := s.cache.Get(actorID)
	if !found {
		s.cache.Set(actorID, []ShortTermItem{item}, cache.DefaultExpiration)
		return
	}
	items, _ := existing.([]ShortTermItem)
	items = append(items, item)
	s.cache.Set(actorID, items, cache.DefaultExpiration)
}

// Recent returns actorID's buffered items, oldest first.
func (s *ShortTermStore) Recent(actorID string) []ShortTermItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, found := s.cache.Get(actorID)
	if !found {
		return nil
	}
	items, _ := value.([]ShortTermItem)
	out := make([]ShortTermItem, len(items))
	copy(out, items)
	return out
}

// Clear drops actorID's buffer.
func (s *ShortTermStore) Clear(actorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(actorID)
}
