package snapshot

import (
	"container/list"
	"strings"
	"sync"

	"github.com/kasuganosora/cleanslate/pkg/domain"
)

// shardCache keeps the most recently decoded shards in memory. The combine
// engine touches the same shard repeatedly while building output batches;
// the cache turns those re-reads into map lookups.
type shardCache struct {
	mu      sync.Mutex
	cap     int
	order   *list.List // front = most recent; values are *cacheEntry
	entries map[string]*list.Element
}

type cacheEntry struct {
	key  string
	cols []domain.ColumnInfo
	rows []domain.Row
}

func newShardCache(capacity int) *shardCache {
	return &shardCache{
		cap:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func cacheKey(id, fileName string) string {
	return id + "\x00" + fileName
}

func (c *shardCache) get(id, fileName string) ([]domain.ColumnInfo, []domain.Row, bool) {
	if c.cap <= 0 {
		return nil, nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[cacheKey(id, fileName)]
	if !ok {
		return nil, nil, false
	}
	c.order.MoveToFront(el)
	entry := el.Value.(*cacheEntry)
	return entry.cols, entry.rows, true
}

func (c *shardCache) put(id, fileName string, cols []domain.ColumnInfo, rows []domain.Row) {
	if c.cap <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(id, fileName)
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*cacheEntry).cols = cols
		el.Value.(*cacheEntry).rows = rows
		return
	}

	el := c.order.PushFront(&cacheEntry{key: key, cols: cols, rows: rows})
	c.entries[key] = el

	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// invalidate drops every cached shard of a snapshot.
func (c *shardCache) invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := id + "\x00"
	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.order.Remove(el)
			delete(c.entries, key)
		}
	}
}
