package connection

import (
	"container/list"
	"context"
	"sync"

	"github.com/jmoiron/sqlx"
)

// DefaultStatementCacheSize is the per-connection prepared statement capacity.
const DefaultStatementCacheSize = 32

// StmtCache is an LRU cache for statements prepared on one connection.
type StmtCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
	conn     *sqlx.Conn
	hits     int64
	misses   int64
}

// cacheEntry holds a cached prepared statement.
type cacheEntry struct {
	key  string
	stmt *sqlx.Stmt
}

// CacheStats reports cache usage.
type CacheStats struct {
	Size     int   `json:"size"`
	Capacity int   `json:"capacity"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
}

// NewStmtCache creates a new prepared statement cache.
func NewStmtCache(conn *sqlx.Conn, capacity int) *StmtCache {
	if capacity <= 0 {
		capacity = DefaultStatementCacheSize
	}
	return &StmtCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		conn:     conn,
	}
}

// Get retrieves a prepared statement from the cache or prepares a new one.
func (c *StmtCache) Get(ctx context.Context, sqlText string) (*sqlx.Stmt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[sqlText]; ok {
		c.hits++
		c.order.MoveToFront(elem)
		return elem.Value.(*cacheEntry).stmt, nil
	}
	c.misses++

	stmt, err := c.conn.PreparexContext(ctx, sqlText)
	if err != nil {
		return nil, err
	}

	if c.order.Len() >= c.capacity {
		c.evict()
	}

	entry := &cacheEntry{key: sqlText, stmt: stmt}
	c.items[sqlText] = c.order.PushFront(entry)

	return stmt, nil
}

// evict removes the least recently used statement.
func (c *StmtCache) evict() {
	elem := c.order.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
	c.order.Remove(elem)
	_ = entry.stmt.Close()
}

// Clear closes all cached statements and clears the cache.
func (c *StmtCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, elem := range c.items {
		_ = elem.Value.(*cacheEntry).stmt.Close()
	}

	c.items = make(map[string]*list.Element)
	c.order = list.New()
}

// Stats returns the cache statistics.
func (c *StmtCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Size:     len(c.items),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
	}
}
