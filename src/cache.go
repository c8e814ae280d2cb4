package main

import (
	"container/list"
	"sync"
	"time"
)

// FileEntry is a cached static file
type FileEntry struct {
	Body        []byte
	ContentType string
	ModTime     time.Time
}

type cacheItem struct {
	key   string
	entry *FileEntry
}

// FileCache keeps recently served files in memory, evicting the least
// recently used once maxEntries or maxBytes is exceeded.
type FileCache struct {
	mu         sync.Mutex
	order      *list.List // front = most recently used
	items      map[string]*list.Element
	maxEntries int
	maxBytes   int64
	size       int64
}

// NewFileCache creates a cache holding up to maxEntries files and 100MB
func NewFileCache(maxEntries int) *FileCache {
	return &FileCache{
		order:      list.New(),
		items:      make(map[string]*list.Element),
		maxEntries: maxEntries,
		maxBytes:   100 * 1024 * 1024,
	}
}

// Get returns the entry for path if it was cached from a file with the
// given modification time.
func (c *FileCache) Get(path string, modTime time.Time) (*FileEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[path]
	if !ok {
		return nil, false
	}
	item := el.Value.(*cacheItem)
	if !item.entry.ModTime.Equal(modTime) {
		c.removeElement(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return item.entry, true
}

// Put stores entry under path, evicting older entries as needed
func (c *FileCache) Put(path string, entry *FileEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if int64(len(entry.Body)) > c.maxBytes {
		return
	}
	if el, ok := c.items[path]; ok {
		c.removeElement(el)
	}

	for c.order.Len() > 0 && (c.order.Len() >= c.maxEntries || c.size+int64(len(entry.Body)) > c.maxBytes) {
		c.removeElement(c.order.Back())
	}

	c.items[path] = c.order.PushFront(&cacheItem{key: path, entry: entry})
	c.size += int64(len(entry.Body))
}

// Stats returns the number of cached files and their total size
func (c *FileCache) Stats() (int, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.size
}

func (c *FileCache) removeElement(el *list.Element) {
	item := c.order.Remove(el).(*cacheItem)
	delete(c.items, item.key)
	c.size -= int64(len(item.entry.Body))
}
