package book

import "sync"

// Cache holds the live books for one venue, keyed by canonical symbol.
// Entries are created on first snapshot, cleared on reconnect so a
// fresh snapshot arrives in a known state, and removed on unsubscribe.
type Cache struct {
	venue string
	mu    sync.Mutex
	books map[string]*Book
}

// NewCache creates an empty cache for a venue.
func NewCache(venue string) *Cache {
	return &Cache{venue: venue, books: make(map[string]*Book)}
}

// Get returns the book for a symbol, or nil when none exists yet.
func (c *Cache) Get(symbol string) *Book {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.books[symbol]
}

// GetOrCreate returns the book for a symbol, creating it when absent.
func (c *Cache) GetOrCreate(symbol string) *Book {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.books[symbol]
	if !ok {
		b = New(c.venue, symbol)
		c.books[symbol] = b
	}
	return b
}

// Remove drops the book for a symbol.
func (c *Cache) Remove(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.books, symbol)
}

// Reset clears every cached book. Called before subscription replay so
// post-reconnect snapshots are applied to empty ladders.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.books = make(map[string]*Book)
}

// Symbols returns the symbols with a live book.
func (c *Cache) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.books))
	for s := range c.books {
		out = append(out, s)
	}
	return out
}
