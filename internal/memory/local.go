package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/taskagent/internal/embeddings"
)

type localEntry struct {
	text      string
	embedding []float32
}

// localBook holds every scope's entries for one LocalCache and the
// scoped views derived from it.
type localBook struct {
	mu     sync.RWMutex
	scopes map[string][]localEntry
}

// LocalCache is an in-process Store. Entries live only as long as the
// process.
type LocalCache struct {
	book     *localBook
	scope    string
	embedder embeddings.Embedder
	logger   *slog.Logger
}

// NewLocalCache creates an empty in-process store.
func NewLocalCache(embedder embeddings.Embedder, logger *slog.Logger) *LocalCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalCache{
		book:     &localBook{scopes: make(map[string][]localEntry)},
		embedder: embedder,
		logger:   logger,
	}
}

// Scope returns a view holding only the entries added through it.
func (c *LocalCache) Scope(ctx context.Context, name string) (Store, error) {
	return &LocalCache{
		book:     c.book,
		scope:    name,
		embedder: c.embedder,
		logger:   c.logger.With("scope", name),
	}, nil
}

// Add embeds and stores text.
func (c *LocalCache) Add(ctx context.Context, text string) (string, error) {
	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("embed memory: %w", err)
	}

	c.book.mu.Lock()
	id := len(c.book.scopes[c.scope])
	c.book.scopes[c.scope] = append(c.book.scopes[c.scope], localEntry{text: text, embedding: vec})
	c.book.mu.Unlock()

	c.logger.Debug("memory added", "id", id, "length", len(text))
	return addedMessage(id, text), nil
}

// Get returns the single most relevant entry.
func (c *LocalCache) Get(ctx context.Context, query string) ([]string, error) {
	return c.GetRelevant(ctx, query, 1)
}

// GetRelevant returns up to k entries ranked by cosine similarity.
func (c *LocalCache) GetRelevant(ctx context.Context, query string, k int) ([]string, error) {
	if k <= 0 {
		return nil, nil
	}

	c.book.mu.RLock()
	n := len(c.book.scopes[c.scope])
	c.book.mu.RUnlock()
	if n == 0 {
		return nil, nil
	}

	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	c.book.mu.RLock()
	defer c.book.mu.RUnlock()

	entries := c.book.scopes[c.scope]
	vectors := make([][]float32, len(entries))
	for i, e := range entries {
		vectors[i] = e.embedding
	}
	top := embeddings.TopK(vec, vectors, k)

	out := make([]string, len(top))
	for i, s := range top {
		out[i] = entries[s.Index].text
	}
	return out, nil
}

// Clear deletes every entry in this scope.
func (c *LocalCache) Clear(ctx context.Context) (string, error) {
	c.book.mu.Lock()
	delete(c.book.scopes, c.scope)
	c.book.mu.Unlock()
	return ClearedMessage, nil
}

// Stats returns the entry count. The unscoped store also counts the
// sessions holding entries.
func (c *LocalCache) Stats(ctx context.Context) (map[string]any, error) {
	c.book.mu.RLock()
	defer c.book.mu.RUnlock()

	stats := map[string]any{
		"backend": "local",
		"entries": len(c.book.scopes[c.scope]),
	}
	if c.scope != "" {
		stats["scope"] = c.scope
		return stats, nil
	}
	sessions := 0
	for name := range c.book.scopes {
		if name != "" {
			sessions++
		}
	}
	stats["sessions"] = sessions
	return stats, nil
}

// Close is a no-op.
func (c *LocalCache) Close() error { return nil }
