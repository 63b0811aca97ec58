package memory

import "context"

// NoMemory is a Store that remembers nothing.
type NoMemory struct{}

// NewNoMemory returns a disabled store.
func NewNoMemory() *NoMemory { return &NoMemory{} }

// Add discards text.
func (NoMemory) Add(ctx context.Context, text string) (string, error) { return "", nil }

// Get returns nothing.
func (NoMemory) Get(ctx context.Context, query string) ([]string, error) { return nil, nil }

// GetRelevant returns nothing.
func (NoMemory) GetRelevant(ctx context.Context, query string, k int) ([]string, error) {
	return nil, nil
}

// Clear has nothing to delete.
func (NoMemory) Clear(ctx context.Context) (string, error) { return ClearedMessage, nil }

// Stats reports the disabled backend.
func (NoMemory) Stats(ctx context.Context) (map[string]any, error) {
	return map[string]any{"backend": "no_memory", "entries": 0}, nil
}

// Scope returns the store itself; there is nothing to partition.
func (m *NoMemory) Scope(ctx context.Context, name string) (Store, error) { return m, nil }

// Close is a no-op.
func (NoMemory) Close() error { return nil }
