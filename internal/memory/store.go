// Package memory provides the agent's long-term memory: free-text
// entries retrieved by similarity to a query.
//
// Every backend implements [Store]. The backend is chosen once from
// configuration by [New] and never swapped at runtime; a backend whose
// remote dependency is unreachable fails construction instead of
// degrading to another one.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nugget/taskagent/internal/config"
	"github.com/nugget/taskagent/internal/embeddings"
)

// ClearedMessage is returned by Clear on every backend.
const ClearedMessage = "Obliviated"

// Store is the interface for memory storage. Implementations are safe
// for concurrent use by independent agent sessions.
type Store interface {
	// Add stores text and returns a confirmation message.
	Add(ctx context.Context, text string) (string, error)

	// Get returns at most one entry, the most relevant to query.
	Get(ctx context.Context, query string) ([]string, error)

	// GetRelevant returns up to k entries, most relevant first. The
	// order is deterministic for a fixed store state and query.
	GetRelevant(ctx context.Context, query string, k int) ([]string, error)

	// Clear deletes every entry.
	Clear(ctx context.Context) (string, error)

	// Stats reports backend-specific counters.
	Stats(ctx context.Context) (map[string]any, error)

	// Close releases connections held by the backend.
	Close() error
}

// Scoper is implemented by stores whose entries can be partitioned
// between sessions sharing one backend. A scope sees only the entries
// added through it, and Clear on a scope deletes only those. Closing a
// scope releases the scope's own resources, never the parent store's.
type Scoper interface {
	Scope(ctx context.Context, name string) (Store, error)
}

// ForSession returns the part of s private to the session called name.
// A store that cannot be partitioned is returned as is.
func ForSession(ctx context.Context, s Store, name string) (Store, error) {
	sc, ok := s.(Scoper)
	if !ok {
		return s, nil
	}
	return sc.Scope(ctx, name)
}

func addedMessage(id any, text string) string {
	return fmt.Sprintf("Inserting data into memory at index: %v:\n data: %s", id, text)
}

// New builds the Store selected by cfg.Backend. Backends that need
// vectors use embedder. When clear is true the store is emptied before
// it is returned, as a fresh session expects.
func New(ctx context.Context, cfg config.MemoryConfig, embedder embeddings.Embedder, clear bool, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "memory", "backend", cfg.Backend)

	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case config.BackendNone:
		store = NewNoMemory()
	case config.BackendLocal:
		store = NewLocalCache(embedder, logger)
	case config.BackendSQLite:
		store, err = OpenSQLite(cfg.Path, embedder, logger)
	case config.BackendRedis:
		store, err = NewRedisStore(ctx, RedisOptions{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Index,
		}, embedder, logger)
	case config.BackendPinecone:
		store, err = NewPineconeStore(ctx, PineconeOptions{
			APIKey: cfg.Pinecone.APIKey,
			Region: cfg.Pinecone.Region,
			Cloud:  cfg.Pinecone.Cloud,
			Index:  cfg.Index,
			Host:   cfg.Pinecone.Host,
		}, embedder, logger)
	default:
		return nil, fmt.Errorf("unsupported memory backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s memory: %w", cfg.Backend, err)
	}

	if clear {
		if _, err := store.Clear(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("clear %s memory: %w", cfg.Backend, err)
		}
	}

	logger.Info("memory backend ready", "cleared", clear)
	return store, nil
}

// OpenSQLite opens (creating if needed) a SQLite memory database at path.
func OpenSQLite(path string, embedder embeddings.Embedder, logger *slog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := openSQLiteDB(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStore(db, embedder, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}
