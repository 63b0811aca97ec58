package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/taskagent/internal/embeddings"
)

// SQLiteStore is a Store persisted in a local SQLite database. Entries
// survive restarts; ranking happens in process. Every row belongs to a
// scope; the unscoped store uses the empty scope.
type SQLiteStore struct {
	db       *sql.DB
	ownsDB   bool
	scope    string
	embedder embeddings.Embedder
	logger   *slog.Logger
}

func openSQLiteDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	return db, nil
}

// NewSQLiteStore creates a store on an open database. The schema is
// created automatically on first use.
func NewSQLiteStore(db *sql.DB, embedder embeddings.Embedder, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteStore{db: db, embedder: embedder, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate memory schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS memories (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		raw_text   TEXT NOT NULL,
		embedding  BLOB,
		created_at TEXT NOT NULL,
		scope      TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		return err
	}

	// Databases created before sessions were scoped lack the column.
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('memories') WHERE name = 'scope'`).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.db.Exec(`ALTER TABLE memories ADD COLUMN scope TEXT NOT NULL DEFAULT ''`); err != nil {
			return err
		}
	}

	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope, id)`)
	return err
}

// Scope returns a view over the same database restricted to name.
func (s *SQLiteStore) Scope(ctx context.Context, name string) (Store, error) {
	return &SQLiteStore{
		db:       s.db,
		scope:    name,
		embedder: s.embedder,
		logger:   s.logger.With("scope", name),
	}, nil
}

// Add embeds and stores text.
func (s *SQLiteStore) Add(ctx context.Context, text string) (string, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("embed memory: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (raw_text, embedding, created_at, scope) VALUES (?, ?, ?, ?)`,
		text, embeddings.Encode(vec), time.Now().UTC().Format(time.RFC3339Nano), s.scope)
	if err != nil {
		return "", fmt.Errorf("insert memory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("memory id: %w", err)
	}

	s.logger.Debug("memory added", "id", id, "length", len(text))
	return addedMessage(id, text), nil
}

// Get returns the single most relevant entry.
func (s *SQLiteStore) Get(ctx context.Context, query string) ([]string, error) {
	return s.GetRelevant(ctx, query, 1)
}

// GetRelevant returns up to k entries ranked by cosine similarity.
// Ties resolve in insertion order.
func (s *SQLiteStore) GetRelevant(ctx context.Context, query string, k int) ([]string, error) {
	if k <= 0 {
		return nil, nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE scope = ?`, s.scope).Scan(&count); err != nil {
		return nil, fmt.Errorf("count memories: %w", err)
	}
	if count == 0 {
		return nil, nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT raw_text, embedding FROM memories WHERE scope = ? ORDER BY id`, s.scope)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var (
		texts   []string
		vectors [][]float32
	)
	for rows.Next() {
		var (
			text string
			blob []byte
		)
		if err := rows.Scan(&text, &blob); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		texts = append(texts, text)
		vectors = append(vectors, embeddings.Decode(blob))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	top := embeddings.TopK(vec, vectors, k)
	out := make([]string, len(top))
	for i, sc := range top {
		out[i] = texts[sc.Index]
	}
	return out, nil
}

// Clear deletes every entry in this scope.
func (s *SQLiteStore) Clear(ctx context.Context) (string, error) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE scope = ?`, s.scope); err != nil {
		return "", fmt.Errorf("clear memories: %w", err)
	}
	return ClearedMessage, nil
}

// Stats returns the entry count. The unscoped store also counts the
// sessions holding entries.
func (s *SQLiteStore) Stats(ctx context.Context) (map[string]any, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE scope = ?`, s.scope).Scan(&count); err != nil {
		return nil, fmt.Errorf("count memories: %w", err)
	}
	stats := map[string]any{
		"backend": "sqlite",
		"entries": count,
	}
	if s.scope != "" {
		stats["scope"] = s.scope
		return stats, nil
	}

	var sessions int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT scope) FROM memories WHERE scope != ''`).Scan(&sessions); err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	stats["sessions"] = sessions
	return stats, nil
}

// Close closes the database if the store opened it. Scopes never own
// the database.
func (s *SQLiteStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
