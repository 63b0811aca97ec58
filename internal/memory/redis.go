package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/nugget/taskagent/internal/embeddings"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key namespace, e.g. "auto-gpt"
}

// addScript allocates the next id and stores the entry in one step, so
// a concurrent Clear never leaves a half-written entry behind.
//
//	KEYS[1] counter  KEYS[2] id list
//	ARGV[1] entry key prefix  ARGV[2] text  ARGV[3] embedding
var addScript = redis.NewScript(`
local id = redis.call('INCR', KEYS[1]) - 1
redis.call('HSET', ARGV[1] .. id, 'raw_text', ARGV[2], 'embedding', ARGV[3])
redis.call('RPUSH', KEYS[2], tostring(id))
return id
`)

// clearScript deletes every listed entry with the list and counter.
//
//	KEYS[1] counter  KEYS[2] id list  ARGV[1] entry key prefix
var clearScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[2], 0, -1)
for _, id in ipairs(ids) do
	redis.call('DEL', ARGV[1] .. id)
end
redis.call('DEL', KEYS[1], KEYS[2])
return #ids
`)

// RedisStore keeps entries in Redis hashes under a key prefix:
//
//	<prefix>:vec_num        INCR counter for entry ids
//	<prefix>:ids            list of ids in insertion order
//	<prefix>:memory:<id>    hash {raw_text, embedding}
//
// A session scope uses <prefix>:session:<name> as its prefix. Ranking is
// done client-side by cosine similarity.
type RedisStore struct {
	rdb        *redis.Client
	ownsClient bool
	root       string
	prefix     string
	embedder   embeddings.Embedder
	logger     *slog.Logger
}

// NewRedisStore connects to Redis and verifies the connection. An
// unreachable server is a construction error.
func NewRedisStore(ctx context.Context, opts RedisOptions, embedder embeddings.Embedder, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Prefix == "" {
		opts.Prefix = "auto-gpt"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}

	return &RedisStore{
		rdb:        rdb,
		ownsClient: true,
		root:       opts.Prefix,
		prefix:     opts.Prefix,
		embedder:   embedder,
		logger:     logger,
	}, nil
}

// Scope returns a view sharing the connection under a session prefix.
func (s *RedisStore) Scope(ctx context.Context, name string) (Store, error) {
	return &RedisStore{
		rdb:      s.rdb,
		root:     s.root,
		prefix:   s.root + ":session:" + name,
		embedder: s.embedder,
		logger:   s.logger.With("scope", name),
	}, nil
}

func (s *RedisStore) counterKey() string  { return s.prefix + ":vec_num" }
func (s *RedisStore) idsKey() string      { return s.prefix + ":ids" }
func (s *RedisStore) entryPrefix() string { return s.prefix + ":memory:" }

// Add embeds and stores text.
func (s *RedisStore) Add(ctx context.Context, text string) (string, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("embed memory: %w", err)
	}

	id, err := addScript.Run(ctx, s.rdb,
		[]string{s.counterKey(), s.idsKey()},
		s.entryPrefix(), text, embeddings.Encode(vec)).Int64()
	if err != nil {
		return "", fmt.Errorf("store memory: %w", err)
	}

	s.logger.Debug("memory added", "id", id, "length", len(text))
	return addedMessage(id, text), nil
}

// Get returns the single most relevant entry.
func (s *RedisStore) Get(ctx context.Context, query string) ([]string, error) {
	return s.GetRelevant(ctx, query, 1)
}

// GetRelevant returns up to k entries ranked by cosine similarity.
func (s *RedisStore) GetRelevant(ctx context.Context, query string, k int) ([]string, error) {
	if k <= 0 {
		return nil, nil
	}

	ids, err := s.rdb.LRange(ctx, s.idsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list memory ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	cmds := make([]*redis.SliceCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HMGet(ctx, s.entryPrefix()+id, "raw_text", "embedding")
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}

	var (
		texts   []string
		vectors [][]float32
	)
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) != 2 || vals[0] == nil {
			continue // cleared concurrently
		}
		text, _ := vals[0].(string)
		blob, _ := vals[1].(string)
		texts = append(texts, text)
		vectors = append(vectors, embeddings.Decode([]byte(blob)))
	}

	top := embeddings.TopK(vec, vectors, k)
	out := make([]string, len(top))
	for i, sc := range top {
		out[i] = texts[sc.Index]
	}
	return out, nil
}

// Clear deletes every entry under the prefix.
func (s *RedisStore) Clear(ctx context.Context) (string, error) {
	n, err := clearScript.Run(ctx, s.rdb,
		[]string{s.counterKey(), s.idsKey()},
		s.entryPrefix()).Int64()
	if err != nil {
		return "", fmt.Errorf("delete memories: %w", err)
	}
	s.logger.Debug("memory cleared", "entries", n)
	return ClearedMessage, nil
}

// Stats returns the entry count and server address.
func (s *RedisStore) Stats(ctx context.Context) (map[string]any, error) {
	n, err := s.rdb.LLen(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("count memories: %w", err)
	}
	return map[string]any{
		"backend": "redis",
		"entries": n,
		"prefix":  s.prefix,
		"addr":    s.rdb.Options().Addr,
	}, nil
}

// Close closes the Redis client unless this is a scope borrowing it.
func (s *RedisStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.rdb.Close()
}
