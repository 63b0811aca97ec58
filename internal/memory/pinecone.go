package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nugget/taskagent/internal/embeddings"
	"github.com/nugget/taskagent/internal/httpkit"
	"github.com/nugget/taskagent/internal/llm"
)

// PineconeOptions configures a PineconeStore.
type PineconeOptions struct {
	APIKey string
	Index  string // default "auto-gpt"

	// Region is the pod environment (e.g. "us-east1-gcp") used when the
	// index has to be created. With Cloud set it is the serverless
	// region instead.
	Region string
	Cloud  string // "aws", "gcp" or "azure" for a serverless index

	// Host is the index data-plane host. When empty it is looked up
	// from the control plane.
	Host string

	// ControlPlaneURL overrides https://api.pinecone.io.
	ControlPlaneURL string

	// dial opens a data-plane connection to one namespace of the index.
	dial func(host, namespace string) (vectorIndex, error)
}

// vectorIndex is the part of *pinecone.IndexConnection the store uses.
type vectorIndex interface {
	UpsertVectors(ctx context.Context, in []*pinecone.Vector) (uint32, error)
	QueryByVectorValues(ctx context.Context, in *pinecone.QueryByVectorValuesRequest) (*pinecone.QueryVectorsResponse, error)
	DeleteAllVectorsInNamespace(ctx context.Context) error
	DescribeIndexStats(ctx context.Context) (*pinecone.DescribeIndexStatsResponse, error)
	Close() error
}

// PineconeStore keeps entries in a Pinecone index. Each vector carries
// its text in the raw_text metadata field. The unscoped store uses the
// default namespace; a session scope gets a namespace of its own.
type PineconeStore struct {
	index     string
	host      string
	namespace string
	conn      vectorIndex
	dial      func(host, namespace string) (vectorIndex, error)
	embedder  embeddings.Embedder
	logger    *slog.Logger

	mu     sync.Mutex
	vecNum int64
}

// NewPineconeStore connects to Pinecone, creating the index (1536
// dimensions, cosine metric) if it does not exist. Any failure to reach
// the service is a construction error.
func NewPineconeStore(ctx context.Context, opts PineconeOptions, embedder embeddings.Embedder, logger *slog.Logger) (*PineconeStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("pinecone api key is required")
	}
	if opts.Index == "" {
		opts.Index = "auto-gpt"
	}

	pc, err := pinecone.NewClient(pinecone.NewClientParams{
		ApiKey:     opts.APIKey,
		Host:       opts.ControlPlaneURL,
		RestClient: httpkit.NewClient(),
	})
	if err != nil {
		return nil, fmt.Errorf("create pinecone client: %w", err)
	}

	idx, err := ensureIndex(ctx, pc, opts, logger)
	if err != nil {
		return nil, err
	}
	host := idx.Host
	if opts.Host != "" {
		host = opts.Host
	}
	if host == "" {
		return nil, fmt.Errorf("pinecone index %s has no host yet", opts.Index)
	}

	dial := opts.dial
	if dial == nil {
		dial = func(host, namespace string) (vectorIndex, error) {
			conn, err := pc.Index(pinecone.NewIndexConnParams{Host: host, Namespace: namespace})
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}

	s := &PineconeStore{
		index:    opts.Index,
		host:     host,
		dial:     dial,
		embedder: embedder,
		logger:   logger,
	}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureIndex returns the named index, creating it when the project
// does not have one yet.
func ensureIndex(ctx context.Context, pc *pinecone.Client, opts PineconeOptions, logger *slog.Logger) (*pinecone.Index, error) {
	indexes, err := pc.ListIndexes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}
	for _, idx := range indexes {
		if idx != nil && idx.Name == opts.Index {
			return pc.DescribeIndex(ctx, opts.Index)
		}
	}

	logger.Info("creating pinecone index", "index", opts.Index, "dimension", llm.EmbeddingDimension)
	switch {
	case opts.Cloud != "":
		_, err = pc.CreateServerlessIndex(ctx, &pinecone.CreateServerlessIndexRequest{
			Name:      opts.Index,
			Dimension: llm.EmbeddingDimension,
			Cloud:     pinecone.Cloud(opts.Cloud),
			Region:    opts.Region,
		})
	case opts.Region != "":
		_, err = pc.CreatePodIndex(ctx, &pinecone.CreatePodIndexRequest{
			Name:        opts.Index,
			Dimension:   llm.EmbeddingDimension,
			Environment: opts.Region,
			PodType:     "p1.x1",
		})
	default:
		return nil, fmt.Errorf("pinecone index %s does not exist and no region is set to create it", opts.Index)
	}
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}

	idx, err := pc.DescribeIndex(ctx, opts.Index)
	if err != nil {
		return nil, fmt.Errorf("describe index: %w", err)
	}
	return idx, nil
}

// connect opens the namespace connection and resumes id allocation
// after the vectors already in it.
func (s *PineconeStore) connect(ctx context.Context) error {
	conn, err := s.dial(s.host, s.namespace)
	if err != nil {
		return fmt.Errorf("connect to index %s: %w", s.index, err)
	}
	s.conn = conn

	n, err := s.count(ctx)
	if err != nil {
		conn.Close()
		return err
	}
	s.vecNum = n
	return nil
}

// count returns the number of vectors in this store's namespace.
func (s *PineconeStore) count(ctx context.Context) (int64, error) {
	stats, err := s.conn.DescribeIndexStats(ctx)
	if err != nil {
		return 0, fmt.Errorf("describe index stats: %w", err)
	}
	if ns := stats.Namespaces[s.namespace]; ns != nil {
		return int64(ns.VectorCount), nil
	}
	return 0, nil
}

// Scope returns a store bound to the session's own namespace.
func (s *PineconeStore) Scope(ctx context.Context, name string) (Store, error) {
	scoped := &PineconeStore{
		index:     s.index,
		host:      s.host,
		namespace: "session-" + name,
		dial:      s.dial,
		embedder:  s.embedder,
		logger:    s.logger.With("scope", name),
	}
	if err := scoped.connect(ctx); err != nil {
		return nil, err
	}
	return scoped, nil
}

// Add embeds text and upserts it under the next sequential id.
func (s *PineconeStore) Add(ctx context.Context, text string) (string, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("embed memory: %w", err)
	}
	md, err := structpb.NewStruct(map[string]any{"raw_text": text})
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}

	s.mu.Lock()
	id := strconv.FormatInt(s.vecNum, 10)
	s.vecNum++
	s.mu.Unlock()

	if _, err := s.conn.UpsertVectors(ctx, []*pinecone.Vector{{
		Id:       id,
		Values:   vec,
		Metadata: md,
	}}); err != nil {
		return "", fmt.Errorf("upsert memory: %w", err)
	}

	s.logger.Debug("memory added", "id", id, "length", len(text))
	return addedMessage(id, text), nil
}

// Get returns the single most relevant entry.
func (s *PineconeStore) Get(ctx context.Context, query string) ([]string, error) {
	return s.GetRelevant(ctx, query, 1)
}

// GetRelevant queries the namespace for the k nearest entries. Pinecone
// returns matches best first; equal scores are ordered by id.
func (s *PineconeStore) GetRelevant(ctx context.Context, query string, k int) ([]string, error) {
	if k <= 0 {
		return nil, nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	resp, err := s.conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vec,
		TopK:            uint32(k),
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}

	matches := resp.Matches
	sortMatches(matches)

	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if m == nil || m.Vector == nil || m.Vector.Metadata == nil {
			continue
		}
		out = append(out, m.Vector.Metadata.GetFields()["raw_text"].GetStringValue())
	}
	return out, nil
}

// sortMatches orders by descending score, then ascending numeric id.
func sortMatches(m []*pinecone.ScoredVector) {
	idNum := func(v *pinecone.ScoredVector) int64 {
		if v == nil || v.Vector == nil {
			return -1
		}
		n, err := strconv.ParseInt(v.Vector.Id, 10, 64)
		if err != nil {
			return -1
		}
		return n
	}
	score := func(v *pinecone.ScoredVector) float32 {
		if v == nil {
			return 0
		}
		return v.Score
	}
	sort.SliceStable(m, func(i, j int) bool {
		if si, sj := score(m[i]), score(m[j]); si != sj {
			return si > sj
		}
		return idNum(m[i]) < idNum(m[j])
	})
}

// Clear deletes every vector in the namespace.
func (s *PineconeStore) Clear(ctx context.Context) (string, error) {
	// Deleting from a namespace that was never written is an error on
	// serverless indexes.
	n, err := s.count(ctx)
	if err != nil {
		return "", err
	}
	if n > 0 {
		if err := s.conn.DeleteAllVectorsInNamespace(ctx); err != nil {
			return "", fmt.Errorf("delete memories: %w", err)
		}
	}
	s.mu.Lock()
	s.vecNum = 0
	s.mu.Unlock()
	s.logger.Debug("memory cleared", "entries", n)
	return ClearedMessage, nil
}

// Stats returns the namespace's vector count with index-wide figures.
func (s *PineconeStore) Stats(ctx context.Context) (map[string]any, error) {
	stats, err := s.conn.DescribeIndexStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("describe index stats: %w", err)
	}
	var entries uint32
	sessions := 0
	for name, ns := range stats.Namespaces {
		if ns == nil {
			continue
		}
		if name == s.namespace {
			entries = ns.VectorCount
		}
		if name != "" && ns.VectorCount > 0 {
			sessions++
		}
	}

	out := map[string]any{
		"backend":   "pinecone",
		"index":     s.index,
		"entries":   entries,
		"dimension": stats.Dimension,
		"fullness":  stats.IndexFullness,
		"total":     stats.TotalVectorCount,
	}
	if s.namespace != "" {
		out["scope"] = s.namespace
	} else {
		out["sessions"] = sessions
	}
	return out, nil
}

// Close closes this store's namespace connection.
func (s *PineconeStore) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
