// Package search backs the google command with a configurable web
// search provider.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nugget/taskagent/internal/config"
)

// DefaultCount is the number of results returned when the caller does
// not ask for a specific count.
const DefaultCount = 8

// Result is a single search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"href"`
	Snippet string `json:"body,omitempty"`
}

// Provider is a search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, count int) ([]Result, error)
}

// Manager routes queries to the configured primary provider.
type Manager struct {
	providers map[string]Provider
	primary   string
	logger    *slog.Logger
}

// NewManager creates a manager that sends queries to primary.
func NewManager(primary string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
		logger:    logger,
	}
}

// FromConfig registers every provider that has enough configuration to
// run. A manager with no providers reports Configured() == false.
func FromConfig(cfg config.SearchConfig, logger *slog.Logger) *Manager {
	m := NewManager(cfg.Provider, logger)
	if cfg.SearXNG.URL != "" {
		m.Register(NewSearXNG(cfg.SearXNG.URL))
	}
	if cfg.Brave.APIKey != "" {
		m.Register(NewBrave(cfg.Brave.APIKey))
	}
	return m
}

// Register adds p, replacing any provider with the same name.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Search runs query against the primary provider. count <= 0 means
// DefaultCount.
func (m *Manager) Search(ctx context.Context, query string, count int) ([]Result, error) {
	p, ok := m.providers[m.primary]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", m.primary)
	}
	if count <= 0 {
		count = DefaultCount
	}
	results, err := p.Search(ctx, query, count)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("search complete", "provider", p.Name(), "query", query, "results", len(results))
	return results, nil
}

// Providers returns the registered provider names, sorted.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configured reports whether the primary provider is registered.
func (m *Manager) Configured() bool {
	_, ok := m.providers[m.primary]
	return ok
}

// Format renders results as the JSON list the model sees as the
// command result.
func Format(results []Result) string {
	if len(results) == 0 {
		return "[]"
	}
	out, err := json.MarshalIndent(results, "", "    ")
	if err != nil {
		return fmt.Sprintf("%v", results)
	}
	return string(out)
}
