package llm

import (
	"context"
	"fmt"
)

// MultiClient routes requests to the appropriate provider based on model name.
type MultiClient struct {
	clients  map[string]Provider // provider name → client
	models   map[string]string   // model name → provider name
	embedder string              // provider name used by Embed
	fallback Provider            // default client for unknown models
}

// NewMultiClient creates a client that routes to multiple providers.
func NewMultiClient(fallback Provider) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Provider),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Provider) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// UseForEmbeddings sends Embed calls to the named provider instead of
// the fallback.
func (m *MultiClient) UseForEmbeddings(providerName string) {
	m.embedder = providerName
}

// clientFor returns the appropriate client for a model.
func (m *MultiClient) clientFor(model string) Provider {
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client
		}
	}
	return m.fallback
}

// Complete sends a request to the appropriate provider for the model.
func (m *MultiClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	client := m.clientFor(req.Model)
	if client == nil {
		return "", fmt.Errorf("no provider configured for model %q", req.Model)
	}
	return client.Complete(ctx, req)
}

// Embed sends the request to the embedding provider.
func (m *MultiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	client := m.fallback
	if c, ok := m.clients[m.embedder]; ok {
		client = c
	}
	if client == nil {
		return nil, fmt.Errorf("no embedding provider configured")
	}
	return client.Embed(ctx, text)
}

// Ping checks the fallback provider.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback != nil {
		return m.fallback.Ping(ctx)
	}
	return fmt.Errorf("no fallback client configured")
}
