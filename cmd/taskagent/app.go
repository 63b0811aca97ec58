package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nugget/taskagent/internal/agent"
	"github.com/nugget/taskagent/internal/api"
	"github.com/nugget/taskagent/internal/commands"
	"github.com/nugget/taskagent/internal/config"
	"github.com/nugget/taskagent/internal/decision"
	"github.com/nugget/taskagent/internal/events"
	"github.com/nugget/taskagent/internal/fetch"
	"github.com/nugget/taskagent/internal/llm"
	"github.com/nugget/taskagent/internal/memory"
	"github.com/nugget/taskagent/internal/prompts"
	"github.com/nugget/taskagent/internal/runlog"
	"github.com/nugget/taskagent/internal/search"
	"github.com/nugget/taskagent/internal/tokens"
)

// app holds the long-lived components shared by every run.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	llm       *llm.RetryClient
	tokens    *tokens.Counter
	repairer  *decision.Repairer
	memory    memory.Store
	search    *search.Manager
	browser   *commands.Browser
	workspace *commands.Workspace
	events    *events.Bus
	runs      *runlog.Store
}

// newApp connects every backend named in cfg. An unreachable memory
// backend is an error.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		llm:    newLLMClient(cfg, logger),
		tokens: tokens.NewCounter(cfg.Models.Fast, logger),
		search: search.FromConfig(cfg.Search, logger),
		events: events.New(),
	}

	var err error
	if a.repairer, err = decision.NewRepairer(logger); err != nil {
		return nil, fmt.Errorf("init response repair: %w", err)
	}

	if a.memory, err = memory.New(ctx, cfg.Memory, a.llm, !cfg.Memory.Persist, logger); err != nil {
		return nil, err
	}

	if a.runs, err = runlog.Open(filepath.Join(cfg.DataDir, "runs.db")); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Workspace.Path != "" {
		if a.workspace, err = commands.NewWorkspace(cfg.Workspace.Path); err != nil {
			a.Close()
			return nil, err
		}
	}

	summarizer := fetch.NewSummarizer(a.llm, cfg.Models.Fast, logger)
	a.browser = commands.NewBrowser(fetch.New(logger), summarizer)

	logger.Info("components ready",
		"fast_model", cfg.Models.Fast,
		"memory_backend", cfg.Memory.Backend,
		"search_providers", a.search.Providers(),
		"workspace", cfg.Workspace.Path,
		"exact_tokens", a.tokens.Exact())
	return a, nil
}

// Close releases backend connections.
func (a *app) Close() error {
	var errs []error
	if a.memory != nil {
		errs = append(errs, a.memory.Close())
	}
	if a.runs != nil {
		errs = append(errs, a.runs.Close())
	}
	return errors.Join(errs...)
}

// newLLMClient routes each configured model to its provider and wraps
// the result in the retry policy. OpenAI, when configured, is the
// default provider and serves embeddings; otherwise Ollama does.
func newLLMClient(cfg *config.Config, logger *slog.Logger) *llm.RetryClient {
	ollama := llm.NewOllamaClient(cfg.Ollama.URL, "", logger)

	var multi *llm.MultiClient
	if cfg.OpenAI.Configured() {
		openai := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:         cfg.OpenAI.APIKey,
			BaseURL:        cfg.OpenAI.BaseURL,
			EmbeddingModel: cfg.Models.Embedding,
		}, logger)
		multi = llm.NewMultiClient(openai)
		multi.AddProvider("openai", openai)
		multi.UseForEmbeddings("openai")
	} else {
		multi = llm.NewMultiClient(ollama)
		logger.Warn("no OpenAI API key configured, using Ollama for all models", "url", cfg.Ollama.URL)
	}
	multi.AddProvider("ollama", ollama)

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	return llm.NewRetryClient(multi, logger, llm.WithMaxAttempts(cfg.Agent.MaxAttempts))
}

// registry builds the command set offered to the model. The memory
// commands act on mem, the run's own memory.
func (a *app) registry(mem memory.Store) (*commands.Registry, error) {
	r := commands.NewRegistry(a.logger)

	if a.search.Configured() {
		if err := commands.RegisterSearch(r, a.search); err != nil {
			return nil, err
		}
	}
	if err := commands.RegisterBrowse(r, a.browser); err != nil {
		return nil, err
	}
	if a.workspace != nil {
		if err := commands.RegisterFileCommands(r, a.workspace); err != nil {
			return nil, err
		}
	}
	if err := commands.RegisterBuiltins(r, mem); err != nil {
		return nil, err
	}
	return r, nil
}

// sessionMemory returns the memory a run reads and writes, and the
// function that gives it back when the run ends. With memory.persist
// every run shares the backend. Otherwise each run gets an empty scope
// of its own, so one run starting never wipes another's recollections,
// and the scope is emptied again on release.
func (a *app) sessionMemory(ctx context.Context, runID string) (memory.Store, func(context.Context) error, error) {
	if a.cfg.Memory.Persist {
		return a.memory, nil, nil
	}

	mem, err := memory.ForSession(ctx, a.memory, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("open session memory: %w", err)
	}
	if mem == a.memory {
		return mem, nil, nil
	}
	if _, err := mem.Clear(ctx); err != nil {
		mem.Close()
		return nil, nil, fmt.Errorf("clear session memory: %w", err)
	}

	release := func(ctx context.Context) error {
		_, err := mem.Clear(ctx)
		return errors.Join(err, mem.Close())
	}
	return mem, release, nil
}

// newAgent builds the agent for one run. Closing the agent releases its
// session memory.
func (a *app) newAgent(ctx context.Context, runID string, req api.ChatRequest, allowFeedback bool) (*agent.Agent, error) {
	mem, release, err := a.sessionMemory(ctx, runID)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*agent.Agent, error) {
		if release != nil {
			if rerr := release(ctx); rerr != nil {
				a.logger.Warn("failed to release session memory", "run_id", runID, "error", rerr)
			}
		}
		return nil, err
	}

	reg, err := a.registry(mem)
	if err != nil {
		return fail(fmt.Errorf("register commands: %w", err))
	}

	system := prompts.SystemPrompt(prompts.SystemInput{
		AIName:        a.cfg.Agent.AIName,
		Description:   req.Description,
		Goals:         req.Goals,
		Commands:      reg.Describe(),
		AllowFeedback: allowFeedback,
	})

	ag, err := agent.New(agent.Config{
		RunID:            runID,
		AIName:           a.cfg.Agent.AIName,
		SystemPrompt:     system,
		TriggeringPrompt: a.cfg.Agent.TriggeringPrompt,
		Model:            a.cfg.Models.Fast,
		Temperature:      a.cfg.Models.Temperature,
		ContinuousLimit:  a.cfg.Agent.ContinuousLimit,
		FastTokenLimit:   a.cfg.Agent.FastTokenLimit,
		AllowFeedback:    allowFeedback,
	}, agent.Deps{
		LLM:      a.llm,
		Repairer: a.repairer,
		Commands: reg,
		Memory:   mem,
		Tokens:   a.tokens,
		Events:   a.events,
		Steps:    a.runs,
		Logger:   a.logger,
		Release:  release,
	})
	if err != nil {
		return fail(err)
	}
	return ag, nil
}

// agentFactory adapts newAgent to the API server.
func (a *app) agentFactory() api.AgentFactory {
	return func(ctx context.Context, runID string, req api.ChatRequest) (*agent.Agent, error) {
		return a.newAgent(ctx, runID, req, a.cfg.Agent.AllowFeedback)
	}
}
