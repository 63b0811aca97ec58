package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/taskagent/internal/api"
	"github.com/nugget/taskagent/internal/buildinfo"
	"github.com/nugget/taskagent/internal/connwatch"
	"github.com/nugget/taskagent/internal/events"
)

// shutdownTimeout bounds how long in-flight requests may take to drain.
const shutdownTimeout = 10 * time.Second

// runServe handles "taskagent serve". It blocks until SIGINT or SIGTERM,
// then drains the HTTP server and closes the backends.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, closer, err := cfg.NewLogger(stdout)
	if err != nil {
		return err
	}
	defer closer.Close()

	info := buildinfo.Current()
	logger.Info("starting TaskAgent", "version", info.Version, "commit", info.Commit, "go", info.Go)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"memory_backend", cfg.Memory.Backend,
		"continuous_limit", cfg.Agent.ContinuousLimit,
		"allow_feedback", cfg.Agent.AllowFeedback)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	health := a.watchServices(ctx)
	defer health.Stop()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.agentFactory(), logger)
	server.SetRunLog(a.runs)
	server.SetMemoryStore(a.memory)
	server.SetEventBus(a.events)
	server.SetHealth(health)
	server.SetSessionTTL(cfg.Listen.SessionTTL)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// watchServices starts health checks for the LLM provider and the
// memory backend. Transitions are published on the event bus.
func (a *app) watchServices(ctx context.Context) *connwatch.Manager {
	m := connwatch.NewManager(a.logger)
	onChange := func(name string, ready bool, err error) {
		data := map[string]any{"service": name, "ready": ready}
		if err != nil {
			data["error"] = err.Error()
		}
		a.events.Emit(events.SourceConnwatch, events.KindServiceState, data)
	}

	m.Watch(ctx, connwatch.WatcherConfig{
		Name:     "llm",
		Check:    a.llm.Ping,
		OnChange: onChange,
	})
	m.Watch(ctx, connwatch.WatcherConfig{
		Name: "memory",
		Check: func(ctx context.Context) error {
			_, err := a.memory.Stats(ctx)
			return err
		},
		OnChange: onChange,
	})
	return m
}
