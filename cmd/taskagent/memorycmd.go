package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/nugget/taskagent/internal/memory"
)

// runMemory handles "taskagent memory stats|clear" against the
// configured backend without starting an agent.
func runMemory(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	if len(args) != 1 || (args[0] != "stats" && args[0] != "clear") {
		return fmt.Errorf("usage: taskagent memory stats|clear")
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, closer, err := cfg.NewLogger(stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	store, err := memory.New(ctx, cfg.Memory, newLLMClient(cfg, logger), false, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if args[0] == "clear" {
		msg, err := store.Clear(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, msg)
		return nil
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(stdout, "  %-12s %v\n", k+":", stats[k])
	}
	return nil
}
