package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/taskagent/internal/agent"
	"github.com/nugget/taskagent/internal/api"
	"github.com/nugget/taskagent/internal/events"
)

// parseTaskArgs splits "run" arguments into goals and the description.
func parseTaskArgs(args []string) (api.ChatRequest, error) {
	var req api.ChatRequest
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-goal" && i+1 < len(args):
			req.Goals = append(req.Goals, args[i+1])
			i++
		case strings.HasPrefix(args[i], "-goal="):
			req.Goals = append(req.Goals, strings.TrimPrefix(args[i], "-goal="))
		case strings.HasPrefix(args[i], "-"):
			return req, fmt.Errorf("unknown run flag: %s", args[i])
		default:
			words = append(words, args[i])
		}
	}
	req.Description = strings.Join(words, " ")
	if req.Description == "" {
		return req, fmt.Errorf("usage: taskagent run [-goal <goal>]... <description>")
	}
	return req, nil
}

// runTask handles "taskagent run". The run is driven in the terminal:
// each command the agent takes is echoed to stdout and human_feedback
// questions are answered from stdin. Logs go to stderr.
func runTask(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	req, err := parseTaskArgs(args)
	if err != nil {
		return err
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

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	runID, err := a.runs.Start(ctx, req.Description, req.Goals)
	if err != nil {
		return err
	}
	ag, err := a.newAgent(ctx, runID, req, true)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ag.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("failed to close agent", "run_id", runID, "error", cerr)
		}
	}()

	// Events are published synchronously during Run, so a buffer large
	// enough for every round lets them be printed afterwards in order.
	ch := a.events.Subscribe(cfg.Agent.ContinuousLimit*8 + 16)
	defer a.events.Unsubscribe(ch)

	out, err := ag.Run(ctx)
	echoCommands(stdout, ch)

	input := bufio.NewScanner(stdin)
	for err == nil && out.Status == agent.StatusAwaitingFeedback {
		question := out.Question
		if question == "" {
			question = "The agent asks for your input."
		}
		fmt.Fprintf(stdout, "%s\n> ", question)
		if !input.Scan() {
			err = errors.New("no feedback available on stdin")
			break
		}
		out, err = ag.Resume(ctx, strings.TrimSpace(input.Text()))
		echoCommands(stdout, ch)
	}

	var result string
	if err == nil && out.Arguments != nil {
		data, _ := json.Marshal(out.Arguments)
		result = string(data)
	}
	var rounds int
	var status string
	if out != nil {
		rounds, status = out.Rounds, string(out.Status)
	}
	if ferr := a.runs.Finish(context.WithoutCancel(ctx), runID, status, result, rounds, err); ferr != nil {
		logger.Warn("failed to finish run", "run_id", runID, "error", ferr)
	}
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}

	return printOutcome(stdout, runID, out, outputFmt)
}

// echoCommands prints the commands among the events waiting in ch.
func echoCommands(w io.Writer, ch <-chan events.Event) {
	for {
		select {
		case e := <-ch:
			if e.Kind != events.KindCommand {
				continue
			}
			args, _ := json.Marshal(e.Data["args"])
			fmt.Fprintf(w, "[round %v] %v %s\n", e.Data["round"], e.Data["command"], args)
		default:
			return
		}
	}
}

func printOutcome(w io.Writer, runID string, out *agent.Outcome, outputFmt string) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"run_id":    runID,
			"status":    out.Status,
			"rounds":    out.Rounds,
			"arguments": out.Arguments,
		})
	}

	switch out.Status {
	case agent.StatusLimitReached:
		fmt.Fprintf(w, "Continuous limit reached after %d rounds.\n", out.Rounds)
	default:
		fmt.Fprintf(w, "Task complete after %d rounds.\n", out.Rounds)
		for k, v := range out.Arguments {
			fmt.Fprintf(w, "  %s: %s\n", k, v)
		}
	}
	return nil
}
