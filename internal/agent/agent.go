// Package agent runs the autonomous task loop: each round it asks the
// model for a decision, carries out the chosen command, and feeds the
// result back as context for the next round.
//
// An Agent owns its message history and is driven by one caller at a
// time. Independent agents may run concurrently; the only state they
// share is the memory store and whatever the commands touch.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/taskagent/internal/commands"
	"github.com/nugget/taskagent/internal/decision"
	"github.com/nugget/taskagent/internal/events"
	"github.com/nugget/taskagent/internal/llm"
	"github.com/nugget/taskagent/internal/memory"
	"github.com/nugget/taskagent/internal/prompts"
	"github.com/nugget/taskagent/internal/tokens"
)

// ErrInvalidModelOutput is returned when no repair strategy could turn
// the model's reply into a valid decision. It ends the run.
var ErrInvalidModelOutput = errors.New("model did not return valid structured output")

var (
	// ErrNotAwaitingFeedback is returned by Resume on an agent that is
	// not suspended on human_feedback.
	ErrNotAwaitingFeedback = errors.New("agent is not awaiting feedback")

	// ErrBusy is returned when Run or Resume is called while another
	// call is in progress.
	ErrBusy = errors.New("agent is already running")

	// ErrAlreadyStarted is returned by a second call to Run.
	ErrAlreadyStarted = errors.New("agent has already been started")

	// ErrClosed is returned by Run or Resume after Close.
	ErrClosed = errors.New("agent is closed")
)

// State is the loop's position within a round.
type State string

const (
	StateIdle             State = "idle"
	StateRunning          State = "running"
	StateAwaitingModel    State = "awaiting_model"
	StateDispatching      State = "dispatching"
	StateAwaitingFeedback State = "awaiting_feedback"
	StateTerminated       State = "terminated"
)

// Status says why Run or Resume returned.
type Status string

const (
	// StatusComplete: the model issued task_complete.
	StatusComplete Status = "complete"
	// StatusLimitReached: the round budget ran out first.
	StatusLimitReached Status = "limit_reached"
	// StatusAwaitingFeedback: the model asked for human feedback. Call
	// Resume with the answer to continue.
	StatusAwaitingFeedback Status = "awaiting_feedback"
)

// Outcome is what a run hands back to its caller.
type Outcome struct {
	Status Status `json:"status"`

	// Arguments are the task_complete arguments. Set only for
	// StatusComplete.
	Arguments map[string]string `json:"arguments,omitempty"`

	// Question is the model's human_feedback question, if it gave one.
	Question string `json:"question,omitempty"`

	// History is the conversation so far.
	History []llm.Message `json:"history,omitempty"`

	// Rounds counts the model calls made.
	Rounds int `json:"rounds"`
}

// Completer sends one completion request.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (string, error)
}

// Dispatcher executes a named command. *commands.Registry satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, args map[string]string) (string, error)
}

// TokenCounter measures prompt size. *tokens.Counter satisfies it.
type TokenCounter interface {
	CountMessages(msgs []llm.Message) int
}

// Step is one finished round, passed to a StepRecorder.
type Step struct {
	RunID     string
	Round     int
	Command   string
	Arguments map[string]string
	Reply     string
	Result    string
}

// StepRecorder persists finished rounds.
type StepRecorder interface {
	RecordStep(ctx context.Context, s Step) error
}

// Config holds the per-run settings.
type Config struct {
	RunID            string
	AIName           string
	SystemPrompt     string
	TriggeringPrompt string

	Model       string
	Temperature float64

	// ContinuousLimit is the maximum number of rounds.
	ContinuousLimit int
	// FastTokenLimit bounds prompt plus reply tokens for every call.
	FastTokenLimit int
	// NextActionCount is decremented for each dispatched command.
	NextActionCount int

	// AllowFeedback makes human_feedback suspend the run. When false the
	// command yields the last feedback text, which is empty unless a
	// caller supplied some.
	AllowFeedback bool
}

// Deps are the collaborators an Agent calls into. LLM, Repairer and
// Commands are required.
type Deps struct {
	LLM      Completer
	Repairer *decision.Repairer
	Commands Dispatcher
	Memory   memory.Store
	Tokens   TokenCounter
	Events   *events.Bus
	Steps    StepRecorder
	Logger   *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time

	// Release, when set, is called once by Close to free per-session
	// resources such as the session's memory scope.
	Release func(ctx context.Context) error
}

type pendingRound struct {
	reply    string
	decision *decision.Decision
}

// Agent is one session of the task loop.
type Agent struct {
	cfg  Config
	deps Deps

	logger *slog.Logger

	run     sync.Mutex
	started bool
	closed  bool

	stateMu sync.RWMutex
	state   State

	history         []llm.Message
	loopCount       int
	rounds          int
	nextActionCount int
	userInput       string
	pending         *pendingRound
	startedAt       time.Time
}

// New validates cfg and deps and returns an idle agent.
func New(cfg Config, deps Deps) (*Agent, error) {
	switch {
	case deps.LLM == nil:
		return nil, fmt.Errorf("agent: LLM is required")
	case deps.Repairer == nil:
		return nil, fmt.Errorf("agent: repairer is required")
	case deps.Commands == nil:
		return nil, fmt.Errorf("agent: command dispatcher is required")
	case cfg.ContinuousLimit <= 0:
		return nil, fmt.Errorf("agent: continuous limit must be positive")
	case cfg.FastTokenLimit <= contextReserve:
		return nil, fmt.Errorf("agent: fast token limit must exceed %d", contextReserve)
	}
	if cfg.TriggeringPrompt == "" {
		cfg.TriggeringPrompt = prompts.TriggeringPrompt
	}
	if deps.Memory == nil {
		deps.Memory = memory.NewNoMemory()
	}
	if deps.Tokens == nil {
		deps.Tokens = tokens.NewCounter(cfg.Model, deps.Logger)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Agent{
		cfg:             cfg,
		deps:            deps,
		logger:          logger.With("run_id", cfg.RunID),
		state:           StateIdle,
		nextActionCount: cfg.NextActionCount,
	}, nil
}

// State returns the loop's current state.
func (a *Agent) State() State {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.stateMu.Lock()
	a.state = s
	a.stateMu.Unlock()
}

// NextActionCount returns the remaining pre-authorized command count.
func (a *Agent) NextActionCount() int {
	a.run.Lock()
	defer a.run.Unlock()
	return a.nextActionCount
}

// Run starts the loop and blocks until it completes, runs out of
// rounds, suspends for feedback or fails. Run may be called once.
func (a *Agent) Run(ctx context.Context) (*Outcome, error) {
	if !a.run.TryLock() {
		return nil, ErrBusy
	}
	defer a.run.Unlock()

	if a.closed {
		return nil, ErrClosed
	}
	if a.started {
		return nil, ErrAlreadyStarted
	}
	a.started = true
	a.startedAt = a.deps.Now()

	a.logger.Info("agent run started",
		"model", a.cfg.Model,
		"continuous_limit", a.cfg.ContinuousLimit,
		"fast_token_limit", a.cfg.FastTokenLimit)
	a.deps.Events.Emit(events.SourceAgent, events.KindRunStart, map[string]any{
		"run_id": a.cfg.RunID,
		"model":  a.cfg.Model,
	})

	return a.loop(ctx)
}

// Resume answers a pending human_feedback command and continues the
// loop.
func (a *Agent) Resume(ctx context.Context, feedback string) (*Outcome, error) {
	if !a.run.TryLock() {
		return nil, ErrBusy
	}
	defer a.run.Unlock()

	if a.closed {
		return nil, ErrClosed
	}
	if a.State() != StateAwaitingFeedback || a.pending == nil {
		return nil, ErrNotAwaitingFeedback
	}

	p := a.pending
	a.pending = nil
	a.userInput = feedback
	a.setState(StateDispatching)

	a.logger.Info("resuming with human feedback", "length", len(feedback))
	if err := a.endRound(ctx, p.reply, p.decision, prompts.HumanFeedback(feedback)); err != nil {
		return nil, a.fail(err)
	}
	return a.loop(ctx)
}

// Close ends the session. It waits for an in-flight Run or Resume,
// drops a pending feedback question and calls Deps.Release. Later calls
// return nil.
func (a *Agent) Close(ctx context.Context) error {
	a.run.Lock()
	defer a.run.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	a.pending = nil
	a.setState(StateTerminated)

	if a.deps.Release == nil {
		return nil
	}
	if err := a.deps.Release(ctx); err != nil {
		return fmt.Errorf("release session: %w", err)
	}
	return nil
}

func (a *Agent) loop(ctx context.Context) (*Outcome, error) {
	for {
		a.setState(StateRunning)

		a.loopCount++
		if a.loopCount > a.cfg.ContinuousLimit {
			a.logger.Info("continuous limit reached", "limit", a.cfg.ContinuousLimit)
			return a.finish(StatusLimitReached, nil), nil
		}
		if err := ctx.Err(); err != nil {
			return nil, a.fail(err)
		}

		a.setState(StateAwaitingModel)
		reply, err := a.chat(ctx)
		if err != nil {
			return nil, a.fail(err)
		}

		// A fresh decision is required every round; nothing carries over.
		d, ok := a.deps.Repairer.Repair(reply)
		if !ok {
			return nil, a.fail(ErrInvalidModelOutput)
		}
		a.logThoughts(d)

		a.setState(StateDispatching)
		name := d.Command.Name

		var result string
		switch {
		case strings.HasPrefix(strings.ToLower(name), "error"):
			result = prompts.CommandError(name, d.Command.ArgsString())

		case name == commands.HumanFeedback:
			if a.cfg.AllowFeedback {
				return a.suspend(reply, d), nil
			}
			result = prompts.HumanFeedback(a.userInput)

		case name == commands.TaskComplete:
			return a.finish(StatusComplete, d.Command.Args), nil

		default:
			result = prompts.CommandResult(name, a.dispatch(ctx, name, d.Command.Args))
			if a.nextActionCount > 0 {
				a.nextActionCount--
			}
		}

		if err := a.endRound(ctx, reply, d, result); err != nil {
			return nil, a.fail(err)
		}
	}
}

// dispatch runs a registered command. Failures become text the model
// can read and react to.
func (a *Agent) dispatch(ctx context.Context, name string, args map[string]string) string {
	a.deps.Events.Emit(events.SourceAgent, events.KindCommand, map[string]any{
		"run_id":  a.cfg.RunID,
		"round":   a.rounds,
		"command": name,
		"args":    args,
	})

	start := time.Now()
	out, err := a.deps.Commands.Dispatch(ctx, name, args)

	a.deps.Events.Emit(events.SourceAgent, events.KindCommandDone, map[string]any{
		"run_id":     a.cfg.RunID,
		"round":      a.rounds,
		"command":    name,
		"ok":         err == nil,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})

	var unknown *commands.ErrUnknownCommand
	switch {
	case errors.As(err, &unknown):
		return err.Error()
	case err != nil:
		a.logger.Warn("command failed", "command", name, "error", err)
		return "Error: " + err.Error()
	}
	return out
}

// endRound stores the round in memory and history.
func (a *Agent) endRound(ctx context.Context, reply string, d *decision.Decision, result string) error {
	if _, err := a.deps.Memory.Add(ctx, prompts.MemoryEntry(reply, result, a.userInput)); err != nil {
		return fmt.Errorf("store round memory: %w", err)
	}
	a.userInput = ""

	if a.deps.Steps != nil {
		err := a.deps.Steps.RecordStep(ctx, Step{
			RunID:     a.cfg.RunID,
			Round:     a.rounds,
			Command:   d.Command.Name,
			Arguments: d.Command.Args,
			Reply:     reply,
			Result:    result,
		})
		if err != nil {
			a.logger.Warn("failed to record step", "round", a.rounds, "error", err)
		}
	}

	if result == "" {
		result = prompts.UnableToExecute
	}
	a.history = append(a.history, llm.Message{Role: llm.RoleSystem, Content: result})
	a.logger.Info("round complete", "round", a.rounds, "command", d.Command.Name, "result_len", len(result))
	a.logger.Log(ctx, llm.LevelTrace, "round result", "result", result)
	return nil
}

func (a *Agent) suspend(reply string, d *decision.Decision) *Outcome {
	a.pending = &pendingRound{reply: reply, decision: d}
	a.setState(StateAwaitingFeedback)

	a.logger.Info("awaiting human feedback", "round", a.rounds)
	a.deps.Events.Emit(events.SourceAgent, events.KindAwaitingFeedback, map[string]any{
		"run_id": a.cfg.RunID,
		"round":  a.rounds,
	})

	return &Outcome{
		Status:   StatusAwaitingFeedback,
		Question: d.Command.Args["question"],
		History:  a.snapshot(),
		Rounds:   a.rounds,
	}
}

func (a *Agent) finish(status Status, args map[string]string) *Outcome {
	a.setState(StateTerminated)
	elapsed := a.deps.Now().Sub(a.startedAt)

	a.logger.Info("agent run finished", "status", status, "rounds", a.rounds, "elapsed", elapsed.Round(time.Millisecond))
	a.deps.Events.Emit(events.SourceAgent, events.KindRunComplete, map[string]any{
		"run_id":     a.cfg.RunID,
		"status":     string(status),
		"rounds":     a.rounds,
		"elapsed_ms": elapsed.Milliseconds(),
	})

	return &Outcome{
		Status:    status,
		Arguments: args,
		History:   a.snapshot(),
		Rounds:    a.rounds,
	}
}

func (a *Agent) fail(err error) error {
	a.setState(StateTerminated)
	a.logger.Error("agent run failed", "rounds", a.rounds, "error", err)
	a.deps.Events.Emit(events.SourceAgent, events.KindRunComplete, map[string]any{
		"run_id": a.cfg.RunID,
		"status": "error",
		"rounds": a.rounds,
		"error":  err.Error(),
	})
	return err
}

func (a *Agent) snapshot() []llm.Message {
	return append([]llm.Message(nil), a.history...)
}

func (a *Agent) logThoughts(d *decision.Decision) {
	a.logger.Debug("model decision",
		"round", a.rounds,
		"thoughts", d.Thoughts.Text,
		"reasoning", d.Thoughts.Reasoning,
		"plan", d.Thoughts.Plan,
		"criticism", d.Thoughts.Criticism,
		"command", d.Command.Name,
		"args", d.Command.ArgsString())
}
