// Package commands maps the command names a model chooses to the code
// that carries them out.
//
// The agent loop handles the reserved names itself (see [IsReserved]);
// everything else goes through a [Registry]. The registry is a plain
// router: side effects belong to the individual handlers.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Reserved command names handled by the agent loop.
const (
	TaskComplete  = "task_complete"
	HumanFeedback = "human_feedback"
)

// IsReserved reports whether name is handled by the loop rather than a
// registered command. Any name beginning with "error", in any case, is
// reserved.
func IsReserved(name string) bool {
	return name == TaskComplete || name == HumanFeedback ||
		strings.HasPrefix(strings.ToLower(name), "error")
}

// Handler executes a command.
type Handler func(ctx context.Context, args map[string]string) (string, error)

// Arg documents one argument in the prompt, e.g. {"url", "<url>"}.
type Arg struct {
	Name        string
	Placeholder string
}

// Command is a capability the model can invoke by name.
type Command struct {
	Name    string
	Label   string // human-readable name shown in the prompt
	Args    []Arg
	Handler Handler
}

// Line renders the command the way the prompt lists it:
//
//	Google Search: "google", args: "input": "<search>"
func (c *Command) Line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %q, args:", c.Label, c.Name)
	for i, a := range c.Args {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, " %q: %q", a.Name, a.Placeholder)
	}
	return b.String()
}

// Registry holds the commands available to one agent.
type Registry struct {
	commands map[string]*Command
	order    []string
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		commands: make(map[string]*Command),
		logger:   logger,
	}
}

// Register adds c. Reserved and duplicate names are rejected.
func (r *Registry) Register(c *Command) error {
	switch {
	case c.Name == "":
		return fmt.Errorf("command name is required")
	case IsReserved(c.Name):
		return fmt.Errorf("command name %q is reserved", c.Name)
	case c.Handler == nil:
		return fmt.Errorf("command %q has no handler", c.Name)
	}
	if _, dup := r.commands[c.Name]; dup {
		return fmt.Errorf("command %q already registered", c.Name)
	}
	r.commands[c.Name] = c
	r.order = append(r.order, c.Name)
	return nil
}

// Resolve returns the command registered under name.
func (r *Registry) Resolve(name string) (*Command, error) {
	c, ok := r.commands[name]
	if !ok {
		return nil, &ErrUnknownCommand{Name: name}
	}
	return c, nil
}

// Dispatch runs the named command with args. An unknown name returns
// *ErrUnknownCommand.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]string) (string, error) {
	c, err := r.Resolve(name)
	if err != nil {
		r.logger.Warn("unknown command requested", "command", name)
		return "", err
	}
	if args == nil {
		args = map[string]string{}
	}

	start := time.Now()
	out, err := c.Handler(ctx, args)
	r.logger.Debug("command executed",
		"command", name,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"result_len", len(out),
		"error", err)
	return out, err
}

// Describe returns the prompt line of every command in registration
// order.
func (r *Registry) Describe() []string {
	lines := make([]string, 0, len(r.order))
	for _, name := range r.order {
		lines = append(lines, r.commands[name].Line())
	}
	return lines
}

// Names returns the registered command names, sorted.
func (r *Registry) Names() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// requireArg returns args[key] or an error naming the missing argument.
func requireArg(args map[string]string, key string) (string, error) {
	v := strings.TrimSpace(args[key])
	if v == "" {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	return v, nil
}
