package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/taskagent/internal/events"
	"github.com/nugget/taskagent/internal/llm"
	"github.com/nugget/taskagent/internal/prompts"
)

const (
	// contextReserve is held back from FastTokenLimit for the reply.
	contextReserve = 1000

	// recentForRecall is how many trailing history messages form the
	// memory query.
	recentForRecall = 9

	// relevantMemories is how many memory entries are recalled.
	relevantMemories = 10
)

// chat builds the round's context, calls the model and appends the
// trigger and the reply to history.
func (a *Agent) chat(ctx context.Context) (string, error) {
	msgs, used, err := a.buildContext(ctx)
	if err != nil {
		return "", err
	}
	remaining := a.cfg.FastTokenLimit - used
	if remaining <= 0 {
		return "", fmt.Errorf("prompt uses %d tokens, leaving none of the %d token limit for a reply", used, a.cfg.FastTokenLimit)
	}

	a.rounds++
	a.deps.Events.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"run_id":        a.cfg.RunID,
		"round":         a.rounds,
		"model":         a.cfg.Model,
		"prompt_tokens": used,
		"messages":      len(msgs),
	})
	a.logger.Debug("calling model", "round", a.rounds, "messages", len(msgs), "prompt_tokens", used, "max_tokens", remaining)

	start := time.Now()
	reply, err := a.deps.LLM.Complete(ctx, llm.CompletionRequest{
		Messages:    msgs,
		Model:       a.cfg.Model,
		Temperature: a.cfg.Temperature,
		MaxTokens:   remaining,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	a.deps.Events.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
		"run_id":     a.cfg.RunID,
		"round":      a.rounds,
		"elapsed_ms": time.Since(start).Milliseconds(),
		"reply_len":  len(reply),
	})
	a.logger.Log(ctx, llm.LevelTrace, "model reply", "round", a.rounds, "reply", reply)

	a.history = append(a.history,
		llm.Message{Role: llm.RoleUser, Content: a.cfg.TriggeringPrompt},
		llm.Message{Role: llm.RoleAssistant, Content: reply},
	)
	return reply, nil
}

// buildContext assembles the request messages:
//
//	system prompt
//	current time
//	recalled memories
//	as much recent history as fits in FastTokenLimit - contextReserve
//	triggering prompt
//
// It returns the messages and their token count.
func (a *Agent) buildContext(ctx context.Context) ([]llm.Message, int, error) {
	var relevant []string
	if len(a.history) > 0 {
		recent := a.history[max(0, len(a.history)-recentForRecall):]
		var err error
		relevant, err = a.deps.Memory.GetRelevant(ctx, renderMessages(recent), relevantMemories)
		if err != nil {
			return nil, 0, fmt.Errorf("recall memory: %w", err)
		}
	}

	head := []llm.Message{
		{Role: llm.RoleSystem, Content: a.cfg.SystemPrompt},
		{Role: llm.RoleSystem, Content: prompts.CurrentTime(a.deps.Now())},
		{Role: llm.RoleSystem, Content: prompts.MemoryRecall(renderMemories(relevant))},
	}
	trigger := llm.Message{Role: llm.RoleUser, Content: a.cfg.TriggeringPrompt}

	sendLimit := a.cfg.FastTokenLimit - contextReserve
	used := a.deps.Tokens.CountMessages(head) + a.deps.Tokens.CountMessages([]llm.Message{trigger})

	// Walk history backwards, keeping the newest messages that fit.
	first := len(a.history)
	for first > 0 {
		n := a.deps.Tokens.CountMessages(a.history[first-1 : first])
		if used+n > sendLimit {
			break
		}
		used += n
		first--
	}

	msgs := make([]llm.Message, 0, len(head)+len(a.history)-first+1)
	msgs = append(msgs, head...)
	msgs = append(msgs, a.history[first:]...)
	msgs = append(msgs, trigger)
	return msgs, used, nil
}

func renderMessages(msgs []llm.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

func renderMemories(entries []string) string {
	if len(entries) == 0 {
		return "[]"
	}
	quoted := make([]string, len(entries))
	for i, e := range entries {
		quoted[i] = fmt.Sprintf("%q", e)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
