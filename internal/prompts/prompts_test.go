package prompts

import (
	"strings"
	"testing"
	"time"
)

func TestSystemPrompt(t *testing.T) {
	got := SystemPrompt(SystemInput{
		Description: "an AI that researches Go libraries",
		Goals:       []string{"Find a YAML parser", "Write a summary to summary.txt"},
		Commands: []string{
			`Google Search: "google", args: "input": "<search>"`,
			`Do Nothing: "do_nothing", args:`,
		},
	})

	phrases := []string{
		"You are Entrepreneur-GPT, an AI that researches Go libraries",
		"GOALS:\n\nFind a YAML parser\nWrite a summary to summary.txt\n",
		`1. Google Search: "google", args: "input": "<search>"`,
		`2. Do Nothing: "do_nothing", args:`,
		`3. Task Complete (Shutdown): "task_complete"`,
		`"criticism": "constructive self-criticism"`,
	}
	for _, phrase := range phrases {
		if !strings.Contains(got, phrase) {
			t.Errorf("system prompt missing %q", phrase)
		}
	}
	if strings.Contains(got, "human_feedback") {
		t.Error("human_feedback listed without AllowFeedback")
	}
}

func TestSystemPrompt_NamedWithFeedback(t *testing.T) {
	got := SystemPrompt(SystemInput{
		AIName:        "ResearchGPT",
		Description:   "a researcher",
		AllowFeedback: true,
	})

	if !strings.HasPrefix(got, "You are ResearchGPT, a researcher\n") {
		t.Errorf("prompt starts %q", got[:40])
	}
	if !strings.Contains(got, `1. Ask The User: "human_feedback"`) ||
		!strings.Contains(got, `2. Task Complete (Shutdown)`) {
		t.Errorf("reserved commands not numbered after registered ones:\n%s", got)
	}
}

func TestRoundText(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{CommandError("error_invalid_url", `{"url": "x"}`), `Command error_invalid_url threw the following error: {"url": "x"}`},
		{CommandResult("google", "[]"), "Command google returned: []"},
		{HumanFeedback("try again"), "Human feedback: try again"},
		{MemoryEntry("{}", "ok", ""), "Assistant Reply: {} \nResult: ok \nHuman Feedback:  "},
		{CurrentTime(time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)), "The current time and date is Tue Mar 5 14:07:09 2024"},
		{MemoryRecall("['a']"), "This reminds you of these events from your past:\n['a']\n\n"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestBrowseQuestion(t *testing.T) {
	got := BrowseQuestion("page text", "who wrote it?")
	if !strings.HasPrefix(got, `"""page text"""`) || !strings.Contains(got, `"who wrote it?"`) {
		t.Errorf("BrowseQuestion = %q", got)
	}
}
