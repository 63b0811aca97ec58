package tokens

import (
	"strings"
	"testing"

	"github.com/nugget/taskagent/internal/llm"
)

func TestCounter_Count(t *testing.T) {
	c := NewCounter("gpt-4", nil)
	if !c.Exact() {
		t.Fatal("gpt-4 should use the bundled cl100k_base encoding")
	}

	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"hello world", 2},
		{"tiktoken is great!", 6},
	}
	for _, tt := range tests {
		if got := c.Count(tt.text); got != tt.want {
			t.Errorf("Count(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestCounter_UnknownModelFallsBack(t *testing.T) {
	c := NewCounter("llama3:8b", nil)
	if !c.Exact() {
		t.Fatal("unknown models should fall back to cl100k_base")
	}
	if got := c.Count("hello world"); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}
}

func TestCounter_CountMessages(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "hello world"},
		{Role: llm.RoleUser, Content: "hello world"},
	}

	gpt4 := NewCounter("gpt-4", nil)
	// 2 × (3 overhead + 1 role + 2 content) + 3 primer.
	if got := gpt4.CountMessages(msgs); got != 15 {
		t.Errorf("gpt-4 CountMessages = %d, want 15", got)
	}

	turbo := NewCounter("gpt-3.5-turbo", nil)
	// 2 × (4 overhead + 1 role + 2 content) + 3 primer.
	if got := turbo.CountMessages(msgs); got != 17 {
		t.Errorf("gpt-3.5-turbo CountMessages = %d, want 17", got)
	}

	if got := gpt4.CountMessages(nil); got != 3 {
		t.Errorf("empty CountMessages = %d, want 3", got)
	}
}

func TestEstimate(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := Estimate(tt.text); got != tt.want {
			t.Errorf("Estimate(%d bytes) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}

func TestCounter_EstimateWithoutEncoding(t *testing.T) {
	c := &Counter{perMessage: 3}
	if c.Exact() {
		t.Fatal("zero counter should not be exact")
	}
	if got := c.Count("abcdefgh"); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}
}
