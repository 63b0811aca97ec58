// Package tokens counts model tokens for context budgeting.
//
// Counts use the tiktoken BPE for the model with the encodings bundled
// in the binary, so no network access is needed. When no encoding is
// available, counts fall back to a four-characters-per-token estimate.
package tokens

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/nugget/taskagent/internal/llm"
)

const fallbackEncoding = "cl100k_base"

var loaderOnce sync.Once

// Counter counts tokens for one model. It is safe for concurrent use.
type Counter struct {
	model string
	enc   *tiktoken.Tiktoken

	// perMessage is the chat format overhead for every message.
	perMessage int
}

// NewCounter returns a counter for model. Unknown models use
// cl100k_base; if that is unavailable too the counter estimates.
func NewCounter(model string, logger *slog.Logger) *Counter {
	if logger == nil {
		logger = slog.Default()
	}
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})

	c := &Counter{model: model, perMessage: 3}
	if strings.HasPrefix(model, "gpt-3.5-turbo") {
		c.perMessage = 4
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		logger.Warn("token counts will be estimated", "model", model, "error", err)
		return c
	}
	c.enc = enc
	return c
}

// Exact reports whether counts come from a real tokenizer.
func (c *Counter) Exact() bool { return c.enc != nil }

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if c.enc == nil {
		return Estimate(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessages returns the prompt tokens used by msgs including the
// chat format overhead and the reply primer.
func (c *Counter) CountMessages(msgs []llm.Message) int {
	n := 0
	for _, m := range msgs {
		n += c.perMessage + c.Count(m.Role) + c.Count(m.Content)
	}
	return n + 3
}

// Estimate approximates a token count from the byte length.
func Estimate(text string) int {
	return (len(text) + 3) / 4
}
