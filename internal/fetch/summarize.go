package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/taskagent/internal/llm"
	"github.com/nugget/taskagent/internal/prompts"
)

// DefaultChunkSize is the largest piece of page text sent to the model
// in one summarization call.
const DefaultChunkSize = 8192

// Completer is the slice of llm.Provider the summarizer needs.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (string, error)
}

// Summarizer answers a question about a page by asking the model about
// each chunk and then about the combined answers.
type Summarizer struct {
	llm       Completer
	model     string
	chunkSize int
	maxTokens int
	logger    *slog.Logger
}

// NewSummarizer creates a summarizer that calls model through c. Page
// text and partial answers are not kept; only the final answer reaches
// the agent, as the browse command's result.
func NewSummarizer(c Completer, model string, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		llm:       c,
		model:     model,
		chunkSize: DefaultChunkSize,
		maxTokens: 300,
		logger:    logger,
	}
}

// Summarize returns the model's answer to question about text fetched
// from source.
func (s *Summarizer) Summarize(ctx context.Context, source, text, question string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("no text to summarize")
	}

	chunks := SplitText(text, s.chunkSize)
	summaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		summary, err := s.ask(ctx, chunk, question)
		if err != nil {
			return "", fmt.Errorf("summarize chunk %d of %d: %w", i+1, len(chunks), err)
		}
		summaries = append(summaries, summary)
	}

	if len(summaries) == 1 {
		return summaries[0], nil
	}
	s.logger.Debug("combining chunk summaries", "source", source, "chunks", len(summaries))
	return s.ask(ctx, strings.Join(summaries, "\n"), question)
}

func (s *Summarizer) ask(ctx context.Context, text, question string) (string, error) {
	return s.llm.Complete(ctx, llm.CompletionRequest{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: prompts.BrowseQuestion(text, question),
		}},
	})
}

// SplitText breaks text on line boundaries into chunks of at most
// maxLen bytes. A single line longer than maxLen is split on rune
// boundaries.
func SplitText(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultChunkSize
	}

	var (
		chunks []string
		cur    strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}

	for _, line := range strings.Split(text, "\n") {
		for len(line) > maxLen {
			flush()
			cut := maxLen
			for cut > 0 && !utf8RuneStart(line[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxLen
			}
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}
		extra := len(line)
		if cur.Len() > 0 {
			extra++
		}
		if cur.Len()+extra > maxLen {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	flush()
	return chunks
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
