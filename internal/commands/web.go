package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/taskagent/internal/fetch"
	"github.com/nugget/taskagent/internal/search"
)

// maxLinks is the number of page links included in a browse result.
const maxLinks = 5

// RegisterSearch adds the google command backed by mgr.
func RegisterSearch(r *Registry, mgr *search.Manager) error {
	return r.Register(&Command{
		Name:  "google",
		Label: "Google Search",
		Args:  []Arg{{"input", "<search>"}},
		Handler: func(ctx context.Context, args map[string]string) (string, error) {
			query, err := requireArg(args, "input")
			if err != nil {
				return "", err
			}
			results, err := mgr.Search(ctx, query, 0)
			if err != nil {
				return "", err
			}
			return search.Format(results), nil
		},
	})
}

// Browser fetches pages and, when a question is asked, has the model
// answer it from the page text.
type Browser struct {
	fetcher    *fetch.Fetcher
	summarizer *fetch.Summarizer
}

// NewBrowser creates a Browser. summarizer may be nil, in which case the
// raw page text is returned.
func NewBrowser(f *fetch.Fetcher, s *fetch.Summarizer) *Browser {
	return &Browser{fetcher: f, summarizer: s}
}

// Browse fetches url and answers question about it.
func (b *Browser) Browse(ctx context.Context, url, question string) (string, error) {
	page, err := b.fetcher.Fetch(ctx, url)
	if err != nil {
		return "", err
	}

	links := page.Links
	if len(links) > maxLinks {
		links = links[:maxLinks]
	}
	rendered := make([]string, len(links))
	for i, l := range links {
		rendered[i] = l.String()
	}

	var answer string
	if b.summarizer != nil && strings.TrimSpace(question) != "" {
		answer, err = b.summarizer.Summarize(ctx, page.URL, page.Text, question)
		if err != nil {
			return "", err
		}
	} else {
		answer = page.Text
	}

	return fmt.Sprintf("Answer gathered from website: %s \n \n Links: [%s]", answer, quoteJoin(rendered)), nil
}

// RegisterBrowse adds the browse_website command.
func RegisterBrowse(r *Registry, b *Browser) error {
	return r.Register(&Command{
		Name:  "browse_website",
		Label: "Browse Website",
		Args:  []Arg{{"url", "<url>"}, {"question", "<what_you_want_to_find_on_website>"}},
		Handler: func(ctx context.Context, args map[string]string) (string, error) {
			url, err := requireArg(args, "url")
			if err != nil {
				return "", err
			}
			return b.Browse(ctx, url, args["question"])
		},
	})
}
