package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/nugget/taskagent/internal/llm"
)

func TestExtractHTML(t *testing.T) {
	page := `<!DOCTYPE html>
<html>
<head><title>Test Page</title></head>
<body>
<nav>Navigation stuff <a href="/home">Home</a></nav>
<script>var x = 1;</script>
<style>.foo { color: red; }</style>
<main>
<h1>Hello World</h1>
<p>This is a test paragraph with <strong>bold text</strong>.</p>
<p>See <a href="docs/intro.html">the   intro</a> or <a href="#top">top</a>.</p>
<p><a href="https://other.example/x">Elsewhere</a></p>
</main>
<footer>Footer stuff</footer>
</body>
</html>`

	base, _ := url.Parse("https://site.example/guide/")
	title, text, links := extractHTML(page, base)

	if title != "Test Page" {
		t.Errorf("title = %q, want %q", title, "Test Page")
	}
	for _, want := range []string{"Hello World", "bold text", "the intro"} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q:\n%s", want, text)
		}
	}
	for _, unwanted := range []string{"var x = 1", "Navigation stuff", "Footer stuff", "color: red"} {
		if strings.Contains(text, unwanted) {
			t.Errorf("text should not contain %q", unwanted)
		}
	}

	wantLinks := []Link{
		{Text: "the intro", URL: "https://site.example/guide/docs/intro.html"},
		{Text: "Elsewhere", URL: "https://other.example/x"},
	}
	if len(links) != len(wantLinks) {
		t.Fatalf("links = %+v, want %+v", links, wantLinks)
	}
	for i := range wantLinks {
		if links[i] != wantLinks[i] {
			t.Errorf("links[%d] = %+v, want %+v", i, links[i], wantLinks[i])
		}
	}
	if got := links[1].String(); got != "Elsewhere (https://other.example/x)" {
		t.Errorf("Link.String() = %q", got)
	}
}

func TestFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "TaskAgent/") {
			t.Errorf("User-Agent = %q, want TaskAgent/...", ua)
		}
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte(`<html><head><title>Test</title></head><body><p>Hello from test server</p><a href="/next">Next</a></body></html>`))
		case "/plain":
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("Just   plain text\n\n\ncontent"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	f := New(nil)

	page, err := f.Fetch(context.Background(), ts.URL+"/page")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if page.Title != "Test" || !strings.Contains(page.Text, "Hello from test server") {
		t.Errorf("page = %+v", page)
	}
	if len(page.Links) != 1 || page.Links[0].URL != ts.URL+"/next" {
		t.Errorf("links = %+v", page.Links)
	}

	plain, err := f.Fetch(context.Background(), ts.URL+"/plain")
	if err != nil {
		t.Fatalf("Fetch plain: %v", err)
	}
	if plain.Text != "Just plain text\ncontent" {
		t.Errorf("plain text = %q", plain.Text)
	}

	_, err = f.Fetch(context.Background(), ts.URL+"/missing")
	if err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Errorf("error = %v, want HTTP 404", err)
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		raw string
		ok  bool
	}{
		{"https://example.com/a", true},
		{"http://localhost:8080", true},
		{"", false},
		{"file:///etc/passwd", false},
		{"example.com", false},
		{"ftp://example.com", false},
		{"https://", false},
	}
	for _, tt := range tests {
		_, err := ValidateURL(tt.raw)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateURL(%q) error = %v, want ok=%v", tt.raw, err, tt.ok)
		}
	}
}

func TestSplitText(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		maxLen int
		want   []string
	}{
		{"fits", "a\nb", 10, []string{"a\nb"}},
		{"splits on lines", "aaaa\nbbbb\ncc", 9, []string{"aaaa\nbbbb", "cc"}},
		{"long line", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"multibyte", "ééé", 3, []string{"é", "é", "é"}},
		{"empty", "", 5, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitText(tt.text, tt.maxLen)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("SplitText(%q, %d) = %q, want %q", tt.text, tt.maxLen, got, tt.want)
			}
			for _, c := range got {
				if len(c) > tt.maxLen {
					t.Errorf("chunk %q exceeds %d bytes", c, tt.maxLen)
				}
			}
		})
	}
}

type fakeCompleter struct {
	mu    sync.Mutex
	calls []llm.CompletionRequest
	err   error
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.CompletionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return "", f.err
	}
	return "summary " + string(rune('A'+len(f.calls)-1)), nil
}

func TestSummarize(t *testing.T) {
	c := &fakeCompleter{}
	s := NewSummarizer(c, "gpt-3.5-turbo", nil)
	s.chunkSize = 10

	got, err := s.Summarize(context.Background(), "https://x.example", "first one\nsecond", "what is it?")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	// Two chunks, then one call over the joined summaries.
	if len(c.calls) != 3 {
		t.Fatalf("completion calls = %d, want 3", len(c.calls))
	}
	if got != "summary C" {
		t.Errorf("answer = %q, want final combined summary", got)
	}
	final := c.calls[2].Messages[0].Content
	if !strings.Contains(final, "summary A\nsummary B") || !strings.Contains(final, `"what is it?"`) {
		t.Errorf("final prompt = %q", final)
	}
	if c.calls[0].Model != "gpt-3.5-turbo" || c.calls[0].MaxTokens != 300 {
		t.Errorf("request = %+v", c.calls[0])
	}
}

func TestSummarize_SingleChunkAndErrors(t *testing.T) {
	c := &fakeCompleter{}
	s := NewSummarizer(c, "m", nil)

	got, err := s.Summarize(context.Background(), "src", "short page", "q")
	if err != nil || got != "summary A" || len(c.calls) != 1 {
		t.Errorf("Summarize = %q, %v after %d calls", got, err, len(c.calls))
	}

	if _, err := s.Summarize(context.Background(), "src", "   ", "q"); err == nil {
		t.Error("expected error for empty text")
	}

	boom := errors.New("model down")
	s = NewSummarizer(&fakeCompleter{err: boom}, "m", nil)
	if _, err := s.Summarize(context.Background(), "src", "text", "q"); !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped %v", err, boom)
	}
}
