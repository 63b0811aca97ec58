package decision

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// Transform is a pure rewrite applied to reply text before parsing.
type Transform struct {
	Name  string
	Apply func(string) string
}

// LenientTransforms are applied cumulatively, in order, with a parse
// attempt after each one.
var LenientTransforms = []Transform{
	{Name: "strip_fences", Apply: StripCodeFences},
	{Name: "fix_escapes", Apply: FixInvalidEscapes},
	{Name: "smart_quotes", Apply: NormalizeQuotes},
	{Name: "single_quotes", Apply: RequoteSingleQuoted},
	{Name: "bareword_keys", Apply: QuoteBarewordKeys},
	{Name: "trailing_commas", Apply: RemoveTrailingCommas},
	{Name: "balance", Apply: BalanceBrackets},
}

// maxLenientCandidates bounds how many substrings the lenient
// transforms are run against.
const maxLenientCandidates = 4

// Repairer converts raw model replies into validated decisions.
type Repairer struct {
	schema *Schema
	logger *slog.Logger
}

// NewRepairer creates a Repairer with the built-in decision schema.
func NewRepairer(logger *slog.Logger) (*Repairer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := NewSchema()
	if err != nil {
		return nil, err
	}
	return &Repairer{schema: schema, logger: logger}, nil
}

// Repair runs the strategies in order and returns the first decision
// that validates. The boolean is false when every strategy failed; the
// returned decision is then nil. Repair never panics on bad input.
func (r *Repairer) Repair(raw string) (*Decision, bool) {
	trimmed := strings.TrimSpace(raw)

	if d, ok := r.try("strict", trimmed); ok {
		return d, true
	}

	unfenced := StripCodeFences(trimmed)
	regions := ExtractObjects(unfenced)
	for _, region := range regions {
		if d, ok := r.try("extract", region); ok {
			return d, true
		}
	}

	candidates := []string{fromFirstBrace(unfenced)}
	for _, region := range regions {
		if region != candidates[0] && len(candidates) < maxLenientCandidates {
			candidates = append(candidates, region)
		}
	}
	for _, candidate := range candidates {
		for _, t := range LenientTransforms {
			candidate = t.Apply(candidate)
			if d, ok := r.try("lenient:"+t.Name, candidate); ok {
				return d, true
			}
		}
	}

	r.logger.Warn("model reply could not be repaired", "length", len(raw))
	return nil, false
}

// try parses text strictly and validates it.
func (r *Repairer) try(strategy, text string) (*Decision, bool) {
	if text == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, false
	}
	if err := r.schema.Validate(v); err != nil {
		r.logger.Debug("parsed reply failed schema validation", "strategy", strategy, "error", err)
		return nil, false
	}
	d, err := decode(text)
	if err != nil {
		r.logger.Debug("validated reply failed to decode", "strategy", strategy, "error", err)
		return nil, false
	}
	if strategy != "strict" {
		r.logger.Debug("model reply repaired", "strategy", strategy)
	}
	return d, true
}

// ExtractObjects returns the balanced top-level {...} regions of s in
// order, skipping braces inside string literals. An opening brace that
// is never closed is skipped in favor of the next one.
func ExtractObjects(s string) []string {
	var regions []string
	for i := 0; i < len(s); {
		start := strings.IndexByte(s[i:], '{')
		if start == -1 {
			break
		}
		start += i
		end := matchingBrace(s, start)
		if end == -1 {
			i = start + 1
			continue
		}
		regions = append(regions, s[start:end+1])
		i = end + 1
	}
	return regions
}

// matchingBrace returns the index of the brace closing the one at
// open, or -1 if the text ends first.
func matchingBrace(s string, open int) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func fromFirstBrace(s string) string {
	if i := strings.IndexByte(s, '{'); i >= 0 {
		return s[i:]
	}
	return s
}
