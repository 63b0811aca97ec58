// Package decision turns free-form model replies into validated
// next-action decisions.
//
// Model output is frequently malformed: wrapped in prose or code fences,
// truncated, single-quoted, or carrying trailing commas. [Repairer]
// tries an ordered list of strategies, cheapest first, and accepts the
// first parse that satisfies the decision schema. When nothing
// validates, Repair reports failure instead of returning a partially
// trusted value.
package decision

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Thoughts is the model's reasoning for the chosen command.
type Thoughts struct {
	Text      string `json:"text"`
	Reasoning string `json:"reasoning"`
	Plan      string `json:"plan"`
	Criticism string `json:"criticism"`
	Speak     string `json:"speak"`
}

// Command names the next action and its arguments.
type Command struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args"`
}

// Decision is one validated model reply.
type Decision struct {
	Thoughts Thoughts `json:"thoughts"`
	Command  Command  `json:"command"`
}

// ArgsString renders the arguments deterministically, sorted by key,
// for result messages and logs.
func (c Command) ArgsString() string {
	keys := make([]string, 0, len(c.Args))
	for k := range c.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q: %q", k, c.Args[k])
	}
	b.WriteByte('}')
	return b.String()
}

// wireDecision mirrors Decision with loosely typed arguments so numbers
// and booleans produced by the model survive decoding.
type wireDecision struct {
	Thoughts Thoughts `json:"thoughts"`
	Command  struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"command"`
}

// decode reads a schema-validated reply into a Decision. Numbers are
// kept as written, so large integers and decimals like 0.10 reach the
// command unchanged.
func decode(text string) (*Decision, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var w wireDecision
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}

	d := &Decision{
		Thoughts: w.Thoughts,
		Command: Command{
			Name: w.Command.Name,
			Args: make(map[string]string, len(w.Command.Args)),
		},
	}
	for k, val := range w.Command.Args {
		d.Command.Args[k] = argText(val)
	}
	return d, nil
}

func argText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}
