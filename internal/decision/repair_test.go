package decision

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

const validReply = `{
    "thoughts": {
        "text": "search first",
        "reasoning": "need sources",
        "plan": "- search\n- read",
        "criticism": "be brief",
        "speak": "Searching now"
    },
    "command": {
        "name": "google",
        "args": {"input": "golang generics"}
    }
}`

func newTestRepairer(t *testing.T) *Repairer {
	t.Helper()
	r, err := NewRepairer(nil)
	if err != nil {
		t.Fatalf("NewRepairer: %v", err)
	}
	return r
}

func TestRepair_StrictMatchesDirectParse(t *testing.T) {
	r := newTestRepairer(t)

	inputs := []string{
		validReply,
		`{"thoughts":{"text":"","reasoning":"","plan":"","criticism":"","speak":""},"command":{"name":"do_nothing","args":{}}}`,
		`{"thoughts":{"text":"t","reasoning":"r","plan":"p","criticism":"c","speak":"s"},"command":{"name":"task_complete","args":{"reason":"done"}}}`,
	}

	for _, in := range inputs {
		got, ok := r.Repair(in)
		if !ok {
			t.Fatalf("Repair(%q) failed", in)
		}
		var want Decision
		if err := json.Unmarshal([]byte(in), &want); err != nil {
			t.Fatal(err)
		}
		if want.Command.Args == nil {
			want.Command.Args = map[string]string{}
		}
		if !reflect.DeepEqual(*got, want) {
			t.Errorf("Repair = %+v, want %+v", *got, want)
		}
	}
}

func TestRepair_ExtractsFromProse(t *testing.T) {
	r := newTestRepairer(t)

	tests := []struct {
		name string
		raw  string
	}{
		{"leading prose", "Sure! Here is my next step:\n" + validReply},
		{"trailing prose", validReply + "\nLet me know if that helps."},
		{"both", "Thinking... " + validReply + " -- end"},
		{"code fence", "```json\n" + validReply + "\n```"},
		{"decoy braces before", "Format {like this}. " + validReply},
		{"braces in strings", `note: {"thoughts":{"text":"use {x}","reasoning":"}","plan":"","criticism":"","speak":""},"command":{"name":"google","args":{"input":"golang generics"}}} ok`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.Repair(tt.raw)
			if !ok {
				t.Fatalf("Repair failed for %q", tt.raw)
			}
			if got.Command.Name != "google" || got.Command.Args["input"] != "golang generics" {
				t.Errorf("command = %+v", got.Command)
			}
		})
	}
}

func TestRepair_Lenient(t *testing.T) {
	r := newTestRepairer(t)

	tests := []struct {
		name     string
		raw      string
		wantName string
		wantArg  string
	}{
		{
			name:     "trailing commas",
			raw:      `{"thoughts":{"text":"a","reasoning":"b","plan":"c","criticism":"d","speak":"e",},"command":{"name":"google","args":{"input":"x",},},}`,
			wantName: "google",
			wantArg:  "x",
		},
		{
			name:     "single quotes",
			raw:      `{'thoughts':{'text':'a','reasoning':'b','plan':'c','criticism':'d','speak':'e'},'command':{'name':'google','args':{'input':'say "hi"'}}}`,
			wantName: "google",
			wantArg:  `say "hi"`,
		},
		{
			name:     "bareword keys",
			raw:      `{thoughts:{text:"a",reasoning:"b",plan:"c",criticism:"d",speak:"e"},command:{name:"google",args:{input:"k: v"}}}`,
			wantName: "google",
			wantArg:  "k: v",
		},
		{
			name:     "invalid escapes",
			raw:      `{"thoughts":{"text":"C:\path","reasoning":"b","plan":"c","criticism":"d","speak":"e"},"command":{"name":"read_file","args":{"file":"C:\dir\notes.txt"}}}`,
			wantName: "read_file",
			wantArg:  "C:dir\notes.txt",
		},
		{
			name:     "raw newline in string",
			raw:      "{\"thoughts\":{\"text\":\"a\",\"reasoning\":\"b\",\"plan\":\"- one\n- two\",\"criticism\":\"d\",\"speak\":\"e\"},\"command\":{\"name\":\"google\",\"args\":{\"input\":\"x\"}}}",
			wantName: "google",
			wantArg:  "x",
		},
		{
			name:     "smart quotes",
			raw:      `{“thoughts”:{“text”:“a”,“reasoning”:“b”,“plan”:“c”,“criticism”:“d”,“speak”:“e”},“command”:{“name”:“google”,“args”:{“input”:“x”}}}`,
			wantName: "google",
			wantArg:  "x",
		},
		{
			name:     "truncated",
			raw:      `{"thoughts":{"text":"a","reasoning":"b","plan":"c","criticism":"d","speak":"e"},"command":{"name":"google","args":{"input":"partial sea`,
			wantName: "google",
			wantArg:  "partial sea",
		},
		{
			name:     "truncated after comma",
			raw:      "Here you go: {\"thoughts\":{\"text\":\"a\",\"reasoning\":\"b\",\"plan\":\"c\",\"criticism\":\"d\",\"speak\":\"e\"},\"command\":{\"name\":\"do_nothing\",\"args\":{},",
			wantName: "do_nothing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.Repair(tt.raw)
			if !ok {
				t.Fatalf("Repair failed for %q", tt.raw)
			}
			if got.Command.Name != tt.wantName {
				t.Errorf("name = %q, want %q", got.Command.Name, tt.wantName)
			}
			if tt.wantArg != "" {
				var arg string
				for _, v := range got.Command.Args {
					arg = v
				}
				if arg != tt.wantArg {
					t.Errorf("arg = %q, want %q", arg, tt.wantArg)
				}
			}
		})
	}
}

func TestRepair_Unrecoverable(t *testing.T) {
	r := newTestRepairer(t)

	inputs := []string{
		"",
		"   ",
		"I cannot help with that.",
		"{",
		"}}}{{{",
		"[1, 2, 3]",
		`"just a string"`,
		"null",
		`{"command":{"name":"google","args":{}}}`,
		`{"thoughts":{"text":"a","reasoning":"b","plan":"c","criticism":"d","speak":"e"},"command":{"name":"","args":{}}}`,
		`{"thoughts":{"text":"a","reasoning":"b","plan":"c","criticism":"d","speak":"e"},"command":{"name":"google"}}`,
		`{"thoughts":{"text":"a","reasoning":"b","plan":"c","criticism":"d","speak":"e"},"command":{"name":"google","args":"x"}}`,
		`{"thoughts":{"text":1,"reasoning":"b","plan":"c","criticism":"d","speak":"e"},"command":{"name":"google","args":{}}}`,
		strings.Repeat("{\"a\":", 200),
	}

	for _, in := range inputs {
		got, ok := r.Repair(in)
		if ok || got != nil {
			t.Errorf("Repair(%.40q) = %+v, %v; want nil, false", in, got, ok)
		}
	}
}

func TestRepair_NonStringArgsRendered(t *testing.T) {
	r := newTestRepairer(t)
	raw := `{"thoughts":{"text":"a","reasoning":"b","plan":"c","criticism":"d","speak":"e","extra":"ok"},"command":{"name":"browse_website","args":{"url":"https://go.dev","depth":2,"follow":true,"tags":["a","b"],"none":null}}}`

	got, ok := r.Repair(raw)
	if !ok {
		t.Fatal("Repair failed")
	}
	want := map[string]string{
		"url":    "https://go.dev",
		"depth":  "2",
		"follow": "true",
		"tags":   `["a","b"]`,
		"none":   "",
	}
	if !reflect.DeepEqual(got.Command.Args, want) {
		t.Errorf("args = %v, want %v", got.Command.Args, want)
	}
}

func TestRepair_NumbersKeepTheirDigits(t *testing.T) {
	r := newTestRepairer(t)
	tests := []struct {
		name string
		args string
		want map[string]string
	}{
		{
			name: "integer beyond float64 precision",
			args: `{"n":12345678901234567890}`,
			want: map[string]string{"n": "12345678901234567890"},
		},
		{
			name: "decimal trailing zero",
			args: `{"price":0.10,"exp":1e3}`,
			want: map[string]string{"price": "0.10", "exp": "1e3"},
		},
		{
			name: "numbers nested in a list",
			args: `{"ids":[9007199254740993,1.50]}`,
			want: map[string]string{"ids": "[9007199254740993,1.50]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := `{"thoughts":{"text":"a","reasoning":"b","plan":"c","criticism":"d","speak":"e"},"command":{"name":"do_it","args":` + tt.args + `}}`
			got, ok := r.Repair(raw)
			if !ok {
				t.Fatal("Repair failed")
			}
			if !reflect.DeepEqual(got.Command.Args, tt.want) {
				t.Errorf("args = %v, want %v", got.Command.Args, tt.want)
			}
		})
	}
}

func TestArgsString(t *testing.T) {
	c := Command{Name: "x", Args: map[string]string{"url": "x", "a": "1"}}
	if got, want := c.ArgsString(), `{"a": "1", "url": "x"}`; got != want {
		t.Errorf("ArgsString = %s, want %s", got, want)
	}
	if got := (Command{}).ArgsString(); got != "{}" {
		t.Errorf("empty ArgsString = %s", got)
	}
}
