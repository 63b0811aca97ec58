package decision

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// schemaSource describes an acceptable reply. Unknown extra fields are
// tolerated; the five thought fields, a non-empty command name and an
// args object are required.
const schemaSource = `
#Decision: {
	thoughts!: {
		text!:      string
		reasoning!: string
		plan!:      string
		criticism!: string
		speak!:     string
		...
	}
	command!: {
		name!: string & !=""
		args!: {[string]: _}
		...
	}
	...
}
`

// Schema validates parsed replies against the decision definition.
// A cue.Context is not safe for concurrent use, so calls serialize.
type Schema struct {
	mu  sync.Mutex
	ctx *cue.Context
	def cue.Value
}

// NewSchema compiles the decision schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(schemaSource, cue.Filename("decision.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile decision schema: %w", err)
	}
	def := root.LookupPath(cue.ParsePath("#Decision"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("lookup #Decision: %w", err)
	}
	return &Schema{ctx: ctx, def: def}, nil
}

// Validate reports whether v, a value produced by encoding/json,
// satisfies the schema.
func (s *Schema) Validate(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded := s.ctx.Encode(v)
	if err := encoded.Err(); err != nil {
		return err
	}
	return s.def.Unify(encoded).Validate(cue.Concrete(true))
}
