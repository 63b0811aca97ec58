package commands

import "context"

// Recorder stores free text in long-term memory. memory.Store satisfies
// it.
type Recorder interface {
	Add(ctx context.Context, text string) (string, error)
}

// RegisterBuiltins adds do_nothing and, when mem is non-nil,
// memory_add.
func RegisterBuiltins(r *Registry, mem Recorder) error {
	err := r.Register(&Command{
		Name:  "do_nothing",
		Label: "Do Nothing",
		Handler: func(context.Context, map[string]string) (string, error) {
			return "No action performed.", nil
		},
	})
	if err != nil || mem == nil {
		return err
	}

	return r.Register(&Command{
		Name:  "memory_add",
		Label: "Memory Add",
		Args:  []Arg{{"string", "<string>"}},
		Handler: func(ctx context.Context, args map[string]string) (string, error) {
			text, err := requireArg(args, "string")
			if err != nil {
				return "", err
			}
			return mem.Add(ctx, text)
		},
	})
}
