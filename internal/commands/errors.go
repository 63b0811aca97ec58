package commands

import "fmt"

// ErrUnknownCommand is returned for a command name that is not
// registered. Its message is written for the model, which sees it as the
// round result and can correct itself.
type ErrUnknownCommand struct {
	Name string
}

// Error implements the error interface.
func (e *ErrUnknownCommand) Error() string {
	return fmt.Sprintf("Unknown command '%s'. Please refer to the 'COMMANDS' list for available commands and only respond in the specified JSON format.", e.Name)
}
