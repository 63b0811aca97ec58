package prompts

import (
	"fmt"
	"time"
)

// CurrentTime is the system message that tells the model the wall clock
// time at the start of a round.
func CurrentTime(now time.Time) string {
	return "The current time and date is " + now.Format("Mon Jan 2 15:04:05 2006")
}

// MemoryRecall presents the memory entries related to recent history.
// relevant is the rendered list of entries.
func MemoryRecall(relevant string) string {
	return fmt.Sprintf("This reminds you of these events from your past:\n%s\n\n", relevant)
}

// Round results as they are fed back to the model.

// CommandError is the result for a command whose name reports an error.
func CommandError(name, args string) string {
	return fmt.Sprintf("Command %s threw the following error: %s", name, args)
}

// CommandResult is the result of a dispatched command.
func CommandResult(name, output string) string {
	return fmt.Sprintf("Command %s returned: %s", name, output)
}

// HumanFeedback is the result of a human_feedback round.
func HumanFeedback(feedback string) string {
	return "Human feedback: " + feedback
}

// UnableToExecute is recorded when a round produced no result.
const UnableToExecute = "Unable to execute command"

// MemoryEntry is the text stored in long-term memory after every round.
func MemoryEntry(reply, result, feedback string) string {
	return fmt.Sprintf("Assistant Reply: %s \nResult: %s \nHuman Feedback: %s ", reply, result, feedback)
}
