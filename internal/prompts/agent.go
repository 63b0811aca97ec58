package prompts

import (
	"fmt"
	"strings"
)

// DefaultAIName is used when the operator does not name the agent.
const DefaultAIName = "Entrepreneur-GPT"

// TriggeringPrompt is the last message of every request. It sits after
// the contextual messages so the model's final instruction is always to
// choose the next command.
const TriggeringPrompt = "Determine which next command to use, and respond using the format specified above:"

// Command lines for the commands the loop handles itself.
const (
	taskCompleteLine  = `Task Complete (Shutdown): "task_complete", args: "reason": "<reason>"`
	humanFeedbackLine = `Ask The User: "human_feedback", args: "question": "<question>"`
)

const systemTemplate = `You are %s, %s
Your decisions must always be made independently without seeking user assistance. Play to your strengths as an LLM and pursue simple strategies with no legal complications.

GOALS:

%s


Constraints:
1. ~4000 word limit for short term memory. Your short term memory is short, so immediately save important information to files.
2. If you are unsure how you previously did something or want to recall past events, thinking about similar events will help you remember.
3. No user assistance
4. Exclusively use the commands listed in double quotes e.g. "command name"
5. Use subprocesses for commands that will not terminate within a few minutes

Commands:
%s

Resources:
1. Internet access for searches and information gathering.
2. Long Term memory management.
3. GPT-3.5 powered Agents for delegation of simple tasks.
4. File output.

Performance Evaluation:
1. Continuously review and analyze your actions to ensure you are performing to the best of your abilities.
2. Constructively self-criticize your big-picture behavior constantly.
3. Reflect on past decisions and strategies to refine your approach.
4. Every command has a cost, so be smart and efficient. Aim to complete tasks in the least number of steps.

You should only respond in JSON format as described below 
Response Format: 
%s
Ensure the response can be parsed by a strict JSON parser`

// ResponseFormat is the JSON shape the model is asked to produce.
const ResponseFormat = `{
    "thoughts": {
        "text": "thought",
        "reasoning": "reasoning",
        "plan": "- short bulleted\n- list that conveys\n- long-term plan",
        "criticism": "constructive self-criticism",
        "speak": "thoughts summary to say to user"
    },
    "command": {
        "name": "command name",
        "args": {
            "arg name": "value"
        }
    }
}`

// SystemInput carries the dynamic parts of the system prompt.
type SystemInput struct {
	AIName      string
	Description string
	Goals       []string

	// Commands are the registered command lines, unnumbered.
	Commands []string

	// AllowFeedback lists human_feedback among the commands.
	AllowFeedback bool
}

// SystemPrompt builds the prompt that opens every request of a run.
func SystemPrompt(in SystemInput) string {
	name := in.AIName
	if name == "" {
		name = DefaultAIName
	}

	lines := append([]string(nil), in.Commands...)
	if in.AllowFeedback {
		lines = append(lines, humanFeedbackLine)
	}
	lines = append(lines, taskCompleteLine)

	var cmds strings.Builder
	for i, l := range lines {
		if i > 0 {
			cmds.WriteByte('\n')
		}
		fmt.Fprintf(&cmds, "%d. %s", i+1, l)
	}

	return fmt.Sprintf(systemTemplate, name, in.Description,
		strings.Join(in.Goals, "\n"), cmds.String(), ResponseFormat)
}
