// Package prompts contains the prompt text sent to models by the agent.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation and can be checked by
// tests. Each prompt category has its own file with an exported function
// that accepts the dynamic parts and returns the finished string.
package prompts
