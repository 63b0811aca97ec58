package prompts

import "fmt"

// BrowseQuestion asks the model to answer question from a piece of page
// text, or to summarize it when the text has no answer.
func BrowseQuestion(text, question string) string {
	return fmt.Sprintf(`"""%s""" Using the above text, please answer the following question: "%s" -- if the question cannot be answered using the text, please summarize the text.`,
		text, question)
}
