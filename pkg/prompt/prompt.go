// Package prompt builds the grounding prompt handed to the text generator
// and extracts the answer from what the generator returns.
package prompt

import (
	"strings"

	"github.com/perbu/complaintrag/pkg/complaintrag"
)

// AnswerMarker ends every assembled prompt. The generator's answer follows it.
const AnswerMarker = "Answer:"

const preamble = "You are a financial analyst assistant for CrediTrust. " +
	"Your task is to answer questions about customer complaints. " +
	"Use only the provided context to formulate your answer. " +
	"If the context doesn't contain the answer, state that you don't have enough information."

// Assemble renders the prompt for question grounded on the retrieved
// fragments. Fragments appear in result order, separated by blank lines,
// and are neither reordered nor deduplicated. An empty result gives an
// empty context section, which the preamble tells the model to report.
func Assemble(question string, result complaintrag.Result) string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(preamble)
	b.WriteString("\n\nContext:\n")
	b.WriteString(strings.Join(result.Texts(), "\n\n"))
	b.WriteString("\n\nQuestion:\n")
	b.WriteString(question)
	b.WriteString("\n\n")
	b.WriteString(AnswerMarker)
	b.WriteString("\n")
	return b.String()
}

// ExtractAnswer returns the text after the first AnswerMarker in a
// generator continuation, trimmed. Completion models echo the prompt, so
// the marker is usually present. Without one the whole continuation is the
// answer.
func ExtractAnswer(continuation string) string {
	if _, after, ok := strings.Cut(continuation, AnswerMarker); ok {
		// Only the segment up to a second marker counts.
		if before, _, again := strings.Cut(after, AnswerMarker); again {
			after = before
		}
		return strings.TrimSpace(after)
	}
	return strings.TrimSpace(continuation)
}
