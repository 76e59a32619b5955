package rag

import "strings"

// SystemPreamble is the fixed instruction block for every chat turn.
const SystemPreamble = `You are a helpful assistant with access to the user's documents. Answer accurately using the provided context. If the information isn't in the documents, say so clearly.`

// BuildSystemPrompt combines the preamble with the retrieved context.
// With no context the preamble stands alone and the model answers from
// general knowledge.
func BuildSystemPrompt(context string) string {
	if context == "" {
		return SystemPreamble
	}

	var sb strings.Builder
	sb.WriteString(SystemPreamble)
	sb.WriteString("\n\nContext from the user's documents:\n\n")
	sb.WriteString(context)
	return sb.String()
}
