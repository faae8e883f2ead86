package rag

import (
	"fmt"
	"strings"

	"github.com/relaydesk/relay/internal/chat"
)

const defaultSystemPrompt = `You are a helpful customer support assistant. Answer using the provided context when it is relevant. If the context does not cover the question, say so honestly and offer to connect the customer with a human agent. Keep answers short and concrete.`

// BuildPrompt composes the chat messages for one generation: system
// instructions, conversation memory, retrieved document context, and the
// current query.
func BuildPrompt(systemPrompt string, memory MemoryState, chunks []Chunk, query string) []chat.Message {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = defaultSystemPrompt
	}

	var system strings.Builder
	system.WriteString(systemPrompt)
	if memory.Summary != "" {
		system.WriteString("\n\nConversation summary:\n")
		system.WriteString(memory.Summary)
	}
	if len(chunks) > 0 {
		system.WriteString("\n\nRelevant documentation:\n")
		for i, chunk := range chunks {
			fmt.Fprintf(&system, "[%d] %s\n", i+1, strings.TrimSpace(chunk.Content))
		}
	}

	messages := []chat.Message{{Role: chat.RoleSystem, Content: system.String()}}
	for _, entry := range memory.Entries {
		role := chat.RoleUser
		if entry.Role == "bot" || entry.Role == "agent" || entry.Role == chat.RoleAssistant {
			role = chat.RoleAssistant
		}
		messages = append(messages, chat.Message{Role: role, Content: entry.Text})
	}
	messages = append(messages, chat.Message{Role: chat.RoleUser, Content: query})
	return messages
}
