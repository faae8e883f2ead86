// Package rag generates automated replies: it combines a per-tenant response
// cache, short-term conversation memory, embedding-based document retrieval,
// and a language-model call with provider fallback.
package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// CacheEntry is one cached generation keyed by tenant and normalized query.
type CacheEntry struct {
	TenantID         string         `json:"tenant_id"`
	QueryHash        string         `json:"query_hash"`
	ResponseText     string         `json:"response_text"`
	RetrievalContext []Chunk        `json:"retrieval_context,omitempty"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	HitCount         int            `json:"hit_count"`
	LastUsedAt       time.Time      `json:"last_used_at,omitzero"`
}

// Chunk is one retrieved document fragment with its similarity score.
type Chunk struct {
	DocumentID string  `json:"document_id,omitempty"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// MemoryEntry is one remembered conversation turn.
type MemoryEntry struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at,omitzero"`
}

// MemoryState is the short-term memory attached to a conversation: the most
// recent turns plus an optional long-lived summary. Once the window overflows
// the oldest entries are dropped; no summarization is performed.
type MemoryState struct {
	Entries []MemoryEntry `json:"entries"`
	Summary string        `json:"summary,omitempty"`
}

// Reply is the outcome of one generation.
type Reply struct {
	Text             string
	FromCache        bool
	RetrievalContext []Chunk
	PromptTokens     int
	CompletionTokens int
}

// NormalizeQuery case-folds and collapses whitespace so trivially different
// phrasings of the same query share a cache entry.
func NormalizeQuery(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// QueryHash hashes a normalized query for cache keying.
func QueryHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
