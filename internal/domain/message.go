// Package domain defines the core data model shared across the engine.
package domain

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one entry in the exact message sequence sent to the completion
// service. The first turn of every session is the system turn and is never
// removed.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SourceRef points at a retrieved document snippet that was injected into the
// prompt for an assistant turn.
type SourceRef struct {
	Source         string  `json:"source"`
	ContentPreview string  `json:"content_preview"`
	RelevanceScore float64 `json:"relevance_score"`
}

// DisplayMessage is one entry in the user-facing rendered history. Its content
// may differ from the matching Turn when retrieval context was injected into
// the prompt only.
type DisplayMessage struct {
	ID         string      `json:"id"`
	Role       string      `json:"role"`
	Content    string      `json:"content"`
	Edited     bool        `json:"edited"`
	RAGSources []SourceRef `json:"rag_sources,omitempty"`
}

// SearchResult is a single ranked hit returned by the retrieval service.
type SearchResult struct {
	Source         string  `json:"source"`
	Content        string  `json:"content"`
	RelevanceScore float64 `json:"relevance_score"`
}
