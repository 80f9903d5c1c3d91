// Package protocol defines the JSON message vocabulary exchanged with chat
// clients over the websocket.
package protocol

import "github.com/refurd/rag/internal/domain"

// Message types from client to server.
const (
	TypeSendMessage   = "send_message"
	TypeUpdateMessage = "update_message"
)

// Message types from server to client.
const (
	TypeConnected      = "connected"
	TypeStream         = "stream"
	TypeRAGSources     = "rag_sources"
	TypeRAGError       = "rag_error"
	TypeMessageUpdated = "message_updated"
	TypeError          = "error"
)

// Envelope carries only the type discriminator, used to dispatch incoming
// messages before full decoding.
type Envelope struct {
	Type string `json:"type"`
}

// SendMessage asks for a new user turn (or a regeneration of the last
// assistant turn when Regenerate is set).
type SendMessage struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	MessageID  string `json:"message_id,omitempty"`
	Regenerate bool   `json:"regenerate,omitempty"`
	UseRAG     bool   `json:"use_rag,omitempty"`
}

// UpdateMessage edits a historical display message in place.
type UpdateMessage struct {
	Type       string `json:"type"`
	MessageID  string `json:"message_id"`
	NewContent string `json:"new_content"`
}

// Connected is sent once per join and replays the current display history.
type Connected struct {
	Type      string                  `json:"type"`
	SessionID string                  `json:"session_id"`
	Messages  []domain.DisplayMessage `json:"messages"`
}

// Stream carries one incremental fragment of a model response. An empty
// fragment with Done false opens the stream; an empty fragment with Done true
// closes it.
type Stream struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	Done      bool   `json:"done"`
}

// RAGSource is one ranked retrieval hit shown to the user.
type RAGSource struct {
	Source         string  `json:"source"`
	Content        string  `json:"content"`
	RelevanceScore float64 `json:"relevance_score"`
}

// RAGSources announces the snippets injected into the prompt for the turn
// being generated, in the retrieval service's own ranking order.
type RAGSources struct {
	Type    string      `json:"type"`
	Sources []RAGSource `json:"sources"`
}

// RAGError reports a retrieval failure; the turn proceeds unaugmented.
type RAGError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// MessageUpdated confirms an in-place edit to all subscribers.
type MessageUpdated struct {
	Type       string `json:"type"`
	MessageID  string `json:"message_id"`
	NewContent string `json:"new_content"`
}

// Error surfaces a failed operation to the session.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
