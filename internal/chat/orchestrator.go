// Package chat drives user turns end to end: retrieval augmentation, prompt
// assembly, completion streaming, and in-place edits of past messages.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/refurd/rag/internal/domain"
	"github.com/refurd/rag/internal/protocol"
	"github.com/refurd/rag/internal/session"
)

const (
	// ragTopK is the number of retrieval hits injected into the prompt.
	ragTopK = 3

	// promptExcerptLimit bounds each snippet injected into the prompt.
	promptExcerptLimit = 500

	// previewLimit bounds the snippet previews shown to the user.
	previewLimit = 200
)

// Broker broadcasts events to the subscribers of a session.
type Broker interface {
	Publish(sessionID string, event any)
}

// CompletionService yields a finite, in-order sequence of text deltas for the
// given prompt history. onDelta is called once per fragment; returning an
// error aborts the stream.
type CompletionService interface {
	StreamChat(ctx context.Context, turns []domain.Turn, onDelta func(delta string) error) error
}

// RetrievalService searches the ingested document corpus.
type RetrievalService interface {
	IsReady(ctx context.Context) bool
	Search(ctx context.Context, query string, topK int) ([]domain.SearchResult, error)
}

// Orchestrator coordinates session state, the broker, and the collaborators
// for one inbound action at a time per session.
type Orchestrator struct {
	store      *session.Store
	broker     Broker
	completion CompletionService
	retrieval  RetrievalService // nil when no retrieval sidecar is configured
	reconciler *Reconciler
	log        zerolog.Logger
}

// New wires an orchestrator. retrieval may be nil.
func New(store *session.Store, broker Broker, completion CompletionService, retrieval RetrievalService, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:      store,
		broker:     broker,
		completion: completion,
		retrieval:  retrieval,
		reconciler: NewReconciler(store, broker, log),
		log:        log.With().Str("component", "chat").Logger(),
	}
}

// HandleSend runs one user turn: validate, optionally pop the last assistant
// turn (regenerate), optionally augment with retrieval context, commit the
// user turn, stream the completion, and commit the assistant turn.
//
// The session's turn lock is held for the whole call, so no other send or
// regenerate can interleave into the same session's history while the stream
// is active. Edits of already committed messages stay allowed.
func (o *Orchestrator) HandleSend(ctx context.Context, sessionID, text, clientMessageID string, regenerate, useRAG bool) error {
	if text == "" && !regenerate {
		o.broker.Publish(sessionID, protocol.Error{Type: protocol.TypeError, Message: "message cannot be empty"})
		return fmt.Errorf("empty message: %w", domain.ErrValidation)
	}

	sess := o.store.BeginTurn(sessionID)
	defer sess.EndTurn()

	if regenerate {
		sess.PopLastAssistantTurnIfPresent()
	}

	augmented := text
	var sources []domain.SourceRef
	if useRAG && o.retrieval != nil && o.retrieval.IsReady(ctx) {
		results, err := o.retrieval.Search(ctx, text, ragTopK)
		switch {
		case err != nil:
			o.log.Warn().Err(err).Str("session_id", sessionID).Msg("retrieval failed, continuing without context")
			o.broker.Publish(sessionID, protocol.RAGError{Type: protocol.TypeRAGError, Message: err.Error()})
		case len(results) > 0:
			augmented = augmentPrompt(text, results)
			sources = sourceRefs(results)
			o.broker.Publish(sessionID, ragSourcesEvent(results))
		}
	}

	if !regenerate {
		displayID := clientMessageID
		if displayID == "" {
			displayID = "user-" + uuid.New().String()
		}
		sess.AppendUserTurn(displayID, text, augmented)
	}

	responseID := uuid.New().String()
	o.broker.Publish(sessionID, protocol.Stream{Type: protocol.TypeStream, MessageID: responseID})

	var acc strings.Builder
	err := o.completion.StreamChat(ctx, sess.PromptHistory(), func(delta string) error {
		acc.WriteString(delta)
		o.broker.Publish(sessionID, protocol.Stream{Type: protocol.TypeStream, MessageID: responseID, Content: delta})
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			// Originating connection went away; drop the partial turn quietly.
			o.log.Debug().Str("session_id", sessionID).Msg("completion cancelled, discarding partial response")
			return err
		}
		o.log.Error().Err(err).Str("session_id", sessionID).Msg("completion failed")
		o.broker.Publish(sessionID, protocol.Error{Type: protocol.TypeError, Message: "error communicating with model: " + err.Error()})
		return fmt.Errorf("completion stream: %w: %w", domain.ErrUpstream, err)
	}

	if acc.Len() == 0 {
		o.broker.Publish(sessionID, protocol.Error{Type: protocol.TypeError, Message: "empty response"})
		return fmt.Errorf("empty completion: %w", domain.ErrUpstream)
	}

	sess.AppendAssistantTurn(responseID, acc.String(), sources)
	o.broker.Publish(sessionID, protocol.Stream{Type: protocol.TypeStream, MessageID: responseID, Done: true})
	return nil
}

// HandleUpdate validates the edit request and delegates the reconciliation to
// the edit reconciler.
func (o *Orchestrator) HandleUpdate(ctx context.Context, sessionID, messageID, newContent string) error {
	if messageID == "" {
		o.broker.Publish(sessionID, protocol.Error{Type: protocol.TypeError, Message: "missing message_id"})
		return fmt.Errorf("missing message_id: %w", domain.ErrValidation)
	}
	if _, ok := o.store.Get(sessionID); !ok {
		o.broker.Publish(sessionID, protocol.Error{Type: protocol.TypeError, Message: "unknown session"})
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	return o.reconciler.UpdateMessage(sessionID, messageID, newContent)
}

// augmentPrompt appends the retrieved snippets to the user text. Only the
// prompt history sees the augmented form; the display history keeps the raw
// text.
func augmentPrompt(text string, results []domain.SearchResult) string {
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\nRelevant context from uploaded documents:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "[Source: %s]\n%s\n", r.Source, truncate(r.Content, promptExcerptLimit))
	}
	return b.String()
}

func sourceRefs(results []domain.SearchResult) []domain.SourceRef {
	refs := make([]domain.SourceRef, 0, len(results))
	for _, r := range results {
		refs = append(refs, domain.SourceRef{
			Source:         r.Source,
			ContentPreview: truncate(r.Content, previewLimit),
			RelevanceScore: r.RelevanceScore,
		})
	}
	return refs
}

// ragSourcesEvent keeps the retrieval service's own ranking order.
func ragSourcesEvent(results []domain.SearchResult) protocol.RAGSources {
	ev := protocol.RAGSources{Type: protocol.TypeRAGSources}
	for _, r := range results {
		ev.Sources = append(ev.Sources, protocol.RAGSource{
			Source:         r.Source,
			Content:        truncate(r.Content, previewLimit),
			RelevanceScore: r.RelevanceScore,
		})
	}
	return ev
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
