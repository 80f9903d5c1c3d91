package chat

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/refurd/rag/internal/domain"
	"github.com/refurd/rag/internal/protocol"
	"github.com/refurd/rag/internal/session"
)

// Reconciler applies in-place edits to historical display messages and
// best-effort propagates them into the prompt history. Editing never triggers
// a new completion; it only changes the prompt used by future requests.
type Reconciler struct {
	store  *session.Store
	broker Broker
	log    zerolog.Logger
}

// NewReconciler wires an edit reconciler.
func NewReconciler(store *session.Store, broker Broker, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		broker: broker,
		log:    log.With().Str("component", "reconciler").Logger(),
	}
}

// UpdateMessage patches the display message with the given id. The matching
// prompt turn, when one exists with the same role and the exact original
// content, is rewritten too; the first match wins under duplicate content.
// An unknown message id mutates nothing and broadcasts nothing but the error.
func (r *Reconciler) UpdateMessage(sessionID, messageID, newContent string) error {
	sess, ok := r.store.Get(sessionID)
	if !ok {
		r.broker.Publish(sessionID, protocol.Error{Type: protocol.TypeError, Message: "unknown session"})
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}

	if !sess.ApplyEdit(messageID, newContent) {
		r.broker.Publish(sessionID, protocol.Error{Type: protocol.TypeError, Message: "message not found"})
		return fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}

	r.log.Debug().Str("session_id", sessionID).Str("message_id", messageID).Msg("message updated")
	r.broker.Publish(sessionID, protocol.MessageUpdated{
		Type:       protocol.TypeMessageUpdated,
		MessageID:  messageID,
		NewContent: newContent,
	})
	return nil
}
