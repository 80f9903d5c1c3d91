package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refurd/rag/internal/domain"
	"github.com/refurd/rag/internal/protocol"
	"github.com/refurd/rag/internal/session"
)

// recorder captures published events in order.
type recorder struct {
	mu     sync.Mutex
	events []any
}

func (r *recorder) Publish(sessionID string, event any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.events))
	copy(out, r.events)
	return out
}

// scriptedCompletion replays fixed deltas, then optionally fails.
type scriptedCompletion struct {
	deltas []string
	err    error
	turns  []domain.Turn
}

func (f *scriptedCompletion) StreamChat(ctx context.Context, turns []domain.Turn, onDelta func(string) error) error {
	f.turns = turns
	for _, d := range f.deltas {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := onDelta(d); err != nil {
			return err
		}
	}
	return f.err
}

type scriptedRetrieval struct {
	ready    bool
	results  []domain.SearchResult
	err      error
	lastTopK int
}

func (f *scriptedRetrieval) IsReady(ctx context.Context) bool { return f.ready }

func (f *scriptedRetrieval) Search(ctx context.Context, query string, topK int) ([]domain.SearchResult, error) {
	f.lastTopK = topK
	return f.results, f.err
}

func newTestOrchestrator(completion CompletionService, retrieval RetrievalService) (*Orchestrator, *session.Store, *recorder) {
	store := session.NewStore("You are a helpful assistant that speaks Hungarian.")
	rec := &recorder{}
	return New(store, rec, completion, retrieval, zerolog.Nop()), store, rec
}

func streamEvents(events []any) []protocol.Stream {
	var out []protocol.Stream
	for _, ev := range events {
		if s, ok := ev.(protocol.Stream); ok {
			out = append(out, s)
		}
	}
	return out
}

func TestHandleSendStreamsInOrder(t *testing.T) {
	completion := &scriptedCompletion{deltas: []string{"Sz", "ia"}}
	o, store, rec := newTestOrchestrator(completion, nil)

	err := o.HandleSend(context.Background(), "s1", "Hi", "u1", false, false)
	require.NoError(t, err)

	streams := streamEvents(rec.all())
	require.Len(t, streams, 4)
	id := streams[0].MessageID
	assert.Equal(t, protocol.Stream{Type: protocol.TypeStream, MessageID: id, Content: "", Done: false}, streams[0])
	assert.Equal(t, protocol.Stream{Type: protocol.TypeStream, MessageID: id, Content: "Sz", Done: false}, streams[1])
	assert.Equal(t, protocol.Stream{Type: protocol.TypeStream, MessageID: id, Content: "ia", Done: false}, streams[2])
	assert.Equal(t, protocol.Stream{Type: protocol.TypeStream, MessageID: id, Content: "", Done: true}, streams[3])

	sess, ok := store.Get("s1")
	require.True(t, ok)
	display := sess.DisplayHistory()
	require.Len(t, display, 2)
	assert.Equal(t, domain.DisplayMessage{ID: "u1", Role: domain.RoleUser, Content: "Hi"}, display[0])
	assert.Equal(t, id, display[1].ID)
	assert.Equal(t, "Szia", display[1].Content)
	assert.False(t, display[1].Edited)

	prompt := sess.PromptHistory()
	require.Len(t, prompt, 3)
	assert.Equal(t, domain.RoleSystem, prompt[0].Role)

	// Completion saw the system turn and the committed user turn.
	require.Len(t, completion.turns, 2)
	assert.Equal(t, "Hi", completion.turns[1].Content)
}

func TestHandleSendEmptyMessage(t *testing.T) {
	o, store, rec := newTestOrchestrator(&scriptedCompletion{}, nil)

	err := o.HandleSend(context.Background(), "s1", "", "", false, false)
	require.ErrorIs(t, err, domain.ErrValidation)

	events := rec.all()
	require.Len(t, events, 1)
	assert.IsType(t, protocol.Error{}, events[0])

	// Validation happens before session creation.
	_, ok := store.Get("s1")
	assert.False(t, ok)
}

func TestHandleSendGeneratesUserIDWhenMissing(t *testing.T) {
	o, store, _ := newTestOrchestrator(&scriptedCompletion{deltas: []string{"ok"}}, nil)

	require.NoError(t, o.HandleSend(context.Background(), "s1", "Hi", "", false, false))

	sess, _ := store.Get("s1")
	display := sess.DisplayHistory()
	require.Len(t, display, 2)
	assert.True(t, strings.HasPrefix(display[0].ID, "user-"))
}

func TestHandleSendRegenerate(t *testing.T) {
	o, store, _ := newTestOrchestrator(&scriptedCompletion{deltas: []string{"Szia"}}, nil)
	require.NoError(t, o.HandleSend(context.Background(), "s1", "Hi", "u1", false, false))

	sess, _ := store.Get("s1")
	promptLen := len(sess.PromptHistory())
	displayLen := len(sess.DisplayHistory())

	// Regenerate pops the assistant turn and streams a replacement.
	require.NoError(t, o.HandleSend(context.Background(), "s1", "", "", true, false))

	assert.Len(t, sess.PromptHistory(), promptLen, "pop one assistant turn, commit one back")
	assert.Len(t, sess.DisplayHistory(), displayLen+1, "display history only gains the new response")
}

func TestHandleSendEmptyCompletion(t *testing.T) {
	o, store, rec := newTestOrchestrator(&scriptedCompletion{}, nil)

	err := o.HandleSend(context.Background(), "s1", "Hi", "u1", false, false)
	require.ErrorIs(t, err, domain.ErrUpstream)

	events := rec.all()
	last := events[len(events)-1]
	require.IsType(t, protocol.Error{}, last)
	assert.Equal(t, "empty response", last.(protocol.Error).Message)

	// The user turn committed, the assistant turn did not.
	sess, _ := store.Get("s1")
	assert.Len(t, sess.DisplayHistory(), 1)
	assert.Len(t, sess.PromptHistory(), 2)
}

func TestHandleSendCompletionFailureDiscardsPartial(t *testing.T) {
	o, store, rec := newTestOrchestrator(&scriptedCompletion{deltas: []string{"par", "tial"}, err: errors.New("boom")}, nil)

	err := o.HandleSend(context.Background(), "s1", "Hi", "u1", false, false)
	require.ErrorIs(t, err, domain.ErrUpstream)

	// Partial deltas were already published and are not retracted.
	streams := streamEvents(rec.all())
	require.Len(t, streams, 3)
	for _, s := range streams {
		assert.False(t, s.Done)
	}

	events := rec.all()
	assert.IsType(t, protocol.Error{}, events[len(events)-1])

	sess, _ := store.Get("s1")
	assert.Len(t, sess.DisplayHistory(), 1, "partial accumulator must not be committed")
	assert.Len(t, sess.PromptHistory(), 2)
}

func TestHandleSendCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	completion := &scriptedCompletion{deltas: []string{"Sz"}}
	// Cancel after the first delta.
	completion.err = context.Canceled
	o, store, rec := newTestOrchestrator(completion, nil)
	cancel()

	err := o.HandleSend(ctx, "s1", "Hi", "u1", false, false)
	require.ErrorIs(t, err, context.Canceled)

	// No error event is published for a gone client.
	for _, ev := range rec.all() {
		assert.NotEqual(t, protocol.TypeError, eventType(ev))
	}
	sess, _ := store.Get("s1")
	assert.Len(t, sess.PromptHistory(), 2, "no assistant turn committed")
}

func eventType(ev any) string {
	switch e := ev.(type) {
	case protocol.Error:
		return e.Type
	case protocol.Stream:
		return e.Type
	case protocol.RAGSources:
		return e.Type
	case protocol.RAGError:
		return e.Type
	case protocol.MessageUpdated:
		return e.Type
	default:
		return ""
	}
}

// blockingCompletion parks each stream on release so a turn can be held open.
type blockingCompletion struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingCompletion) StreamChat(ctx context.Context, turns []domain.Turn, onDelta func(string) error) error {
	b.started <- struct{}{}
	<-b.release
	return onDelta("ok")
}

func TestConcurrentSendQueuesBehindActiveTurn(t *testing.T) {
	completion := &blockingCompletion{started: make(chan struct{}, 2), release: make(chan struct{})}
	o, store, rec := newTestOrchestrator(completion, nil)

	// A committed message to edit while the stream is open.
	sess := store.GetOrCreate("s1")
	sess.AppendUserTurn("u1", "hello", "hello")

	errs1 := make(chan error, 1)
	go func() { errs1 <- o.HandleSend(context.Background(), "s1", "first", "u2", false, false) }()
	<-completion.started

	errs2 := make(chan error, 1)
	go func() { errs2 <- o.HandleSend(context.Background(), "s1", "second", "u3", false, false) }()

	// The second send must queue behind the active turn, not reach the model.
	select {
	case <-completion.started:
		t.Fatal("second send entered the completion during an active turn")
	case <-time.After(100 * time.Millisecond):
	}

	// Edits of committed messages stay allowed mid-stream.
	require.NoError(t, o.HandleUpdate(context.Background(), "s1", "u1", "hi"))
	assert.Equal(t, "hi", sess.DisplayHistory()[0].Content)

	completion.release <- struct{}{}
	require.NoError(t, <-errs1)
	<-completion.started
	completion.release <- struct{}{}
	require.NoError(t, <-errs2)

	// Turns landed unfragmented, in send order, with the edit applied.
	prompt := sess.PromptHistory()
	require.Len(t, prompt, 6)
	assert.Equal(t, "hi", prompt[1].Content)
	assert.Equal(t, "first", prompt[2].Content)
	assert.Equal(t, domain.RoleAssistant, prompt[3].Role)
	assert.Equal(t, "second", prompt[4].Content)
	assert.Equal(t, domain.RoleAssistant, prompt[5].Role)

	// Every event of the first turn precedes the second turn's open marker.
	streams := streamEvents(rec.all())
	require.Len(t, streams, 6)
	assert.Equal(t, streams[0].MessageID, streams[2].MessageID)
	assert.True(t, streams[2].Done)
	assert.Equal(t, streams[3].MessageID, streams[5].MessageID)
	assert.NotEqual(t, streams[0].MessageID, streams[3].MessageID)
	assert.True(t, streams[5].Done)
}

func TestHandleSendWithRAG(t *testing.T) {
	retrieval := &scriptedRetrieval{
		ready: true,
		results: []domain.SearchResult{
			{Source: "doc.pdf", Content: "tax rules for 2025", RelevanceScore: 0.9},
		},
	}
	completion := &scriptedCompletion{deltas: []string{"ok"}}
	o, store, rec := newTestOrchestrator(completion, retrieval)

	require.NoError(t, o.HandleSend(context.Background(), "s1", "What are the tax rules?", "u1", false, true))
	assert.Equal(t, 3, retrieval.lastTopK)

	events := rec.all()
	// rag_sources precedes all stream events.
	require.IsType(t, protocol.RAGSources{}, events[0])
	sources := events[0].(protocol.RAGSources)
	require.Len(t, sources.Sources, 1)
	assert.Equal(t, "doc.pdf", sources.Sources[0].Source)
	assert.Equal(t, 0.9, sources.Sources[0].RelevanceScore)

	// Prompt got the augmented text, display kept the raw text.
	sess, _ := store.Get("s1")
	prompt := sess.PromptHistory()
	assert.Contains(t, prompt[1].Content, "What are the tax rules?")
	assert.Contains(t, prompt[1].Content, "[Source: doc.pdf]")
	assert.Contains(t, prompt[1].Content, "tax rules for 2025")
	assert.Equal(t, "What are the tax rules?", sess.DisplayHistory()[0].Content)

	// The committed assistant message carries the source refs.
	display := sess.DisplayHistory()
	require.Len(t, display, 2)
	require.Len(t, display[1].RAGSources, 1)
	assert.Equal(t, "doc.pdf", display[1].RAGSources[0].Source)
}

func TestHandleSendRAGFailureDegradesGracefully(t *testing.T) {
	retrieval := &scriptedRetrieval{ready: true, err: errors.New("index offline")}
	completion := &scriptedCompletion{deltas: []string{"ok"}}
	o, store, rec := newTestOrchestrator(completion, retrieval)

	require.NoError(t, o.HandleSend(context.Background(), "s1", "Hi", "u1", false, true))

	events := rec.all()
	require.IsType(t, protocol.RAGError{}, events[0])

	// Completion still ran with the unaugmented text.
	sess, _ := store.Get("s1")
	assert.Equal(t, "Hi", sess.PromptHistory()[1].Content)
	assert.Len(t, sess.DisplayHistory(), 2)
}

func TestHandleSendRAGNotReadySkipsSearch(t *testing.T) {
	retrieval := &scriptedRetrieval{ready: false, results: []domain.SearchResult{{Source: "x"}}}
	completion := &scriptedCompletion{deltas: []string{"ok"}}
	o, store, rec := newTestOrchestrator(completion, retrieval)

	require.NoError(t, o.HandleSend(context.Background(), "s1", "Hi", "u1", false, true))

	for _, ev := range rec.all() {
		assert.NotEqual(t, protocol.TypeRAGSources, eventType(ev))
	}
	sess, _ := store.Get("s1")
	assert.Equal(t, "Hi", sess.PromptHistory()[1].Content)
}

func TestSourcePreviewTruncation(t *testing.T) {
	long := strings.Repeat("a", previewLimit+50)
	refs := sourceRefs([]domain.SearchResult{{Source: "big.txt", Content: long, RelevanceScore: 0.5}})
	require.Len(t, refs, 1)
	assert.Len(t, []rune(refs[0].ContentPreview), previewLimit+3)
	assert.True(t, strings.HasSuffix(refs[0].ContentPreview, "..."))
}
