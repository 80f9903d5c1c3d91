// Package session owns per-session conversation state: the prompt history sent
// to the completion service and the display history rendered to the user.
package session

import (
	"sync"
	"time"

	"github.com/refurd/rag/internal/domain"
)

// Session pairs the two histories for one user. The turn mutex serializes
// whole send/regenerate turns; the state mutex guards the history slices so
// that edits on committed entries stay safe while a stream is in flight.
type Session struct {
	ID string

	turnMu sync.Mutex

	mu         sync.Mutex
	prompt     []domain.Turn
	display    []domain.DisplayMessage
	lastActive time.Time
}

// BeginTurn acquires the exclusive turn lock. Only one send or regenerate may
// mutate a session at a time; callers block until the current turn finishes.
func (s *Session) BeginTurn() {
	s.turnMu.Lock()
}

// EndTurn releases the turn lock.
func (s *Session) EndTurn() {
	s.turnMu.Unlock()
}

// AppendUserTurn appends the augmented text to the prompt history and the raw
// text to the display history in one atomic step.
func (s *Session) AppendUserTurn(displayID, rawText, augmentedText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompt = append(s.prompt, domain.Turn{Role: domain.RoleUser, Content: augmentedText})
	s.display = append(s.display, domain.DisplayMessage{
		ID:      displayID,
		Role:    domain.RoleUser,
		Content: rawText,
	})
	s.lastActive = time.Now()
}

// AppendAssistantTurn commits a completed assistant response to both histories.
func (s *Session) AppendAssistantTurn(id, text string, ragSources []domain.SourceRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompt = append(s.prompt, domain.Turn{Role: domain.RoleAssistant, Content: text})
	s.display = append(s.display, domain.DisplayMessage{
		ID:         id,
		Role:       domain.RoleAssistant,
		Content:    text,
		RAGSources: ragSources,
	})
	s.lastActive = time.Now()
}

// PopLastAssistantTurnIfPresent removes the last prompt turn only when its
// role is assistant. Display history is untouched. Reports whether a turn was
// removed.
func (s *Session) PopLastAssistantTurnIfPresent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.prompt); n > 0 && s.prompt[n-1].Role == domain.RoleAssistant {
		s.prompt = s.prompt[:n-1]
		s.lastActive = time.Now()
		return true
	}
	return false
}

// PromptHistory returns a copy of the prompt history.
func (s *Session) PromptHistory() []domain.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Turn, len(s.prompt))
	copy(out, s.prompt)
	return out
}

// DisplayHistory returns a copy of the display history.
func (s *Session) DisplayHistory() []domain.DisplayMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DisplayMessage, len(s.display))
	copy(out, s.display)
	return out
}

// ApplyEdit patches the display message with the given id and best-effort
// propagates the change into the prompt history: the first prompt turn whose
// role matches the display entry and whose content equals the original display
// content (exact match) is rewritten. When several prompt turns share the same
// content only the first is patched. Reports whether the display message was
// found.
func (s *Session) ApplyEdit(messageID, newContent string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.display {
		if s.display[i].ID != messageID {
			continue
		}
		original := s.display[i].Content
		s.display[i].Content = newContent
		s.display[i].Edited = true
		for j := range s.prompt {
			if s.prompt[j].Role == s.display[i].Role && s.prompt[j].Content == original {
				s.prompt[j].Content = newContent
				break
			}
		}
		s.lastActive = time.Now()
		return true
	}
	return false
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}

// Store is the session registry. Sessions are created lazily on first contact
// and seeded with the fixed system turn; idle sessions are evicted by the
// janitor.
type Store struct {
	systemPrompt string

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty registry whose sessions are seeded with the given
// system prompt.
func NewStore(systemPrompt string) *Store {
	return &Store{
		systemPrompt: systemPrompt,
		sessions:     make(map[string]*Session),
	}
}

// GetOrCreate returns the session for the id, creating it on first contact.
// Safe under concurrent calls for the same id: exactly one session is created.
func (st *Store) GetOrCreate(sessionID string) *Session {
	st.mu.RLock()
	s, ok := st.sessions[sessionID]
	st.mu.RUnlock()
	if ok {
		return s
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[sessionID]; ok {
		return s
	}
	s = &Session{
		ID:         sessionID,
		prompt:     []domain.Turn{{Role: domain.RoleSystem, Content: st.systemPrompt}},
		lastActive: time.Now(),
	}
	st.sessions[sessionID] = s
	return s
}

// BeginTurn returns the session for the id with its turn lock held. The
// registry is re-checked after the lock is acquired: if the janitor evicted
// the session between lookup and lock, the turn would otherwise commit into
// an orphaned session. Callers must EndTurn the returned session.
func (st *Store) BeginTurn(sessionID string) *Session {
	for {
		s := st.GetOrCreate(sessionID)
		s.BeginTurn()
		st.mu.RLock()
		current := st.sessions[sessionID]
		st.mu.RUnlock()
		if current == s {
			return s
		}
		s.EndTurn()
	}
}

// Get returns an existing session without creating one.
func (st *Store) Get(sessionID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[sessionID]
	return s, ok
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Evict removes sessions that have been idle for at least ttl. A session whose
// turn lock is held (a stream is in flight) is skipped regardless of its idle
// time. Returns the number of evicted sessions.
func (st *Store) Evict(ttl time.Duration) int {
	now := time.Now()

	st.mu.Lock()
	defer st.mu.Unlock()
	evicted := 0
	for id, s := range st.sessions {
		if s.idleSince(now) < ttl {
			continue
		}
		if !s.turnMu.TryLock() {
			continue
		}
		s.turnMu.Unlock()
		delete(st.sessions, id)
		evicted++
	}
	return evicted
}

// Janitor periodically evicts idle sessions until stop is closed.
func (st *Store) Janitor(interval, ttl time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st.Evict(ttl)
		case <-stop:
			return
		}
	}
}
