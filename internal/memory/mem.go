package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/llm"
)

// MemStore keeps conversations in process memory. Contents are lost on
// restart unless a checkpoint is restored.
type MemStore struct {
	mu            sync.RWMutex
	conversations map[string]*memConversation
	now           func() time.Time
}

type memConversation struct {
	mu   sync.Mutex
	conv *Conversation
	// removed is set under mu when Restore drops the conversation.
	removed bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		conversations: make(map[string]*memConversation),
		now:           time.Now,
	}
}

// entry returns the conversation slot, creating it when create is set.
// The map lock is held only for the lookup.
func (s *MemStore) entry(id string, create bool) *memConversation {
	s.mu.RLock()
	e, ok := s.conversations[id]
	s.mu.RUnlock()
	if ok || !create {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.conversations[id]; ok {
		return e
	}
	now := s.now()
	e = &memConversation{conv: &Conversation{ID: id, Messages: []Message{}, CreatedAt: now, UpdatedAt: now}}
	s.conversations[id] = e
	return e
}

// lock returns the entry for id with its mutex held, or nil when it does
// not exist and create is false. An entry dropped by Restore while the
// caller waited is looked up again.
func (s *MemStore) lock(id string, create bool) *memConversation {
	for {
		e := s.entry(id, create)
		if e == nil {
			return nil
		}
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// Append adds messages to a conversation.
func (s *MemStore) Append(ctx context.Context, id string, msgs ...llm.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := s.lock(id, true)
	defer e.mu.Unlock()

	now := s.now()
	for _, m := range msgs {
		msgID, _ := uuid.NewV7()
		e.conv.Messages = append(e.conv.Messages, Message{ID: msgID.String(), Timestamp: now, Message: m})
	}
	e.conv.UpdatedAt = now
	return nil
}

// Read returns the directive followed by the messages.
func (s *MemStore) Read(ctx context.Context, id string) ([]llm.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := s.lock(id, false)
	if e == nil {
		return []llm.Message{}, nil
	}
	defer e.mu.Unlock()
	return e.conv.History(), nil
}

// SetDirective replaces the system directive.
func (s *MemStore) SetDirective(ctx context.Context, id string, msg llm.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := s.lock(id, true)
	defer e.mu.Unlock()
	e.conv.Directive = &msg
	return nil
}

// AuthState returns the credential state.
func (s *MemStore) AuthState(ctx context.Context, id string) (AuthState, error) {
	e := s.lock(id, false)
	if e == nil {
		return AuthState{}, nil
	}
	defer e.mu.Unlock()
	return e.conv.clone().Auth, nil
}

// SetAuthState replaces the credential state.
func (s *MemStore) SetAuthState(ctx context.Context, id string, state AuthState) error {
	e := s.lock(id, true)
	defer e.mu.Unlock()
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = s.now()
	}
	e.conv.Auth = state
	return nil
}

// Conversations lists conversations, most recently updated first.
func (s *MemStore) Conversations(ctx context.Context) ([]Summary, error) {
	convs, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(convs))
	for _, c := range convs {
		out = append(out, Summary{ID: c.ID, MessageCount: len(c.Messages), CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt})
	}
	return out, nil
}

// Conversation returns a copy of one conversation, or nil.
func (s *MemStore) Conversation(ctx context.Context, id string) (*Conversation, error) {
	e := s.lock(id, false)
	if e == nil {
		return nil, nil
	}
	defer e.mu.Unlock()
	return e.conv.clone(), nil
}

// Snapshot returns copies of all conversations, most recently updated
// first.
func (s *MemStore) Snapshot(ctx context.Context) ([]*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	entries := make([]*memConversation, 0, len(s.conversations))
	for _, e := range s.conversations {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	convs := make([]*Conversation, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			convs = append(convs, e.conv.clone())
		}
		e.mu.Unlock()
	}
	sortByUpdated(convs)
	return convs, nil
}

// Restore replaces all conversations. It holds every conversation's
// lock while swapping, so an in-flight write lands either before the
// restore (and is overwritten) or after it, on the restored history.
func (s *MemStore) Restore(ctx context.Context, convs []*Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.conversations {
		e.mu.Lock()
		defer e.mu.Unlock()
	}

	fresh := make(map[string]*memConversation, len(convs))
	for _, c := range convs {
		cp := c.clone()
		if cp.Messages == nil {
			cp.Messages = []Message{}
		}
		if e, ok := s.conversations[c.ID]; ok {
			e.conv = cp
			fresh[c.ID] = e
			continue
		}
		fresh[c.ID] = &memConversation{conv: cp}
	}
	for id, e := range s.conversations {
		if _, ok := fresh[id]; !ok {
			e.removed = true
		}
	}
	s.conversations = fresh
	return nil
}

// Close is a no-op.
func (s *MemStore) Close() error { return nil }

func sortByUpdated(convs []*Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].ID < convs[j].ID
		}
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}
