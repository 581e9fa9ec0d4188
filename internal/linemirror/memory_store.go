package linemirror

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]Conversation
	messages      map[string]map[string]Message
	credentials   map[string]string
	hub           *changeHub
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]Conversation{},
		messages:      map[string]map[string]Message{},
		credentials:   map[string]string{},
		hub:           newChangeHub(0),
	}
}

func (s *MemoryStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[strings.TrimSpace(conversationID)]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return copyConversation(conv), nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, conversationID, messageID string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[strings.TrimSpace(conversationID)][strings.TrimSpace(messageID)]
	if !ok {
		return Message{}, ErrNotFound
	}
	return copyMessage(msg), nil
}

func (s *MemoryStore) UpsertMessage(ctx context.Context, msg Message, mode WriteMode) (WriteOutcome, error) {
	msg = NormalizeMessage(msg)
	if err := validateMessage(msg); err != nil {
		return "", err
	}
	s.mu.Lock()
	byID, ok := s.messages[msg.ConversationID]
	if !ok {
		byID = map[string]Message{}
		s.messages[msg.ConversationID] = byID
	}
	stored, exists := byID[msg.ID]
	if !exists {
		byID[msg.ID] = copyMessage(msg)
		s.publishMessage(ChangeAdded, msg)
		s.mu.Unlock()
		return WriteCreated, nil
	}
	if fields := immutableDiff(stored, msg); len(fields) > 0 {
		s.mu.Unlock()
		return WriteUnchanged, &IntegrityConflictError{ConversationID: msg.ConversationID, MessageID: msg.ID, Fields: fields}
	}
	if mode == WriteInsertIfAbsent || msg.Status == "" || msg.Status == stored.Status {
		s.mu.Unlock()
		return WriteUnchanged, nil
	}
	stored.Status = msg.Status
	byID[msg.ID] = stored
	s.publishMessage(ChangeModified, stored)
	s.mu.Unlock()
	return WriteUpdated, nil
}

func (s *MemoryStore) MergeConversation(ctx context.Context, patch ConversationPatch) (Conversation, error) {
	patch.ID = strings.TrimSpace(patch.ID)
	if patch.ID == "" {
		return Conversation{}, ErrInvalidInput
	}
	s.mu.Lock()
	existing, exists := s.conversations[patch.ID]
	merged := mergeConversation(copyConversation(existing), exists, patch)
	s.conversations[patch.ID] = merged

	kind := ChangeModified
	if !exists {
		kind = ChangeAdded
	}
	// Published under the lock so subscribers see writes in commit order.
	published := copyConversation(merged)
	s.hub.publish(Change{Kind: kind, Conversation: &published})
	s.mu.Unlock()
	return copyConversation(merged), nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, opts ListOptions) ([]Conversation, error) {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, copyConversation(conv))
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit := opts.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]Message, error) {
	s.mu.RLock()
	byID := s.messages[strings.TrimSpace(conversationID)]
	out := make([]Message, 0, len(byID))
	for _, msg := range byID {
		out = append(out, copyMessage(msg))
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit := opts.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, topic Topic) (*Subscription, error) {
	return s.hub.open(ctx, topic, func() (Snapshot, error) {
		return snapshotFor(ctx, s, topic)
	})
}

func (s *MemoryStore) GetCredential(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	credential, ok := s.credentials[strings.TrimSpace(userID)]
	if !ok || credential == "" {
		return "", ErrNotFound
	}
	return credential, nil
}

func (s *MemoryStore) SetCredential(ctx context.Context, userID, credential string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[userID] = strings.TrimSpace(credential)
	return nil
}

func (s *MemoryStore) Close() error {
	s.hub.closeAll()
	return nil
}

func (s *MemoryStore) publishMessage(kind ChangeKind, msg Message) {
	published := copyMessage(msg)
	s.hub.publish(Change{Kind: kind, Message: &published})
}
