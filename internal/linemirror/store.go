package linemirror

import (
	"context"
	"strings"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// Store is the document store both ingestion paths converge on. Message
// writes are keyed by the provider id and conversation writes are monotonic
// merges, so concurrent writers need no other coordination.
type Store interface {
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	GetMessage(ctx context.Context, conversationID, messageID string) (Message, error)
	UpsertMessage(ctx context.Context, msg Message, mode WriteMode) (WriteOutcome, error)
	MergeConversation(ctx context.Context, patch ConversationPatch) (Conversation, error)
	ListConversations(ctx context.Context, opts ListOptions) ([]Conversation, error)
	ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]Message, error)
	Subscribe(ctx context.Context, topic Topic) (*Subscription, error)
	Close() error
}

// CredentialStore holds the per-user provider API credential.
type CredentialStore interface {
	GetCredential(ctx context.Context, userID string) (string, error)
	SetCredential(ctx context.Context, userID, credential string) error
}

// MirrorStore is what the service wires: the document store plus settings.
type MirrorStore interface {
	Store
	CredentialStore
}

type ListOptions struct {
	Limit int
}

func (o ListOptions) limit() int {
	switch {
	case o.Limit <= 0:
		return defaultListLimit
	case o.Limit > maxListLimit:
		return maxListLimit
	default:
		return o.Limit
	}
}

type TopicKind string

const (
	TopicConversations TopicKind = "conversations"
	TopicMessages      TopicKind = "messages"
)

type Topic struct {
	Kind           TopicKind
	ConversationID string
}

func ConversationsTopic() Topic {
	return Topic{Kind: TopicConversations}
}

func MessagesTopic(conversationID string) Topic {
	return Topic{Kind: TopicMessages, ConversationID: strings.TrimSpace(conversationID)}
}

func (t Topic) validate() error {
	switch t.Kind {
	case TopicConversations:
		return nil
	case TopicMessages:
		if t.ConversationID == "" {
			return ErrInvalidInput
		}
		return nil
	default:
		return ErrInvalidInput
	}
}

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
)

type Change struct {
	Kind         ChangeKind    `json:"kind"`
	Conversation *Conversation `json:"conversation,omitempty"`
	Message      *Message      `json:"message,omitempty"`
}

func (c Change) matches(topic Topic) bool {
	switch topic.Kind {
	case TopicConversations:
		return c.Conversation != nil
	case TopicMessages:
		return c.Message != nil && c.Message.ConversationID == topic.ConversationID
	default:
		return false
	}
}

type Snapshot struct {
	Conversations []Conversation `json:"conversations,omitempty"`
	Messages      []Message      `json:"messages,omitempty"`
}

// Subscription delivers the initial snapshot of a topic and then every change
// published after it was opened. A change may repeat a document already in the
// snapshot. Changes is closed when the subscription ends or falls too far behind.
type Subscription struct {
	Snapshot Snapshot
	Changes  <-chan Change
	cancel   context.CancelFunc
}

func (s *Subscription) Close() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

func snapshotFor(ctx context.Context, store Store, topic Topic) (Snapshot, error) {
	switch topic.Kind {
	case TopicConversations:
		conversations, err := store.ListConversations(ctx, ListOptions{Limit: maxListLimit})
		if err != nil {
			return Snapshot{}, err
		}
		return Snapshot{Conversations: conversations}, nil
	default:
		messages, err := store.ListMessages(ctx, topic.ConversationID, ListOptions{Limit: maxListLimit})
		if err != nil {
			return Snapshot{}, err
		}
		return Snapshot{Messages: messages}, nil
	}
}
