package linemirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var postgresTestCounter uint64

type storeConstructor func(t *testing.T) MirrorStore

func storeConstructors() map[string]storeConstructor {
	return map[string]storeConstructor{
		"memory": func(t *testing.T) MirrorStore {
			store := NewMemoryStore()
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
		"sqlite": func(t *testing.T) MirrorStore {
			store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "mirror.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
		"postgres": func(t *testing.T) MirrorStore {
			dsn := strings.TrimSpace(os.Getenv("LINEMIRROR_TEST_POSTGRES_DSN"))
			if dsn == "" {
				t.Skip("LINEMIRROR_TEST_POSTGRES_DSN not set")
			}
			store, err := NewPostgresStore(dsn)
			require.NoError(t, err)
			store.tablePrefix = fmt.Sprintf("linemirror_it_%d_%d", time.Now().UnixNano(), atomic.AddUint64(&postgresTestCounter, 1))
			t.Cleanup(func() {
				if store.db != nil {
					for _, table := range []string{store.messagesTable(), store.conversationsTable(), store.credentialsTable()} {
						_, _ = store.db.Exec("DROP TABLE IF EXISTS " + table)
					}
				}
				_ = store.Close()
			})
			return store
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, store MirrorStore)) {
	for name, constructor := range storeConstructors() {
		constructor := constructor
		t.Run(name, func(t *testing.T) {
			fn(t, constructor(t))
		})
	}
}

func testMessage(id string, createdAt time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: "c1",
		From:           "+1555",
		To:             []string{"+1666"},
		Direction:      DirectionIncoming,
		Text:           "hi " + id,
		Status:         "received",
		CreatedAt:      createdAt,
	}
}

func TestStoreUpsertMessageOutcomes(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MirrorStore) {
		ctx := context.Background()
		created := time.Date(2023, 11, 14, 22, 13, 20, 123456789, time.UTC)
		msg := testMessage("m1", created)

		outcome, err := store.UpsertMessage(ctx, msg, WriteMerge)
		require.NoError(t, err)
		assert.Equal(t, WriteCreated, outcome)

		outcome, err = store.UpsertMessage(ctx, msg, WriteMerge)
		require.NoError(t, err)
		assert.Equal(t, WriteUnchanged, outcome)

		msg.Status = "delivered"
		outcome, err = store.UpsertMessage(ctx, msg, WriteInsertIfAbsent)
		require.NoError(t, err)
		assert.Equal(t, WriteUnchanged, outcome)

		outcome, err = store.UpsertMessage(ctx, msg, WriteMerge)
		require.NoError(t, err)
		assert.Equal(t, WriteUpdated, outcome)

		stored, err := store.GetMessage(ctx, "c1", "m1")
		require.NoError(t, err)
		assert.Equal(t, "delivered", stored.Status)
		assert.Equal(t, "hi m1", stored.Text)
		assert.True(t, stored.CreatedAt.Equal(created.Truncate(time.Microsecond)), "createdAt %v", stored.CreatedAt)
	})
}

func TestStoreUpsertMessageRejectsImmutableMismatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MirrorStore) {
		ctx := context.Background()
		msg := testMessage("m1", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
		_, err := store.UpsertMessage(ctx, msg, WriteMerge)
		require.NoError(t, err)

		changed := msg
		changed.Text = "edited"
		changed.Status = "failed"
		_, err = store.UpsertMessage(ctx, changed, WriteMerge)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrIntegrityConflict))
		var conflict *IntegrityConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, []string{"text"}, conflict.Fields)

		stored, err := store.GetMessage(ctx, "c1", "m1")
		require.NoError(t, err)
		assert.Equal(t, msg.Text, stored.Text)
		assert.Equal(t, msg.Status, stored.Status)
	})
}

func TestStoreUpsertMessageComparesRecipientsAsSet(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MirrorStore) {
		ctx := context.Background()
		msg := testMessage("m1", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
		msg.To = []string{"+1777", "+1666"}
		_, err := store.UpsertMessage(ctx, msg, WriteMerge)
		require.NoError(t, err)

		msg.To = []string{"+1666", "+1777", "+1666"}
		outcome, err := store.UpsertMessage(ctx, msg, WriteInsertIfAbsent)
		require.NoError(t, err)
		assert.Equal(t, WriteUnchanged, outcome)
	})
}

func TestStoreUpsertMessageValidatesInput(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MirrorStore) {
		_, err := store.UpsertMessage(context.Background(), Message{ID: "m1"}, WriteMerge)
		assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)
	})
}

func TestStoreMergeConversationIsMonotonic(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MirrorStore) {
		ctx := context.Background()
		t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		t2 := t1.Add(time.Hour)

		conv, err := store.MergeConversation(ctx, ConversationPatch{
			ID:             "c1",
			PhoneNumberID:  "PN1",
			Participants:   []string{"+1555"},
			ParticipantSet: ParticipantsReplace,
			LastActivityAt: t2,
		})
		require.NoError(t, err)
		assert.True(t, conv.LastActivityAt.Equal(t2))

		conv, err = store.MergeConversation(ctx, ConversationPatch{ID: "c1", LastActivityAt: t1})
		require.NoError(t, err)
		assert.True(t, conv.LastActivityAt.Equal(t2), "lastActivityAt regressed to %v", conv.LastActivityAt)
		assert.Equal(t, "PN1", conv.PhoneNumberID)
		assert.Equal(t, []string{"+1555"}, conv.Participants)

		stored, err := store.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, stored.LastActivityAt.Equal(t2))
	})
}

func TestStoreMergeConversationParticipantRules(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MirrorStore) {
		ctx := context.Background()

		conv, err := store.MergeConversation(ctx, ConversationPatch{ID: "c1", Participants: []string{"+1999"}, ParticipantSet: ParticipantsKeep})
		require.NoError(t, err)
		assert.Equal(t, []string{}, conv.Participants)

		conv, err = store.MergeConversation(ctx, ConversationPatch{ID: "c1", Participants: []string{"+1777", "+1666", "+1777"}, ParticipantSet: ParticipantsFillEmpty})
		require.NoError(t, err)
		assert.Equal(t, []string{"+1666", "+1777"}, conv.Participants)

		conv, err = store.MergeConversation(ctx, ConversationPatch{ID: "c1", Participants: []string{"+1888"}, ParticipantSet: ParticipantsFillEmpty})
		require.NoError(t, err)
		assert.Equal(t, []string{"+1666", "+1777"}, conv.Participants)

		conv, err = store.MergeConversation(ctx, ConversationPatch{ID: "c1", Participants: []string{"+1888"}, ParticipantSet: ParticipantsReplace})
		require.NoError(t, err)
		assert.Equal(t, []string{"+1888"}, conv.Participants)

		conv, err = store.MergeConversation(ctx, ConversationPatch{ID: "c1", Name: "Front desk"})
		require.NoError(t, err)
		assert.Equal(t, "Front desk", conv.Name)
		assert.Equal(t, []string{"+1888"}, conv.Participants)
	})
}

func TestStoreListOrdering(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MirrorStore) {
		ctx := context.Background()
		base := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
		for i, id := range []string{"c-old", "c-new", "c-mid"} {
			offsets := []time.Duration{0, 2 * time.Hour, time.Hour}
			_, err := store.MergeConversation(ctx, ConversationPatch{ID: id, LastActivityAt: base.Add(offsets[i])})
			require.NoError(t, err)
		}
		conversations, err := store.ListConversations(ctx, ListOptions{})
		require.NoError(t, err)
		require.Len(t, conversations, 3)
		assert.Equal(t, "c-new", conversations[0].ID)
		assert.Equal(t, "c-mid", conversations[1].ID)
		assert.Equal(t, "c-old", conversations[2].ID)

		limited, err := store.ListConversations(ctx, ListOptions{Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, "c-new", limited[0].ID)

		for _, offset := range []int{3, 1, 2} {
			_, err := store.UpsertMessage(ctx, testMessage(fmt.Sprintf("m%d", offset), base.Add(time.Duration(offset)*time.Minute)), WriteMerge)
			require.NoError(t, err)
		}
		messages, err := store.ListMessages(ctx, "c1", ListOptions{})
		require.NoError(t, err)
		require.Len(t, messages, 3)
		assert.Equal(t, "m1", messages[0].ID)
		assert.Equal(t, "m2", messages[1].ID)
		assert.Equal(t, "m3", messages[2].ID)

		empty, err := store.ListMessages(ctx, "missing", ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestStoreNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MirrorStore) {
		ctx := context.Background()
		_, err := store.GetConversation(ctx, "nope")
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
		_, err = store.GetMessage(ctx, "nope", "nope")
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
		_, err = store.GetCredential(ctx, "user-1")
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	})
}

func TestStoreCredentials(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MirrorStore) {
		ctx := context.Background()
		require.NoError(t, store.SetCredential(ctx, "user-1", " key-1 "))
		credential, err := store.GetCredential(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "key-1", credential)

		require.NoError(t, store.SetCredential(ctx, "user-1", "key-2"))
		credential, err = store.GetCredential(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "key-2", credential)

		require.NoError(t, store.SetCredential(ctx, "user-1", ""))
		_, err = store.GetCredential(ctx, "user-1")
		assert.True(t, errors.Is(err, ErrNotFound))

		assert.True(t, errors.Is(store.SetCredential(ctx, " ", "x"), ErrInvalidInput))
	})
}

func TestStoreConcurrentUpsertsConverge(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MirrorStore) {
		ctx := context.Background()
		msg := testMessage("m-race", time.Date(2024, 3, 3, 3, 3, 3, 0, time.UTC))

		var (
			wg      sync.WaitGroup
			created int32
		)
		for i := 0; i < 8; i++ {
			mode := WriteMerge
			if i%2 == 1 {
				mode = WriteInsertIfAbsent
			}
			wg.Add(1)
			go func(mode WriteMode) {
				defer wg.Done()
				outcome, err := store.UpsertMessage(ctx, msg, mode)
				if err != nil {
					t.Errorf("upsert: %v", err)
					return
				}
				if outcome == WriteCreated {
					atomic.AddInt32(&created, 1)
				}
			}(mode)
		}
		wg.Wait()
		assert.Equal(t, int32(1), atomic.LoadInt32(&created))

		messages, err := store.ListMessages(ctx, "c1", ListOptions{})
		require.NoError(t, err)
		require.Len(t, messages, 1)
	})
}

func TestStoreSubscribeDeliversSnapshotThenChanges(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MirrorStore) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		base := time.Date(2024, 4, 4, 4, 4, 4, 0, time.UTC)
		_, err := store.UpsertMessage(ctx, testMessage("m1", base), WriteMerge)
		require.NoError(t, err)

		sub, err := store.Subscribe(ctx, MessagesTopic("c1"))
		require.NoError(t, err)
		defer sub.Close()
		require.Len(t, sub.Snapshot.Messages, 1)
		assert.Equal(t, "m1", sub.Snapshot.Messages[0].ID)

		_, err = store.UpsertMessage(ctx, testMessage("m2", base.Add(time.Minute)), WriteMerge)
		require.NoError(t, err)
		other := testMessage("x1", base)
		other.ConversationID = "c2"
		_, err = store.UpsertMessage(ctx, other, WriteMerge)
		require.NoError(t, err)

		select {
		case change, ok := <-sub.Changes:
			require.True(t, ok, "changes closed early")
			assert.Equal(t, ChangeAdded, change.Kind)
			require.NotNil(t, change.Message)
			assert.Equal(t, "m2", change.Message.ID)
		case <-time.After(5 * time.Second):
			t.Fatalf("expected change for m2")
		}
	})
}

func TestStoreSubscribeSeesConcurrentMergesInCommitOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MirrorStore) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		base := time.Date(2024, 4, 4, 4, 4, 4, 0, time.UTC)
		_, err := store.MergeConversation(ctx, ConversationPatch{ID: "c1", PhoneNumberID: "PN1", LastActivityAt: base})
		require.NoError(t, err)

		sub, err := store.Subscribe(ctx, ConversationsTopic())
		require.NoError(t, err)
		defer sub.Close()

		const writers = 16
		var wg sync.WaitGroup
		for i := 1; i <= writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := store.MergeConversation(ctx, ConversationPatch{ID: "c1", LastActivityAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
					t.Errorf("merge %d: %v", i, err)
				}
			}(i)
		}
		wg.Wait()

		latest := base.Add(writers * time.Minute)
		var seen []time.Time
	drain:
		for {
			select {
			case change, ok := <-sub.Changes:
				require.True(t, ok, "changes closed early")
				require.NotNil(t, change.Conversation)
				seen = append(seen, change.Conversation.LastActivityAt)
			case <-time.After(500 * time.Millisecond):
				break drain
			}
		}
		require.NotEmpty(t, seen)
		for i := 1; i < len(seen); i++ {
			assert.False(t, seen[i].Before(seen[i-1]), "change %d went back from %v to %v", i, seen[i-1], seen[i])
		}
		assert.True(t, seen[len(seen)-1].Equal(latest), "last change %v, want %v", seen[len(seen)-1], latest)
	})
}

func TestStoreSubscribeRejectsInvalidTopic(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MirrorStore) {
		_, err := store.Subscribe(context.Background(), MessagesTopic(" "))
		assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)
	})
}
