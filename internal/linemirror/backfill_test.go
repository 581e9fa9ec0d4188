package linemirror

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, history HistoryClient, cooldown Cooldown, ttl time.Duration) (*BackfillCoordinator, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	seedConversation(t, store, time.Now().Add(-time.Hour))
	require.NoError(t, store.SetCredential(context.Background(), "user-1", "api-key"))
	reconciler := NewReconciler(store, history, ReconcilerOptions{})
	return NewBackfillCoordinator(reconciler, store, BackfillCoordinatorOptions{Cooldown: cooldown, CooldownTTL: ttl}), store
}

func TestBackfillCoordinatorRunUsesStoredCredential(t *testing.T) {
	history := &fakeHistory{messages: []Message{remoteMessage("m1", time.Now().Add(-time.Minute))}}
	coordinator, store := newTestCoordinator(t, history, nil, 0)

	report, err := coordinator.Run(context.Background(), BackfillRequest{ConversationID: "c1", UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, []string{"api-key"}, history.creds)

	_, err = store.GetMessage(context.Background(), "c1", "m1")
	require.NoError(t, err)
	assert.False(t, coordinator.Running("c1"))
}

func TestBackfillCoordinatorMissingCredential(t *testing.T) {
	coordinator, _ := newTestCoordinator(t, &fakeHistory{}, nil, 0)
	_, err := coordinator.Run(context.Background(), BackfillRequest{ConversationID: "c1", UserID: "someone-else"})
	assert.True(t, errors.Is(err, ErrMissingCredential), "got %v", err)

	_, err = coordinator.Run(context.Background(), BackfillRequest{ConversationID: "c1"})
	assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)
}

func TestBackfillCoordinatorRefusesConcurrentRunAndCancels(t *testing.T) {
	history := &fakeHistory{block: make(chan struct{})}
	coordinator, _ := newTestCoordinator(t, history, nil, 0)
	req := BackfillRequest{ConversationID: "c1", UserID: "user-1"}

	require.NoError(t, coordinator.Start(req))
	assert.True(t, coordinator.Running("c1"))
	assert.True(t, errors.Is(coordinator.Start(req), ErrBackfillInProgress))

	assert.True(t, coordinator.Cancel("c1"))
	coordinator.Wait()
	assert.False(t, coordinator.Running("c1"))
	assert.False(t, coordinator.Cancel("c1"))
}

func TestBackfillCoordinatorCooldown(t *testing.T) {
	history := &fakeHistory{}
	coordinator, _ := newTestCoordinator(t, history, NewMemoryCooldown(), time.Minute)
	req := BackfillRequest{ConversationID: "c1", UserID: "user-1"}

	_, err := coordinator.Run(context.Background(), req)
	require.NoError(t, err)
	_, err = coordinator.Run(context.Background(), req)
	assert.True(t, errors.Is(err, ErrBackfillCooldown), "got %v", err)
	assert.Equal(t, 1, history.calls)
}

func TestBackfillCoordinatorFetchFailureReleasesCooldown(t *testing.T) {
	history := &fakeHistory{err: errors.New("connection reset")}
	coordinator, _ := newTestCoordinator(t, history, NewMemoryCooldown(), time.Minute)
	req := BackfillRequest{ConversationID: "c1", UserID: "user-1"}

	report, err := coordinator.Run(context.Background(), req)
	require.NoError(t, err)
	require.Error(t, report.FetchError)

	_, err = coordinator.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, history.calls)
}

func TestInlineBackfillQueue(t *testing.T) {
	history := &fakeHistory{messages: []Message{remoteMessage("m1", time.Now().Add(-time.Minute))}}
	coordinator, store := newTestCoordinator(t, history, nil, 0)
	queue := NewInlineBackfillQueue(coordinator)

	require.NoError(t, queue.EnqueueBackfill(context.Background(), BackfillRequest{ConversationID: "c1", UserID: "user-1"}))
	coordinator.Wait()
	_, err := store.GetMessage(context.Background(), "c1", "m1")
	require.NoError(t, err)

	cancelled, err := queue.CancelBackfill(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestBackfillTaskHandler(t *testing.T) {
	history := &fakeHistory{messages: []Message{remoteMessage("m1", time.Now().Add(-time.Minute))}}
	coordinator, store := newTestCoordinator(t, history, nil, 0)
	handler := NewBackfillTaskHandler(coordinator, nil)

	payload, err := json.Marshal(BackfillRequest{ConversationID: "c1", UserID: "user-1"})
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), asynq.NewTask(TaskConversationBackfill, payload)))
	_, err = store.GetMessage(context.Background(), "c1", "m1")
	require.NoError(t, err)

	err = handler(context.Background(), asynq.NewTask(TaskConversationBackfill, []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry), "got %v", err)

	missing, err := json.Marshal(BackfillRequest{ConversationID: "c1", UserID: "nobody"})
	require.NoError(t, err)
	err = handler(context.Background(), asynq.NewTask(TaskConversationBackfill, missing))
	assert.True(t, errors.Is(err, asynq.SkipRetry), "got %v", err)
}

func TestMemoryCooldown(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cooldown := NewMemoryCooldown()
	cooldown.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := cooldown.Acquire(ctx, "c1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = cooldown.Acquire(ctx, "c1", time.Minute)
	assert.False(t, ok)
	ok, _ = cooldown.Acquire(ctx, "c2", time.Minute)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	ok, _ = cooldown.Acquire(ctx, "c1", time.Minute)
	assert.True(t, ok)

	require.NoError(t, cooldown.Release(ctx, "c1"))
	ok, _ = cooldown.Acquire(ctx, "c1", time.Minute)
	assert.True(t, ok)

	ok, _ = cooldown.Acquire(ctx, "c1", 0)
	assert.True(t, ok, "zero ttl disables the cooldown")
}
