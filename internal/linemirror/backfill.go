package linemirror

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	ErrBackfillInProgress = errors.New("backfill already in progress")
	ErrBackfillCooldown   = errors.New("backfill recently completed")
)

type BackfillRequest struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

func (r BackfillRequest) normalize() (BackfillRequest, error) {
	r.ConversationID = strings.TrimSpace(r.ConversationID)
	r.UserID = strings.TrimSpace(r.UserID)
	if r.ConversationID == "" || r.UserID == "" {
		return r, ErrInvalidInput
	}
	return r, nil
}

type BackfillCoordinatorOptions struct {
	Cooldown    Cooldown
	CooldownTTL time.Duration
	// Syncer enables conversation list syncs. Nil disables them.
	Syncer *ConversationSyncer
	Logger *slog.Logger
}

// BackfillCoordinator runs at most one reconcile per conversation at a time
// and lets a caller cancel the run in flight.
type BackfillCoordinator struct {
	reconciler  *Reconciler
	syncer      *ConversationSyncer
	credentials CredentialStore
	cooldown    Cooldown
	cooldownTTL time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewBackfillCoordinator(reconciler *Reconciler, credentials CredentialStore, opts BackfillCoordinatorOptions) *BackfillCoordinator {
	cooldown := opts.Cooldown
	if cooldown == nil {
		cooldown = noopCooldown{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BackfillCoordinator{
		reconciler:  reconciler,
		syncer:      opts.Syncer,
		credentials: credentials,
		cooldown:    cooldown,
		cooldownTTL: opts.CooldownTTL,
		logger:      logger,
		running:     map[string]context.CancelFunc{},
	}
}

// Run reconciles req.ConversationID with the user's stored credential and
// blocks until the run ends.
func (c *BackfillCoordinator) Run(ctx context.Context, req BackfillRequest) (ReconcileReport, error) {
	req, err := req.normalize()
	if err != nil {
		return ReconcileReport{}, err
	}
	runCtx, release, err := c.claim(ctx, req.ConversationID)
	if err != nil {
		return ReconcileReport{ConversationID: req.ConversationID}, err
	}
	defer release()
	return c.run(runCtx, req)
}

// Start runs the backfill in the background. Claiming happens before it
// returns so a duplicate request is refused synchronously.
func (c *BackfillCoordinator) Start(req BackfillRequest) error {
	req, err := req.normalize()
	if err != nil {
		return err
	}
	runCtx, release, err := c.claim(context.Background(), req.ConversationID)
	if err != nil {
		return err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer release()
		if _, err := c.run(runCtx, req); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("backfill failed", "conversation_id", req.ConversationID, "error", err)
		}
	}()
	return nil
}

// Cancel stops the run in flight for conversationID, if any.
func (c *BackfillCoordinator) Cancel(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.running[strings.TrimSpace(conversationID)]
	if ok {
		cancel()
	}
	return ok
}

func (c *BackfillCoordinator) Running(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[strings.TrimSpace(conversationID)]
	return ok
}

// Wait blocks until every run started with Start has returned.
func (c *BackfillCoordinator) Wait() {
	c.wg.Wait()
}

func (c *BackfillCoordinator) claimRun(ctx context.Context, key string) (context.Context, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.running[key]; busy {
		return nil, nil, ErrBackfillInProgress
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running[key] = cancel
	release := func() {
		c.mu.Lock()
		delete(c.running, key)
		c.mu.Unlock()
		cancel()
	}
	return runCtx, release, nil
}

func (c *BackfillCoordinator) claim(ctx context.Context, conversationID string) (context.Context, func(), error) {
	runCtx, release, err := c.claimRun(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	ok, err := c.cooldown.Acquire(ctx, conversationID, c.cooldownTTL)
	if err != nil {
		release()
		return nil, nil, err
	}
	if !ok {
		release()
		return nil, nil, ErrBackfillCooldown
	}
	return runCtx, release, nil
}

func (c *BackfillCoordinator) run(ctx context.Context, req BackfillRequest) (ReconcileReport, error) {
	report := ReconcileReport{ConversationID: req.ConversationID}
	credential, err := c.credentials.GetCredential(ctx, req.UserID)
	if errors.Is(err, ErrNotFound) {
		err = ErrMissingCredential
	}
	if err == nil {
		report, err = c.reconciler.Reconcile(ctx, req.ConversationID, credential)
	}
	if err != nil || report.FetchError != nil {
		// Failed runs must not hold the cooldown; the next trigger retries.
		if releaseErr := c.cooldown.Release(context.Background(), req.ConversationID); releaseErr != nil {
			c.logger.Warn("release backfill cooldown", "conversation_id", req.ConversationID, "error", releaseErr)
		}
	}
	return report, err
}

// ErrSyncDisabled means the coordinator was built without a ConversationSyncer.
var ErrSyncDisabled = errors.New("conversation sync not configured")

// syncKey keeps conversation list syncs apart from conversation ids in the
// running set.
func syncKey(userID string) string {
	return "sync\x00" + userID
}

// SyncConversations pulls the user's conversation list with the stored
// credential and blocks until it is merged.
func (c *BackfillCoordinator) SyncConversations(ctx context.Context, userID string) (ConversationSyncReport, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ConversationSyncReport{}, ErrInvalidInput
	}
	if c.syncer == nil {
		return ConversationSyncReport{}, ErrSyncDisabled
	}
	runCtx, release, err := c.claimRun(ctx, syncKey(userID))
	if err != nil {
		return ConversationSyncReport{}, err
	}
	defer release()
	return c.sync(runCtx, userID)
}

// StartConversationSync runs SyncConversations in the background.
func (c *BackfillCoordinator) StartConversationSync(userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidInput
	}
	if c.syncer == nil {
		return ErrSyncDisabled
	}
	runCtx, release, err := c.claimRun(context.Background(), syncKey(userID))
	if err != nil {
		return err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer release()
		if _, err := c.sync(runCtx, userID); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("conversation sync failed", "user_id", userID, "error", err)
		}
	}()
	return nil
}

func (c *BackfillCoordinator) sync(ctx context.Context, userID string) (ConversationSyncReport, error) {
	credential, err := c.credentials.GetCredential(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return ConversationSyncReport{}, ErrMissingCredential
	}
	if err != nil {
		return ConversationSyncReport{}, err
	}
	return c.syncer.Sync(ctx, credential)
}
