package linemirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

const (
	DefaultBackfillPageSize = 100
	DefaultBackfillLookback = 30 * 24 * time.Hour
)

type ReconcilerOptions struct {
	PageSize int
	Lookback time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Reconciler back-fills a conversation from the provider's history feed.
// It only ever inserts; records already in the store are left as they are.
type Reconciler struct {
	store    Store
	history  HistoryClient
	pageSize int
	lookback time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type ReconcileReport struct {
	ConversationID string        `json:"conversationId"`
	Fetched        int           `json:"fetched"`
	Inserted       int           `json:"inserted"`
	Existing       int           `json:"existing"`
	Conflicts      int           `json:"conflicts"`
	FetchError     error         `json:"-"`
	Duration       time.Duration `json:"duration"`
}

func NewReconciler(store Store, history HistoryClient, opts ReconcilerOptions) *Reconciler {
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > maxHistoryPageSize {
		pageSize = DefaultBackfillPageSize
	}
	lookback := opts.Lookback
	if lookback <= 0 {
		lookback = DefaultBackfillLookback
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    store,
		history:  history,
		pageSize: pageSize,
		lookback: lookback,
		now:      now,
		logger:   logger,
	}
}

// Reconcile inserts the remote messages of conversationID that the store does
// not hold yet. A remote fetch failure is logged and reported in
// ReconcileReport.FetchError; the returned error covers local failures,
// an unknown conversation and cancellation.
func (r *Reconciler) Reconcile(ctx context.Context, conversationID, credential string) (ReconcileReport, error) {
	started := r.now()
	conversationID = strings.TrimSpace(conversationID)
	report := ReconcileReport{ConversationID: conversationID}
	if conversationID == "" {
		return report, ErrInvalidInput
	}
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return report, err
	}

	remote, err := r.history.ListMessages(ctx, credential, HistoryQuery{
		PhoneNumberID: conv.PhoneNumberID,
		Participants:  conv.Participants,
		CreatedAfter:  started.Add(-r.lookback),
		MaxResults:    r.pageSize,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}
		report.FetchError = fmt.Errorf("%w: %w", ErrRemoteFetch, err)
		report.Duration = r.now().Sub(started)
		r.logger.WarnContext(ctx, "history fetch failed", "conversation_id", conversationID, "error", err)
		return report, nil
	}
	report.Fetched = len(remote)
	sort.SliceStable(remote, func(i, j int) bool {
		return remote[i].CreatedAt.Before(remote[j].CreatedAt)
	})

	// newest spans created and already stored messages alike.
	var (
		newest  time.Time
		loopErr error
	)
	for _, msg := range remote {
		if err := ctx.Err(); err != nil {
			loopErr = err
			break
		}
		msg.ConversationID = conversationID
		outcome, err := r.store.UpsertMessage(ctx, msg, WriteInsertIfAbsent)
		var conflict *IntegrityConflictError
		switch {
		case errors.As(err, &conflict):
			report.Conflicts++
			r.logger.WarnContext(ctx, "message integrity conflict",
				"conversation_id", conversationID,
				"message_id", conflict.MessageID,
				"fields", conflict.Fields,
			)
			continue
		case errors.Is(err, ErrInvalidInput):
			r.logger.WarnContext(ctx, "skipping invalid history record", "conversation_id", conversationID, "message_id", msg.ID, "error", err)
			continue
		case err != nil:
			loopErr = fmt.Errorf("insert message %s: %w", msg.ID, err)
		}
		if loopErr != nil {
			break
		}
		if outcome == WriteCreated {
			report.Inserted++
		} else {
			report.Existing++
		}
		if msg.CreatedAt.After(newest) {
			newest = msg.CreatedAt
		}
	}

	if !newest.IsZero() {
		mergeCtx := ctx
		if loopErr != nil {
			mergeCtx = context.WithoutCancel(ctx)
		}
		if _, err := r.store.MergeConversation(mergeCtx, ConversationPatch{ID: conversationID, LastActivityAt: newest}); err != nil {
			err = fmt.Errorf("merge conversation %s: %w", conversationID, err)
			if loopErr == nil {
				loopErr = err
			} else {
				r.logger.WarnContext(ctx, "conversation activity not merged", "conversation_id", conversationID, "error", err)
			}
		}
	}
	if loopErr != nil {
		report.Duration = r.now().Sub(started)
		return report, loopErr
	}
	report.Duration = r.now().Sub(started)
	r.logger.InfoContext(ctx, "conversation reconciled",
		"conversation_id", conversationID,
		"fetched", report.Fetched,
		"inserted", report.Inserted,
		"existing", report.Existing,
		"conflicts", report.Conflicts,
	)
	return report, nil
}
