package linemirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type ConversationSyncerOptions struct {
	Lookback time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// ConversationSyncer pulls the provider's conversation list into the store.
// Names and phone lines fill in; participants only fill empty sets and
// activity only moves forward.
type ConversationSyncer struct {
	store     Store
	directory ConversationDirectory
	lookback  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

type ConversationSyncReport struct {
	Fetched    int           `json:"fetched"`
	Merged     int           `json:"merged"`
	Skipped    int           `json:"skipped"`
	FetchError error         `json:"-"`
	Duration   time.Duration `json:"duration"`
}

func NewConversationSyncer(store Store, directory ConversationDirectory, opts ConversationSyncerOptions) *ConversationSyncer {
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
	return &ConversationSyncer{
		store:     store,
		directory: directory,
		lookback:  lookback,
		now:       now,
		logger:    logger,
	}
}

// Sync merges every conversation the credential sees that changed within the
// lookback window. A remote failure lands in ConversationSyncReport.FetchError.
func (s *ConversationSyncer) Sync(ctx context.Context, credential string) (ConversationSyncReport, error) {
	started := s.now()
	var report ConversationSyncReport
	remote, err := s.directory.ListConversations(ctx, credential, ConversationQuery{
		UpdatedAfter: started.Add(-s.lookback),
		MaxResults:   maxHistoryPageSize,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}
		report.FetchError = fmt.Errorf("%w: %w", ErrRemoteFetch, err)
		report.Duration = s.now().Sub(started)
		s.logger.WarnContext(ctx, "conversation list fetch failed", "error", err)
		return report, nil
	}
	report.Fetched = len(remote)

	for _, conv := range remote {
		if err := ctx.Err(); err != nil {
			report.Duration = s.now().Sub(started)
			return report, err
		}
		if conv.ID == "" {
			report.Skipped++
			continue
		}
		_, err := s.store.MergeConversation(ctx, ConversationPatch{
			ID:             conv.ID,
			Name:           conv.Name,
			PhoneNumberID:  conv.PhoneNumberID,
			Participants:   conv.Participants,
			ParticipantSet: ParticipantsFillEmpty,
			LastActivityAt: conv.LastActivityAt,
		})
		if errors.Is(err, ErrInvalidInput) {
			report.Skipped++
			continue
		}
		if err != nil {
			report.Duration = s.now().Sub(started)
			return report, fmt.Errorf("merge conversation %s: %w", conv.ID, err)
		}
		report.Merged++
	}
	report.Duration = s.now().Sub(started)
	s.logger.InfoContext(ctx, "conversations synced",
		"fetched", report.Fetched,
		"merged", report.Merged,
		"skipped", report.Skipped,
	)
	return report, nil
}
