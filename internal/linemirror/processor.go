package linemirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeIgnored  Outcome = "ignored"
)

// DeliveredRule names how message.delivered refreshes a conversation's
// participants.
type DeliveredRule string

const (
	DeliveredReplace   DeliveredRule = "replace"
	DeliveredFillEmpty DeliveredRule = "fill-empty"
	DeliveredKeep      DeliveredRule = "keep"
)

func ParseDeliveredRule(raw string) (DeliveredRule, error) {
	switch rule := DeliveredRule(strings.ToLower(strings.TrimSpace(raw))); rule {
	case "", DeliveredReplace:
		return DeliveredReplace, nil
	case DeliveredFillEmpty, DeliveredKeep:
		return rule, nil
	default:
		return "", fmt.Errorf("%w: delivered participant rule %q", ErrInvalidInput, raw)
	}
}

func (r DeliveredRule) participantRule() ParticipantRule {
	switch r {
	case DeliveredFillEmpty:
		return ParticipantsFillEmpty
	case DeliveredKeep:
		return ParticipantsKeep
	default:
		return ParticipantsReplace
	}
}

type ProcessorOptions struct {
	// DeliveredParticipants defaults to DeliveredReplace, the rule
	// message.received uses.
	DeliveredParticipants DeliveredRule
	Logger                *slog.Logger
}

// Processor turns webhook events into store mutations. It holds no state of
// its own and is safe for concurrent use.
type Processor struct {
	store                 Store
	deliveredParticipants ParticipantRule
	logger                *slog.Logger
}

func NewProcessor(store Store, opts ProcessorOptions) *Processor {
	rule := opts.DeliveredParticipants.participantRule()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: store, deliveredParticipants: rule, logger: logger}
}

func (p *Processor) Apply(ctx context.Context, event Event) (Outcome, error) {
	switch e := event.(type) {
	case MessageReceived:
		return p.applyMessage(ctx, e.EventType(), e.Message, e.PhoneNumberID, ParticipantsReplace)
	case MessageDelivered:
		return p.applyMessage(ctx, e.EventType(), e.Message, e.PhoneNumberID, p.deliveredParticipants)
	case OtherEvent:
		p.logger.DebugContext(ctx, "ignoring webhook event", "event_type", e.Type)
		return OutcomeIgnored, nil
	case nil:
		return "", fmt.Errorf("%w: nil event", ErrMalformedPayload)
	default:
		return "", fmt.Errorf("%w: unsupported event %T", ErrMalformedPayload, event)
	}
}

func (p *Processor) applyMessage(ctx context.Context, eventType string, msg Message, phoneNumberID string, rule ParticipantRule) (Outcome, error) {
	outcome, err := p.store.UpsertMessage(ctx, msg, WriteMerge)
	var conflict *IntegrityConflictError
	if errors.As(err, &conflict) {
		// A retry cannot repair it, so the delivery is acknowledged.
		p.logger.WarnContext(ctx, "message integrity conflict",
			"event_type", eventType,
			"conversation_id", conflict.ConversationID,
			"message_id", conflict.MessageID,
			"fields", conflict.Fields,
		)
		return OutcomeAccepted, nil
	}
	if err != nil {
		return "", fmt.Errorf("upsert message %s: %w", msg.ID, err)
	}

	if _, err := p.store.MergeConversation(ctx, ConversationPatch{
		ID:             msg.ConversationID,
		PhoneNumberID:  phoneNumberID,
		Participants:   participantsFor(msg),
		ParticipantSet: rule,
		LastActivityAt: msg.CreatedAt,
	}); err != nil {
		return "", fmt.Errorf("merge conversation %s: %w", msg.ConversationID, err)
	}
	p.logger.DebugContext(ctx, "webhook event applied",
		"event_type", eventType,
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"write", string(outcome),
	)
	return OutcomeAccepted, nil
}

// participantsFor is the counterpart set: the sender of an incoming message,
// the recipients of an outgoing one.
func participantsFor(msg Message) []string {
	if msg.Direction == DirectionIncoming {
		return []string{msg.From}
	}
	return msg.To
}
