package linemirror

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotImplemented    = errors.New("not implemented")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrIntegrityConflict = errors.New("data integrity conflict")
	ErrRemoteFetch       = errors.New("remote fetch failed")
	ErrMissingCredential = errors.New("missing provider credential")
)

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

func ParseDirection(raw string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(raw))) {
	case DirectionIncoming:
		return DirectionIncoming, nil
	case DirectionOutgoing:
		return DirectionOutgoing, nil
	default:
		return "", fmt.Errorf("%w: unknown direction %q", ErrInvalidInput, raw)
	}
}

type Conversation struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	Participants   []string  `json:"participants"`
	PhoneNumberID  string    `json:"phoneNumberId"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	From           string    `json:"from"`
	To             []string  `json:"to"`
	Direction      Direction `json:"direction"`
	Text           string    `json:"text"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ParticipantRule decides how a conversation merge treats the participant set.
type ParticipantRule int

const (
	ParticipantsKeep ParticipantRule = iota
	ParticipantsReplace
	ParticipantsFillEmpty
)

// ConversationPatch is a partial conversation write. Zero values leave the
// stored field alone; LastActivityAt only ever moves forward.
type ConversationPatch struct {
	ID             string
	Name           string
	PhoneNumberID  string
	Participants   []string
	ParticipantSet ParticipantRule
	LastActivityAt time.Time
}

type WriteMode int

const (
	// WriteMerge inserts the message if absent, otherwise updates mutable fields.
	WriteMerge WriteMode = iota
	// WriteInsertIfAbsent inserts the message if absent and never touches an existing record.
	WriteInsertIfAbsent
)

type WriteOutcome string

const (
	WriteCreated   WriteOutcome = "created"
	WriteUpdated   WriteOutcome = "updated"
	WriteUnchanged WriteOutcome = "unchanged"
)

// IntegrityConflictError reports a message id observed with differing
// immutable fields. The stored record is left as it was.
type IntegrityConflictError struct {
	ConversationID string
	MessageID      string
	Fields         []string
}

func (e *IntegrityConflictError) Error() string {
	return fmt.Sprintf("data integrity conflict on message %s/%s: %s differ",
		e.ConversationID, e.MessageID, strings.Join(e.Fields, ","))
}

func (e *IntegrityConflictError) Is(target error) bool {
	return target == ErrIntegrityConflict
}

// NormalizeMessage trims identifiers, sorts the recipient set and truncates
// CreatedAt to the precision every store keeps.
func NormalizeMessage(msg Message) Message {
	msg.ID = strings.TrimSpace(msg.ID)
	msg.ConversationID = strings.TrimSpace(msg.ConversationID)
	msg.From = strings.TrimSpace(msg.From)
	msg.To = normalizeStringSlice(msg.To)
	msg.Status = strings.TrimSpace(msg.Status)
	msg.CreatedAt = normalizeTime(msg.CreatedAt)
	return msg
}

func validateMessage(msg Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return fmt.Errorf("%w: message and conversation id are required", ErrInvalidInput)
	}
	if msg.Direction != DirectionIncoming && msg.Direction != DirectionOutgoing {
		return fmt.Errorf("%w: direction %q", ErrInvalidInput, msg.Direction)
	}
	if msg.From == "" {
		return fmt.Errorf("%w: sender is required", ErrInvalidInput)
	}
	if msg.Direction == DirectionOutgoing && len(msg.To) == 0 {
		return fmt.Errorf("%w: outgoing message needs a recipient", ErrInvalidInput)
	}
	if msg.CreatedAt.IsZero() {
		return fmt.Errorf("%w: createdAt is required", ErrInvalidInput)
	}
	return nil
}

// immutableDiff lists the immutable fields that differ between two
// normalized messages with the same id.
func immutableDiff(stored, incoming Message) []string {
	var fields []string
	if stored.From != incoming.From {
		fields = append(fields, "from")
	}
	if !sameStringSet(stored.To, incoming.To) {
		fields = append(fields, "to")
	}
	if stored.Direction != incoming.Direction {
		fields = append(fields, "direction")
	}
	if stored.Text != incoming.Text {
		fields = append(fields, "text")
	}
	if !stored.CreatedAt.Equal(incoming.CreatedAt) {
		fields = append(fields, "createdAt")
	}
	return fields
}

func mergeConversation(existing Conversation, exists bool, patch ConversationPatch) Conversation {
	out := existing
	if !exists {
		out = Conversation{ID: patch.ID, Participants: []string{}}
	}
	if name := strings.TrimSpace(patch.Name); name != "" {
		out.Name = name
	}
	if line := strings.TrimSpace(patch.PhoneNumberID); line != "" {
		out.PhoneNumberID = line
	}
	participants := normalizeStringSlice(patch.Participants)
	switch patch.ParticipantSet {
	case ParticipantsReplace:
		out.Participants = participants
	case ParticipantsFillEmpty:
		if len(out.Participants) == 0 {
			out.Participants = participants
		}
	}
	if at := normalizeTime(patch.LastActivityAt); at.After(out.LastActivityAt) {
		out.LastActivityAt = at
	}
	if out.Participants == nil {
		out.Participants = []string{}
	}
	return out
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Microsecond)
}

func normalizeStringSlice(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, value := range in {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

func sameStringSet(a, b []string) bool {
	a = normalizeStringSlice(a)
	b = normalizeStringSlice(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func copyConversation(in Conversation) Conversation {
	in.Participants = append([]string{}, in.Participants...)
	return in
}

func copyMessage(in Message) Message {
	in.To = append([]string{}, in.To...)
	return in
}
