package linemirror

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	EventMessageReceived  = "message.received"
	EventMessageDelivered = "message.delivered"

	eventSchemaURL = "https://linemirror.local/schemas/webhook-event.json"
)

//go:embed event_schema.json
var eventSchemaJSON []byte

var (
	eventSchemaOnce sync.Once
	eventSchema     *jsonschema.Schema
	eventSchemaErr  error
)

// Event is one decoded provider webhook delivery. The set of implementations
// is closed: MessageReceived, MessageDelivered and OtherEvent.
type Event interface {
	EventType() string
	isEvent()
}

type MessageReceived struct {
	Message       Message
	PhoneNumberID string
}

type MessageDelivered struct {
	Message       Message
	PhoneNumberID string
}

type OtherEvent struct {
	Type string
}

func (MessageReceived) EventType() string  { return EventMessageReceived }
func (MessageDelivered) EventType() string { return EventMessageDelivered }
func (e OtherEvent) EventType() string     { return e.Type }

func (MessageReceived) isEvent()  {}
func (MessageDelivered) isEvent() {}
func (OtherEvent) isEvent()       {}

type webhookEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object webhookMessage `json:"object"`
	} `json:"data"`
}

type webhookMessage struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversationId"`
	From           string   `json:"from"`
	To             []string `json:"to"`
	Direction      string   `json:"direction"`
	Body           *string  `json:"body"`
	Text           *string  `json:"text"`
	Status         *string  `json:"status"`
	CreatedAt      string   `json:"createdAt"`
	PhoneNumberID  string   `json:"phoneNumberId"`
}

// ParseEvent validates body against the webhook schema and decodes it. Any
// structural problem is reported as ErrMalformedPayload.
func ParseEvent(body []byte) (Event, error) {
	schema, err := compiledEventSchema()
	if err != nil {
		return nil, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	switch envelope.Type {
	case EventMessageReceived, EventMessageDelivered:
	default:
		return OtherEvent{Type: envelope.Type}, nil
	}

	msg, err := envelope.Data.Object.toMessage()
	if err != nil {
		return nil, err
	}
	phoneNumberID := strings.TrimSpace(envelope.Data.Object.PhoneNumberID)
	if envelope.Type == EventMessageReceived {
		return MessageReceived{Message: msg, PhoneNumberID: phoneNumberID}, nil
	}
	return MessageDelivered{Message: msg, PhoneNumberID: phoneNumberID}, nil
}

func (m webhookMessage) toMessage() (Message, error) {
	direction, err := ParseDirection(m.Direction)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(m.CreatedAt))
	if err != nil {
		return Message{}, fmt.Errorf("%w: createdAt: %v", ErrMalformedPayload, err)
	}
	msg := NormalizeMessage(Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		From:           m.From,
		To:             m.To,
		Direction:      direction,
		Text:           firstNonNil(m.Body, m.Text),
		Status:         derefString(m.Status),
		CreatedAt:      createdAt,
	})
	if err := validateMessage(msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return msg, nil
}

func compiledEventSchema() (*jsonschema.Schema, error) {
	eventSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(eventSchemaJSON))
		if err != nil {
			eventSchemaErr = fmt.Errorf("load event schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat()
		if err := compiler.AddResource(eventSchemaURL, doc); err != nil {
			eventSchemaErr = fmt.Errorf("add event schema: %w", err)
			return
		}
		eventSchema, eventSchemaErr = compiler.Compile(eventSchemaURL)
	})
	return eventSchema, eventSchemaErr
}

func firstNonNil(values ...*string) string {
	for _, value := range values {
		if value != nil {
			return *value
		}
	}
	return ""
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
