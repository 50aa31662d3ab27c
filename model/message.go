package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageStructureJSON marks a message whose body is a JSON object holding
// one body per protocol plus a "default" body.
const MessageStructureJSON = "json"

// Errors returned by Message.Validate.
var (
	ErrEmptyMessage       = errors.New("message body must not be empty")
	ErrInvalidStructure   = errors.New("messageStructure must be empty or \"json\"")
	ErrMissingDefaultBody = errors.New("message structure json requires a string \"default\" key")
)

// MessageAttribute is a typed user attribute carried with a message.
type MessageAttribute struct {
	DataType string `json:"Type"`
	Value    string `json:"Value"`
}

// Message is a notification published to a topic. It is immutable once
// published and travels inside publish and endpoint publish jobs.
type Message struct {
	ID         string                      `json:"messageId"`
	TopicArn   string                      `json:"topicArn"`
	UserID     string                      `json:"userId"`
	Subject    string                      `json:"subject,omitempty"`
	Body       string                      `json:"message"`
	Structure  string                      `json:"messageStructure,omitempty"`
	Timestamp  time.Time                   `json:"timestamp"`
	Attributes map[string]MessageAttribute `json:"messageAttributes,omitempty"`
}

// NewMessage creates a message with a fresh ID and the current UTC time.
func NewMessage(topicArn, userID, subject, body string) Message {
	return Message{
		ID:        uuid.NewString(),
		TopicArn:  topicArn,
		UserID:    userID,
		Subject:   subject,
		Body:      body,
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks the body against the message structure.
func (m Message) Validate() error {
	if m.Body == "" {
		return ErrEmptyMessage
	}

	switch m.Structure {
	case "":
		return nil
	case MessageStructureJSON:
		if _, err := m.structuredBodies(); err != nil {
			return err
		}
		return nil
	default:
		return ErrInvalidStructure
	}
}

// BodyFor returns the body delivered to a subscriber of the given protocol.
// Structured messages use the protocol's entry when present and the
// "default" entry otherwise.
func (m Message) BodyFor(protocol Protocol) string {
	if m.Structure != MessageStructureJSON {
		return m.Body
	}

	bodies, err := m.structuredBodies()
	if err != nil {
		return m.Body
	}
	if body, ok := bodies[string(protocol)]; ok {
		return body
	}
	return bodies["default"]
}

func (m Message) structuredBodies() (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(m.Body), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingDefaultBody, err)
	}

	bodies := make(map[string]string, len(raw))
	for key, value := range raw {
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			continue
		}
		bodies[key] = s
	}
	if _, ok := bodies["default"]; !ok {
		return nil, ErrMissingDefaultBody
	}
	return bodies, nil
}

// Equal reports whether two messages carry the same content. Timestamps are
// compared with time.Time.Equal.
func (m Message) Equal(o Message) bool {
	if m.ID != o.ID || m.TopicArn != o.TopicArn || m.UserID != o.UserID ||
		m.Subject != o.Subject || m.Body != o.Body || m.Structure != o.Structure ||
		!m.Timestamp.Equal(o.Timestamp) || len(m.Attributes) != len(o.Attributes) {
		return false
	}
	for name, attr := range m.Attributes {
		if other, ok := o.Attributes[name]; !ok || other != attr {
			return false
		}
	}
	return true
}

// PublishResult is returned to the publishing caller.
type PublishResult struct {
	MessageID string `json:"messageId"`
}
