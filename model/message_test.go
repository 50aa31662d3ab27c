package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewMessage(t *testing.T) {
	msg := NewMessage("arn:cmb:cns:us-east-1:42:orders", "42", "greeting", "hello")

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "arn:cmb:cns:us-east-1:42:orders", msg.TopicArn)
	assert.Equal(t, "42", msg.UserID)
	assert.Equal(t, "greeting", msg.Subject)
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, time.UTC, msg.Timestamp.Location())
	assert.WithinDuration(t, time.Now(), msg.Timestamp, time.Second)

	other := NewMessage("arn", "42", "", "hello")
	assert.NotEqual(t, msg.ID, other.ID)
}

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		structure string
		wantErr   error
	}{
		{name: "plain", body: "hello"},
		{name: "empty body", body: "", wantErr: ErrEmptyMessage},
		{name: "json with default", body: `{"default":"hi","http":"hi http"}`, structure: "json"},
		{name: "json without default", body: `{"http":"hi"}`, structure: "json", wantErr: ErrMissingDefaultBody},
		{name: "json not an object", body: `"hi"`, structure: "json", wantErr: ErrMissingDefaultBody},
		{name: "json default not a string", body: `{"default":1}`, structure: "json", wantErr: ErrMissingDefaultBody},
		{name: "unknown structure", body: "hello", structure: "xml", wantErr: ErrInvalidStructure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Message{Body: tt.body, Structure: tt.structure}
			err := m.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestMessage_BodyFor(t *testing.T) {
	structured := Message{
		Body:      `{"default":"generic","email":"for email","cqs":"for queue"}`,
		Structure: MessageStructureJSON,
	}

	assert.Equal(t, "for email", structured.BodyFor(ProtocolEmail))
	assert.Equal(t, "for queue", structured.BodyFor(ProtocolCQS))
	assert.Equal(t, "generic", structured.BodyFor(ProtocolHTTPS))

	plain := Message{Body: `{"default":"x"}`}
	assert.Equal(t, `{"default":"x"}`, plain.BodyFor(ProtocolEmail))
}

func TestMessage_Equal(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := Message{ID: "1", Body: "b", Timestamp: ts, Attributes: map[string]MessageAttribute{"k": {DataType: "String", Value: "v"}}}
	b := a
	b.Timestamp = ts.In(time.FixedZone("X", 3600))
	b.Attributes = map[string]MessageAttribute{"k": {DataType: "String", Value: "v"}}

	assert.True(t, a.Equal(b))

	b.Attributes["k"] = MessageAttribute{DataType: "String", Value: "w"}
	assert.False(t, a.Equal(b))

	c := a
	c.Subject = "s"
	assert.False(t, a.Equal(c))
}
