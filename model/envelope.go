package model

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// EnvelopeTypeNotification is the Type of a delivered notification.
const EnvelopeTypeNotification = "Notification"

// SignatureVersion identifies the canonical string and algorithm used by
// Signer.
const SignatureVersion = "1"

// Envelope is the JSON document delivered to subscribers that did not ask
// for raw message delivery.
type Envelope struct {
	Type              string                      `json:"Type"`
	MessageID         string                      `json:"MessageId"`
	TopicArn          string                      `json:"TopicArn"`
	SubscriptionArn   string                      `json:"SubscriptionArn,omitempty"`
	Subject           string                      `json:"Subject,omitempty"`
	Message           string                      `json:"Message"`
	Timestamp         string                      `json:"Timestamp"`
	SignatureVersion  string                      `json:"SignatureVersion"`
	Signature         string                      `json:"Signature"`
	SigningCertURL    string                      `json:"SigningCertURL"`
	UnsubscribeURL    string                      `json:"UnsubscribeURL"`
	MessageAttributes map[string]MessageAttribute `json:"MessageAttributes,omitempty"`
}

// Signer signs notification envelopes with HMAC-SHA256.
type Signer struct {
	key            []byte
	signingCertURL string
	unsubscribeURL string
}

// NewSigner creates a signer. serviceURL is the public base URL of the
// service and is used to build the certificate and unsubscribe links.
func NewSigner(key []byte, serviceURL string) *Signer {
	base := strings.TrimRight(serviceURL, "/")
	return &Signer{
		key:            key,
		signingCertURL: base + "/cns/signing-cert",
		unsubscribeURL: base + "/api/v1/subscriptions/",
	}
}

// Envelope builds the signed envelope for one delivery.
func (s *Signer) Envelope(m Message, info EndpointSubscriptionInfo) Envelope {
	env := Envelope{
		Type:              EnvelopeTypeNotification,
		MessageID:         m.ID,
		TopicArn:          m.TopicArn,
		SubscriptionArn:   info.SubscriptionArn,
		Subject:           m.Subject,
		Message:           m.BodyFor(info.Protocol),
		Timestamp:         m.Timestamp.UTC().Format(time.RFC3339Nano),
		SignatureVersion:  SignatureVersion,
		SigningCertURL:    s.signingCertURL,
		UnsubscribeURL:    s.unsubscribeURL + info.SubscriptionArn,
		MessageAttributes: m.Attributes,
	}
	env.Signature = s.Sign(env)
	return env
}

// Sign returns the base64 HMAC of the envelope's canonical string.
func (s *Signer) Sign(env Envelope) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(CanonicalString(env)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether env carries a valid signature.
func (s *Signer) Verify(env Envelope) bool {
	want, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(CanonicalString(env)))
	return hmac.Equal(want, mac.Sum(nil))
}

// CanonicalString returns the newline separated name/value pairs signed for
// a notification. Subject is included only when present.
func CanonicalString(env Envelope) string {
	var b strings.Builder
	pair := func(name, value string) {
		b.WriteString(name)
		b.WriteByte('\n')
		b.WriteString(value)
		b.WriteByte('\n')
	}
	pair("Message", env.Message)
	pair("MessageId", env.MessageID)
	if env.Subject != "" {
		pair("Subject", env.Subject)
	}
	pair("Timestamp", env.Timestamp)
	pair("TopicArn", env.TopicArn)
	pair("Type", env.Type)
	return b.String()
}

// Frame returns the payload delivered for one attempt: the protocol body
// for raw delivery, otherwise the signed JSON envelope.
func (s *Signer) Frame(m Message, info EndpointSubscriptionInfo) (string, error) {
	if info.RawMessageDelivery {
		return m.BodyFor(info.Protocol), nil
	}
	data, err := json.Marshal(s.Envelope(m, info))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
