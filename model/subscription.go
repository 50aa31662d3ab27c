package model

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Protocol is the delivery protocol of a subscription.
type Protocol string

// Supported protocols.
const (
	ProtocolHTTP      Protocol = "http"
	ProtocolHTTPS     Protocol = "https"
	ProtocolEmail     Protocol = "email"
	ProtocolEmailJSON Protocol = "email_json"
	ProtocolCQS       Protocol = "cqs"
	ProtocolRedis     Protocol = "redis"
)

// Protocols lists every supported protocol.
var Protocols = []Protocol{
	ProtocolHTTP, ProtocolHTTPS, ProtocolEmail, ProtocolEmailJSON, ProtocolCQS, ProtocolRedis,
}

// Valid reports whether p is a supported protocol.
func (p Protocol) Valid() bool {
	for _, known := range Protocols {
		if p == known {
			return true
		}
	}
	return false
}

// RequiresConfirmation reports whether new subscriptions of this protocol
// start unconfirmed. Queue and channel endpoints are owned by the caller
// and are confirmed on creation.
func (p Protocol) RequiresConfirmation() bool {
	return p != ProtocolCQS && p != ProtocolRedis
}

// SubscriptionStatus is the confirmation state of a subscription.
type SubscriptionStatus string

// Subscription states.
const (
	SubscriptionPendingConfirmation SubscriptionStatus = "pending_confirmation"
	SubscriptionConfirmed           SubscriptionStatus = "confirmed"
)

// ErrInvalidConfirmationToken is returned by Confirm for a wrong token.
var ErrInvalidConfirmationToken = errors.New("invalid confirmation token")

// Subscription binds an endpoint of some protocol to a topic.
//
// Only confirmed subscriptions receive notifications. DeliveryPolicy holds
// the subscription's own delivery policy document (JSON) and may be empty.
type Subscription struct {
	ID                 int64              `json:"-" db:"id"`
	Arn                string             `json:"subscriptionArn" db:"arn"`
	TopicArn           string             `json:"topicArn" db:"topic_arn"`
	UserID             string             `json:"owner" db:"user_id"`
	Protocol           Protocol           `json:"protocol" db:"protocol"`
	Endpoint           string             `json:"endpoint" db:"endpoint"`
	Status             SubscriptionStatus `json:"status" db:"status"`
	ConfirmationToken  string             `json:"-" db:"confirmation_token"`
	RawMessageDelivery bool               `json:"rawMessageDelivery" db:"raw_message_delivery"`
	DeliveryPolicy     string             `json:"deliveryPolicy,omitempty" db:"delivery_policy"`
	CreatedAt          time.Time          `json:"createdAt" db:"created_at"`
}

// TableName returns the database table name for Subscription.
func (m Subscription) TableName() string {
	return tablePrefix + "subscription"
}

// NewSubscription creates a subscription of topicArn. Protocols that need a
// handshake start pending with a fresh confirmation token.
func NewSubscription(topicArn, userID string, protocol Protocol, endpoint string) Subscription {
	sub := Subscription{
		Arn:       topicArn + ":" + uuid.NewString(),
		TopicArn:  topicArn,
		UserID:    userID,
		Protocol:  protocol,
		Endpoint:  endpoint,
		Status:    SubscriptionConfirmed,
		CreatedAt: time.Now().UTC(),
	}
	if protocol.RequiresConfirmation() {
		sub.Status = SubscriptionPendingConfirmation
		sub.ConfirmationToken = uuid.NewString()
	}
	return sub
}

// IsConfirmed reports whether the subscription receives notifications.
func (m *Subscription) IsConfirmed() bool {
	return m.Status == SubscriptionConfirmed
}

// Confirm completes the handshake. Confirming twice is a no-op.
func (m *Subscription) Confirm(token string) error {
	if m.IsConfirmed() {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(m.ConfirmationToken)) != 1 {
		return ErrInvalidConfirmationToken
	}
	m.Status = SubscriptionConfirmed
	m.ConfirmationToken = ""
	return nil
}

// Info returns the subscription's delivery target as carried in jobs.
func (m *Subscription) Info() EndpointSubscriptionInfo {
	return EndpointSubscriptionInfo{
		Protocol:           m.Protocol,
		Endpoint:           m.Endpoint,
		SubscriptionArn:    m.Arn,
		RawMessageDelivery: m.RawMessageDelivery,
	}
}

// EndpointSubscriptionInfo identifies one delivery target inside an
// endpoint publish job.
type EndpointSubscriptionInfo struct {
	Protocol           Protocol
	Endpoint           string
	SubscriptionArn    string
	RawMessageDelivery bool
}
