package model

import "time"

// Topic is a named channel that publishes fan out from.
// DeliveryPolicy holds the topic's per-protocol delivery defaults (JSON).
type Topic struct {
	ID             int64     `json:"-" db:"id"`
	Arn            string    `json:"topicArn" db:"arn"`
	Name           string    `json:"name" db:"name"`
	UserID         string    `json:"owner" db:"user_id"`
	DeliveryPolicy string    `json:"deliveryPolicy,omitempty" db:"delivery_policy"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// TableName returns the database table name for Topic.
func (t Topic) TableName() string {
	return tablePrefix + "topic"
}

// NewTopic creates a topic with an ARN built from region, account and name.
func NewTopic(region, userID, name string) Topic {
	return Topic{
		Arn:       TopicArn(region, userID, name),
		Name:      name,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
}

// TopicArn formats a topic ARN.
func TopicArn(region, userID, name string) string {
	return "arn:cmb:cns:" + region + ":" + userID + ":" + name
}
