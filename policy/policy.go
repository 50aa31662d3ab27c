// Package policy holds subscription and topic delivery policies and resolves
// the effective policy used for a delivery.
package policy

import (
	"encoding/json"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/coregx/cns/retry"
)

// ThrottlePolicy is a pacing hint for the delivery loop. It is carried with
// the effective policy but not enforced.
type ThrottlePolicy struct {
	MaxReceivesPerSecond *int `json:"maxReceivesPerSecond,omitempty"`
}

// Validate requires a positive rate when one is set.
func (t ThrottlePolicy) Validate() error {
	if t.MaxReceivesPerSecond == nil {
		return nil
	}
	return validation.Validate(*t.MaxReceivesPerSecond, validation.Min(1))
}

// SubscriptionDeliveryPolicy is a subscription's own override. Any field may
// be unset, in which case the topic default applies.
type SubscriptionDeliveryPolicy struct {
	HealthyRetryPolicy *retry.Policy   `json:"healthyRetryPolicy,omitempty"`
	SicklyRetryPolicy  *retry.Policy   `json:"sicklyRetryPolicy,omitempty"`
	ThrottlePolicy     *ThrottlePolicy `json:"throttlePolicy,omitempty"`
}

// Validate validates every configured part of the policy.
func (p *SubscriptionDeliveryPolicy) Validate() error {
	return validateTriple(p.HealthyRetryPolicy, p.SicklyRetryPolicy, p.ThrottlePolicy)
}

// ProtocolDeliveryPolicy is a topic's default policy for one protocol.
type ProtocolDeliveryPolicy struct {
	DefaultHealthyRetryPolicy    *retry.Policy   `json:"defaultHealthyRetryPolicy,omitempty"`
	DefaultSicklyRetryPolicy     *retry.Policy   `json:"defaultSicklyRetryPolicy,omitempty"`
	DefaultThrottlePolicy        *ThrottlePolicy `json:"defaultThrottlePolicy,omitempty"`
	DisableSubscriptionOverrides bool            `json:"disableSubscriptionOverrides"`
}

// TopicDeliveryPolicy maps a protocol tag to the topic's defaults for it.
type TopicDeliveryPolicy map[string]ProtocolDeliveryPolicy

// Validate validates every protocol entry.
func (t TopicDeliveryPolicy) Validate() error {
	for protocol, p := range t {
		if err := validateTriple(p.DefaultHealthyRetryPolicy, p.DefaultSicklyRetryPolicy, p.DefaultThrottlePolicy); err != nil {
			return fmt.Errorf("%s: %w", protocol, err)
		}
	}
	return nil
}

// Effective is the policy a delivery task runs with.
type Effective struct {
	Healthy  *retry.Policy
	Sickly   *retry.Policy
	Throttle *ThrottlePolicy
}

// HealthyPolicy returns the healthy phase, falling back to
// retry.DefaultHealthyPolicy when nothing configures one.
func (e Effective) HealthyPolicy() retry.Policy {
	if e.Healthy == nil {
		return retry.DefaultHealthyPolicy()
	}
	return *e.Healthy
}

// Ladder builds a retry ladder for one delivery.
func (e Effective) Ladder() *retry.Ladder {
	return retry.NewLadder(e.HealthyPolicy(), e.Sickly)
}

// Resolve returns the effective policy for a subscription of the given
// protocol. When the topic's entry for the protocol disables overrides the
// topic defaults are returned as is. Otherwise each field of the
// subscription override wins and unset fields fall back to the topic
// default. topic and sub may be nil; neither is modified.
func Resolve(topic TopicDeliveryPolicy, sub *SubscriptionDeliveryPolicy, protocol string) Effective {
	defaults := topic[protocol]

	eff := Effective{
		Healthy:  defaults.DefaultHealthyRetryPolicy,
		Sickly:   defaults.DefaultSicklyRetryPolicy,
		Throttle: defaults.DefaultThrottlePolicy,
	}
	if defaults.DisableSubscriptionOverrides || sub == nil {
		return eff
	}

	if sub.HealthyRetryPolicy != nil {
		eff.Healthy = sub.HealthyRetryPolicy
	}
	if sub.SicklyRetryPolicy != nil {
		eff.Sickly = sub.SicklyRetryPolicy
	}
	if sub.ThrottlePolicy != nil {
		eff.Throttle = sub.ThrottlePolicy
	}
	return eff
}

// ParseSubscriptionDeliveryPolicy decodes and validates a subscription
// DeliveryPolicy attribute. An empty document yields nil.
func ParseSubscriptionDeliveryPolicy(doc string) (*SubscriptionDeliveryPolicy, error) {
	if doc == "" {
		return nil, nil
	}

	var p SubscriptionDeliveryPolicy
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("decode subscription delivery policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ParseTopicDeliveryPolicy decodes and validates a topic DeliveryPolicy
// attribute. An empty document yields an empty policy.
func ParseTopicDeliveryPolicy(doc string) (TopicDeliveryPolicy, error) {
	if doc == "" {
		return TopicDeliveryPolicy{}, nil
	}

	var p TopicDeliveryPolicy
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("decode topic delivery policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func validateTriple(healthy, sickly *retry.Policy, throttle *ThrottlePolicy) error {
	if healthy != nil {
		if err := healthy.Validate(); err != nil {
			return fmt.Errorf("healthyRetryPolicy: %w", err)
		}
	}
	if sickly != nil {
		if err := sickly.Validate(); err != nil {
			return fmt.Errorf("sicklyRetryPolicy: %w", err)
		}
	}
	if throttle != nil {
		if err := throttle.Validate(); err != nil {
			return fmt.Errorf("throttlePolicy: %w", err)
		}
	}
	return nil
}
