package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/cns/retry"
)

func intPtr(v int) *int { return &v }

func TestResolve(t *testing.T) {
	topicHealthy := &retry.Policy{MinDelayTarget: 1, MaxDelayTarget: 1, NumRetries: 2, BackoffFunction: retry.Linear}
	topicSickly := &retry.Policy{MinDelayTarget: 60, MaxDelayTarget: 600, NumRetries: 10, BackoffFunction: retry.Exponential}
	topicThrottle := &ThrottlePolicy{MaxReceivesPerSecond: intPtr(5)}

	subHealthy := &retry.Policy{MinDelayTarget: 2, MaxDelayTarget: 30, NumRetries: 7, BackoffFunction: retry.Geometric}
	subThrottle := &ThrottlePolicy{MaxReceivesPerSecond: intPtr(1)}

	override := &SubscriptionDeliveryPolicy{
		HealthyRetryPolicy: subHealthy,
		ThrottlePolicy:     subThrottle,
	}

	tests := []struct {
		name     string
		disable  bool
		sub      *SubscriptionDeliveryPolicy
		protocol string
		expected Effective
	}{
		{
			name:     "overrides disabled returns topic defaults",
			disable:  true,
			sub:      override,
			protocol: "http",
			expected: Effective{Healthy: topicHealthy, Sickly: topicSickly, Throttle: topicThrottle},
		},
		{
			name:     "override merged field by field",
			sub:      override,
			protocol: "http",
			expected: Effective{Healthy: subHealthy, Sickly: topicSickly, Throttle: subThrottle},
		},
		{
			name:     "no override",
			protocol: "http",
			expected: Effective{Healthy: topicHealthy, Sickly: topicSickly, Throttle: topicThrottle},
		},
		{
			name:     "protocol without topic entry",
			sub:      override,
			protocol: "email",
			expected: Effective{Healthy: subHealthy, Throttle: subThrottle},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topic := TopicDeliveryPolicy{
				"http": {
					DefaultHealthyRetryPolicy:    topicHealthy,
					DefaultSicklyRetryPolicy:     topicSickly,
					DefaultThrottlePolicy:        topicThrottle,
					DisableSubscriptionOverrides: tt.disable,
				},
			}

			eff := Resolve(topic, tt.sub, tt.protocol)

			assert.Same(t, tt.expected.Healthy, eff.Healthy)
			assert.Same(t, tt.expected.Sickly, eff.Sickly)
			assert.Same(t, tt.expected.Throttle, eff.Throttle)
		})
	}
}

func TestResolve_DoesNotMutateInputs(t *testing.T) {
	topicHealthy := retry.DefaultHealthyPolicy()
	topic := TopicDeliveryPolicy{"https": {DefaultHealthyRetryPolicy: &topicHealthy}}
	sub := &SubscriptionDeliveryPolicy{SicklyRetryPolicy: &retry.Policy{NumRetries: 4, BackoffFunction: retry.Linear}}

	_ = Resolve(topic, sub, "https")

	assert.Nil(t, sub.HealthyRetryPolicy)
	assert.Nil(t, topic["https"].DefaultSicklyRetryPolicy)
	assert.Len(t, topic, 1)
}

func TestResolve_NilInputs(t *testing.T) {
	eff := Resolve(nil, nil, "http")

	assert.Nil(t, eff.Healthy)
	assert.Equal(t, retry.DefaultHealthyPolicy(), eff.HealthyPolicy())
	assert.Equal(t, retry.PhaseHealthy, eff.Ladder().Phase())
}

func TestParseSubscriptionDeliveryPolicy(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		p, err := ParseSubscriptionDeliveryPolicy("")
		require.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("valid", func(t *testing.T) {
		p, err := ParseSubscriptionDeliveryPolicy(`{
			"healthyRetryPolicy": {
				"minDelayTarget": 5, "maxDelayTarget": 50, "numRetries": 10,
				"numNoDelayRetries": 1, "numMinDelayRetries": 2, "numMaxDelayRetries": 1,
				"backoffFunction": "arithmetic"
			},
			"throttlePolicy": {"maxReceivesPerSecond": 3}
		}`)
		require.NoError(t, err)
		require.NotNil(t, p.HealthyRetryPolicy)
		assert.Equal(t, retry.Arithmetic, p.HealthyRetryPolicy.BackoffFunction)
		assert.Equal(t, 10, p.HealthyRetryPolicy.NumRetries)
		assert.Nil(t, p.SicklyRetryPolicy)
		assert.Equal(t, 3, *p.ThrottlePolicy.MaxReceivesPerSecond)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := ParseSubscriptionDeliveryPolicy(`{"healthyRetryPolicy":`)
		assert.Error(t, err)
	})

	t.Run("invalid backoff", func(t *testing.T) {
		_, err := ParseSubscriptionDeliveryPolicy(`{"healthyRetryPolicy":{"numRetries":3,"backoffFunction":"cubic"}}`)
		assert.ErrorContains(t, err, "healthyRetryPolicy")
	})

	t.Run("invalid throttle", func(t *testing.T) {
		_, err := ParseSubscriptionDeliveryPolicy(`{"throttlePolicy":{"maxReceivesPerSecond":0}}`)
		assert.ErrorContains(t, err, "throttlePolicy")
	})
}

func TestParseTopicDeliveryPolicy(t *testing.T) {
	p, err := ParseTopicDeliveryPolicy(`{
		"http": {
			"defaultHealthyRetryPolicy": {"minDelayTarget": 1, "maxDelayTarget": 20, "numRetries": 3, "backoffFunction": "linear"},
			"disableSubscriptionOverrides": true
		}
	}`)
	require.NoError(t, err)
	require.Contains(t, p, "http")
	assert.True(t, p["http"].DisableSubscriptionOverrides)
	assert.Equal(t, 20, p["http"].DefaultHealthyRetryPolicy.MaxDelayTarget)

	empty, err := ParseTopicDeliveryPolicy("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ParseTopicDeliveryPolicy(`{"http":{"defaultSicklyRetryPolicy":{"minDelayTarget":9,"maxDelayTarget":1,"backoffFunction":"linear"}}}`)
	assert.ErrorContains(t, err, "http")
}
