package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatch(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		size      int
		wantSizes []int
	}{
		{name: "no subscribers", total: 0, size: 100, wantSizes: []int{}},
		{name: "below cap", total: 3, size: 100, wantSizes: []int{3}},
		{name: "exactly cap", total: 100, size: 100, wantSizes: []int{100}},
		{name: "one over cap", total: 101, size: 100, wantSizes: []int{100, 1}},
		{name: "several batches", total: 25, size: 10, wantSizes: []int{10, 10, 5}},
		{name: "size clamped to one", total: 2, size: 0, wantSizes: []int{1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Message{ID: "m"}
			subs := testSubscribers(tt.total)

			jobs := Batch(msg, subs, tt.size)

			sizes := make([]int, len(jobs))
			var flat []EndpointSubscriptionInfo
			for i, job := range jobs {
				sizes[i] = len(job.Subscribers)
				assert.Equal(t, "m", job.Message.ID)
				flat = append(flat, job.Subscribers...)
			}
			assert.Equal(t, tt.wantSizes, sizes)
			assert.Equal(t, len(subs), len(flat))
			for i := range flat {
				assert.Equal(t, subs[i], flat[i], "order preserved")
			}
		})
	}
}

func TestBatch_AppendDoesNotAlias(t *testing.T) {
	subs := testSubscribers(4)
	jobs := Batch(Message{}, subs, 2)

	jobs[0].Subscribers = append(jobs[0].Subscribers, EndpointSubscriptionInfo{Endpoint: "extra"})

	assert.Equal(t, subs[2], jobs[1].Subscribers[0])
}

func TestEndpointPublishJob_Equal(t *testing.T) {
	a := EndpointPublishJob{Message: Message{ID: "1"}, Subscribers: testSubscribers(2)}
	b := EndpointPublishJob{Message: Message{ID: "1"}, Subscribers: testSubscribers(2)}
	assert.True(t, a.Equal(b))

	b.Subscribers[0], b.Subscribers[1] = b.Subscribers[1], b.Subscribers[0]
	assert.False(t, a.Equal(b), "order matters")

	assert.True(t, EndpointPublishJob{}.Equal(EndpointPublishJob{Subscribers: []EndpointSubscriptionInfo{}}))
}
