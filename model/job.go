package model

// PublishJob is the intent to fan a message out to every subscriber of a
// topic. It is produced by Publish and consumed by the producer loop.
type PublishJob struct {
	Message  Message
	TopicArn string
}

// NewPublishJob wraps a message for its topic.
func NewPublishJob(m Message) PublishJob {
	return PublishJob{Message: m, TopicArn: m.TopicArn}
}

// Equal reports whether both jobs carry the same content.
func (j PublishJob) Equal(o PublishJob) bool {
	return j.TopicArn == o.TopicArn && j.Message.Equal(o.Message)
}

// EndpointPublishJob carries a message and a bounded, ordered batch of
// delivery targets. It is deleted from its queue only once every target is
// delivered or exhausted.
type EndpointPublishJob struct {
	Message     Message
	Subscribers []EndpointSubscriptionInfo
}

// Equal reports whether both jobs carry the same message and subscribers in
// the same order. Nil and empty subscriber lists are equal.
func (j EndpointPublishJob) Equal(o EndpointPublishJob) bool {
	if !j.Message.Equal(o.Message) || len(j.Subscribers) != len(o.Subscribers) {
		return false
	}
	for i := range j.Subscribers {
		if j.Subscribers[i] != o.Subscribers[i] {
			return false
		}
	}
	return true
}

// Batch splits subscriptions into endpoint publish jobs of at most size
// subscribers each, preserving order.
func Batch(m Message, subs []EndpointSubscriptionInfo, size int) []EndpointPublishJob {
	if size < 1 {
		size = 1
	}

	jobs := make([]EndpointPublishJob, 0, (len(subs)+size-1)/size)
	for start := 0; start < len(subs); start += size {
		end := min(start+size, len(subs))
		jobs = append(jobs, EndpointPublishJob{
			Message:     m,
			Subscribers: subs[start:end:end],
		})
	}
	return jobs
}
