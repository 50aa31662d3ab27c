package cns_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/coregx/cns"
	"github.com/coregx/cns/endpoint"
	"github.com/coregx/cns/model"
	"github.com/coregx/cns/policy"
)

var errEndpointDown = errors.New("endpoint down")

// fakeEndpoints records every send and fails or blocks per endpoint.
type fakeEndpoints struct {
	mu       sync.Mutex
	sends    map[string]int
	payloads map[string][]string
	headers  map[string]map[string]string
	failing  map[string]bool
	block    chan struct{}
}

func newFakeEndpoints() *fakeEndpoints {
	return &fakeEndpoints{
		sends:    make(map[string]int),
		payloads: make(map[string][]string),
		headers:  make(map[string]map[string]string),
		failing:  make(map[string]bool),
	}
}

func (f *fakeEndpoints) fail(endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[endpoint] = true
}

func (f *fakeEndpoints) heal(endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failing, endpoint)
}

// blockSends makes every send wait until release is called or the send's
// context ends.
func (f *fakeEndpoints) blockSends() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = make(chan struct{})
	ch := f.block
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeEndpoints) count(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[endpoint]
}

func (f *fakeEndpoints) lastPayload(endpoint string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.payloads[endpoint]
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

func (f *fakeEndpoints) factory() endpoint.Factory {
	return func() endpoint.Publisher { return &fakePublisher{f: f, headers: map[string]string{}} }
}

type fakePublisher struct {
	f        *fakeEndpoints
	endpoint string
	message  string
	headers  map[string]string
}

func (p *fakePublisher) SetEndpoint(endpoint string)  { p.endpoint = endpoint }
func (p *fakePublisher) SetMessage(message string)    { p.message = message }
func (p *fakePublisher) SetSubject(string)            {}
func (p *fakePublisher) SetUser(endpoint.User)        {}
func (p *fakePublisher) SetHeader(name, value string) { p.headers[name] = value }

func (p *fakePublisher) Send(ctx context.Context) error {
	p.f.mu.Lock()
	p.f.sends[p.endpoint]++
	p.f.payloads[p.endpoint] = append(p.f.payloads[p.endpoint], p.message)
	p.f.headers[p.endpoint] = p.headers
	failing := p.f.failing[p.endpoint]
	block := p.f.block
	p.f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failing {
		return errEndpointDown
	}
	return nil
}

// fastTimers shrinks every retry delay so ladders run in milliseconds.
func fastTimers(d time.Duration, f func()) *time.Timer {
	return time.AfterFunc(d/10000, f)
}

// staticPolicies serves fixed delivery policies.
type staticPolicies struct {
	topic policy.TopicDeliveryPolicy
	subs  map[string]*policy.SubscriptionDeliveryPolicy
	err   error
}

func (s *staticPolicies) GetTopicDeliveryPolicy(context.Context, string) (policy.TopicDeliveryPolicy, error) {
	return s.topic, s.err
}

func (s *staticPolicies) GetSubscriptionDeliveryPolicy(_ context.Context, arn string) (*policy.SubscriptionDeliveryPolicy, error) {
	return s.subs[arn], s.err
}

// failingQueue wraps a WorkQueue and fails chosen operations.
type failingQueue struct {
	cns.WorkQueue
	enqueueErr error
	deleteErr  error
	receiveErr error
}

func (q *failingQueue) Enqueue(ctx context.Context, body string) (string, error) {
	if q.enqueueErr != nil {
		return "", q.enqueueErr
	}
	return q.WorkQueue.Enqueue(ctx, body)
}

func (q *failingQueue) Receive(ctx context.Context, maxWait time.Duration) (*cns.QueueMessage, error) {
	if q.receiveErr != nil {
		return nil, q.receiveErr
	}
	return q.WorkQueue.Receive(ctx, maxWait)
}

func (q *failingQueue) Delete(ctx context.Context, receiptHandle string) error {
	if q.deleteErr != nil {
		return q.deleteErr
	}
	return q.WorkQueue.Delete(ctx, receiptHandle)
}

func subscriberInfos(n int, protocol model.Protocol) []model.EndpointSubscriptionInfo {
	out := make([]model.EndpointSubscriptionInfo, n)
	for i := range out {
		out[i] = model.EndpointSubscriptionInfo{
			Protocol:        protocol,
			Endpoint:        "endpoint-" + strconv.Itoa(i),
			SubscriptionArn: "arn:cmb:cns:local:1:orders:sub-" + strconv.Itoa(i),
		}
	}
	return out
}
