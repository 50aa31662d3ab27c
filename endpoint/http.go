package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Headers set on HTTP deliveries.
const (
	HeaderMessageType     = "X-Cns-Message-Type"
	HeaderTopicArn        = "X-Cns-Topic-Arn"
	HeaderSubscriptionArn = "X-Cns-Subscription-Arn"
	HeaderMessageID       = "X-Cns-Message-Id"
)

// ErrUnexpectedStatus is returned for non-2xx responses.
var ErrUnexpectedStatus = errors.New("unexpected response status")

// HTTPTransport sends HTTP and HTTPS deliveries. It keeps one circuit
// breaker per endpoint host so a dead host fails fast instead of holding
// connections for every retry of every subscriber.
type HTTPTransport struct {
	client    *http.Client
	userAgent string

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
	settings gobreaker.Settings
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(t *HTTPTransport) { t.client = client }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(t *HTTPTransport) { t.userAgent = ua }
}

// WithBreakerSettings overrides the per-host circuit breaker settings.
// Name is filled in with the host.
func WithBreakerSettings(s gobreaker.Settings) HTTPOption {
	return func(t *HTTPTransport) { t.settings = s }
}

// NewHTTPTransport creates an HTTPTransport.
func NewHTTPTransport(opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		client:    &http.Client{Timeout: 10 * time.Second},
		userAgent: "cns-agent/1.0",
		breakers:  make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
		settings: gobreaker.Settings{
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Factory returns a Publisher factory bound to this transport.
func (t *HTTPTransport) Factory() Factory {
	return func() Publisher { return &HTTPPublisher{transport: t} }
}

func (t *HTTPTransport) breaker(host string) *gobreaker.CircuitBreaker[*http.Response] {
	t.mu.Lock()
	defer t.mu.Unlock()

	cb, ok := t.breakers[host]
	if !ok {
		settings := t.settings
		settings.Name = host
		cb = gobreaker.NewCircuitBreaker[*http.Response](settings)
		t.breakers[host] = cb
	}
	return cb
}

// HTTPPublisher POSTs the message to an http or https endpoint.
type HTTPPublisher struct {
	base
	transport *HTTPTransport

	headers map[string]string
}

// SetHeader implements HeaderSetter.
func (p *HTTPPublisher) SetHeader(name, value string) {
	if p.headers == nil {
		p.headers = make(map[string]string)
	}
	p.headers[name] = value
}

// Send implements Publisher.
func (p *HTTPPublisher) Send(ctx context.Context) error {
	u, err := url.Parse(p.endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid endpoint %q", p.endpoint)
	}

	_, err = p.transport.breaker(u.Host).Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(p.message))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "text/plain; charset=UTF-8")
		req.Header.Set("User-Agent", p.transport.userAgent)
		for name, value := range p.headers {
			req.Header.Set(name, value)
		}

		resp, err := p.transport.client.Do(req)
		if err != nil {
			return nil, err
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return resp, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		return fmt.Errorf("post to %s: %w", u.Host, err)
	}
	return nil
}
