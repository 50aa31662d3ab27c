// Package endpoint delivers notifications to subscriber endpoints.
//
// Each protocol has one Publisher implementation. A Registry maps protocol
// tags to factories so the delivery loop dispatches by the subscription's
// protocol without knowing the concrete types.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coregx/cns/model"
)

// ErrUnsupportedProtocol is returned by Registry.New for an unknown protocol.
var ErrUnsupportedProtocol = errors.New("unsupported protocol")

// User identifies the owner of the topic a notification was published on.
type User struct {
	ID   string
	Name string
}

// Publisher sends one notification to one endpoint. A Publisher is built
// per attempt and is not safe for concurrent use.
type Publisher interface {
	SetEndpoint(endpoint string)
	SetMessage(message string)
	SetSubject(subject string)
	SetUser(user User)

	// Send delivers the message. Any error counts as a failed attempt.
	Send(ctx context.Context) error
}

// HeaderSetter is implemented by publishers whose transport carries
// per-delivery metadata headers.
type HeaderSetter interface {
	SetHeader(name, value string)
}

// Factory builds a fresh Publisher.
type Factory func() Publisher

// Registry maps protocols to publisher factories. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[model.Protocol]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[model.Protocol]Factory)}
}

// Register installs the factory for a protocol, replacing any previous one.
func (r *Registry) Register(protocol model.Protocol, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[protocol] = factory
}

// New returns a publisher for the protocol.
func (r *Registry) New(protocol model.Protocol) (Publisher, error) {
	r.mu.RLock()
	factory, ok := r.factories[protocol]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, protocol)
	}
	return factory(), nil
}

// Protocols returns the registered protocols.
func (r *Registry) Protocols() []model.Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Protocol, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	return out
}

// base holds the fields every publisher is configured with.
type base struct {
	endpoint string
	message  string
	subject  string
	user     User
}

func (b *base) SetEndpoint(endpoint string) { b.endpoint = endpoint }
func (b *base) SetMessage(message string)   { b.message = message }
func (b *base) SetSubject(subject string)   { b.subject = subject }
func (b *base) SetUser(user User)           { b.user = user }
