// Package channel abstracts the outbound providers a dispatch worker sends
// through.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"outreachd/internal/domain"
)

// Result is what a provider reports for an accepted send.
type Result struct {
	// ProviderID is the provider-side message id later referenced by
	// delivery receipts.
	ProviderID string
	// Cost is the provider charge, when known.
	Cost float64
}

// Sender delivers one message to one address. Implementations wrap a real
// provider SDK or gateway.
type Sender interface {
	Send(ctx context.Context, address, content string) (Result, error)
}

// StatusReporter is implemented by session-based senders (WhatsApp) whose
// account can disconnect out-of-band. Workers skip dispatch while the
// session is down instead of burning retries.
type StatusReporter interface {
	Connected() bool
}

var ErrNotRegistered = errors.New("channel not registered")

// Registry maps channels to their configured senders.
type Registry struct {
	mu      sync.RWMutex
	senders map[domain.Channel]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[domain.Channel]Sender)}
}

func (r *Registry) Register(ch domain.Channel, s Sender) {
	r.mu.Lock()
	r.senders[ch] = s
	r.mu.Unlock()
}

func (r *Registry) Sender(ch domain.Channel) (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, ch)
	}
	return s, nil
}

// Ready reports whether the channel can send right now: registered, and for
// session-based senders, connected.
func (r *Registry) Ready(ch domain.Channel) bool {
	s, err := r.Sender(ch)
	if err != nil {
		return false
	}
	if sr, ok := s.(StatusReporter); ok {
		return sr.Connected()
	}
	return true
}
