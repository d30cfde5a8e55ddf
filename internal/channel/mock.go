package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Mock is an in-memory Sender for tests and dry runs. It records every send
// and can be scripted to fail or appear disconnected.
type Mock struct {
	mu    sync.Mutex
	sent  []MockSend
	seq   atomic.Int64
	fail  error
	failN int

	disconnected atomic.Bool
}

// MockSend is one recorded delivery.
type MockSend struct {
	Address string
	Content string
}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Send(ctx context.Context, address, content string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil && (m.failN < 0 || m.failN > 0) {
		if m.failN > 0 {
			m.failN--
		}
		return Result{}, m.fail
	}
	m.sent = append(m.sent, MockSend{Address: address, Content: content})
	return Result{ProviderID: fmt.Sprintf("mock-%d", m.seq.Add(1))}, nil
}

// FailWith makes the next n sends return err; n < 0 fails forever.
func (m *Mock) FailWith(err error, n int) {
	m.mu.Lock()
	m.fail, m.failN = err, n
	m.mu.Unlock()
}

// SetConnected toggles the StatusReporter state.
func (m *Mock) SetConnected(ok bool) { m.disconnected.Store(!ok) }

func (m *Mock) Connected() bool { return !m.disconnected.Load() }

// Sent returns a copy of everything delivered so far.
func (m *Mock) Sent() []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSend, len(m.sent))
	copy(out, m.sent)
	return out
}
