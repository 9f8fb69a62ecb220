package robot

import (
	"context"
	"sync"
	"time"
)

// Mock implements Controller for testing.
// Set PlayFileFunc or RunBehaviorFunc to inject failures.
type Mock struct {
	PlayFileFunc    func(ctx context.Context, path string) error
	RunBehaviorFunc func(ctx context.Context, name string) error

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation for verification.
type MockCall struct {
	Method string
	Arg    string
	Time   time.Time
}

// NewMock creates a mock whose calls all succeed.
func NewMock() *Mock {
	return &Mock{}
}

// PlayFile records the call.
func (m *Mock) PlayFile(ctx context.Context, path string) error {
	m.record("PlayFile", path)
	if m.PlayFileFunc != nil {
		return m.PlayFileFunc(ctx, path)
	}
	return nil
}

// RunBehavior records the call.
func (m *Mock) RunBehavior(ctx context.Context, name string) error {
	m.record("RunBehavior", name)
	if m.RunBehaviorFunc != nil {
		return m.RunBehaviorFunc(ctx, name)
	}
	return nil
}

func (m *Mock) record(method, arg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: method, Arg: arg, Time: time.Now()})
}

// Calls returns all recorded method calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// CallCount returns the number of times a method was called.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

// Reset clears recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}
