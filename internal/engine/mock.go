package engine

import (
	"context"
	"sync"
	"time"
)

// MockEngine is a deterministic in-memory Engine for tests. Outcomes are
// scripted per command; unscripted commands succeed.
type MockEngine struct {
	mu     sync.Mutex
	script map[string][]*Result
	calls  []Request
	Delay  time.Duration
}

// NewMock creates an empty MockEngine
func NewMock() *MockEngine {
	return &MockEngine{script: make(map[string][]*Result)}
}

// Enqueue appends scripted results for a command, consumed in order
func (m *MockEngine) Enqueue(command string, results ...*Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script[command] = append(m.script[command], results...)
}

// FailTimes scripts n failures of the given kind followed by a success
func (m *MockEngine) FailTimes(command string, n int, kind ErrorKind) {
	for i := 0; i < n; i++ {
		m.Enqueue(command, Fail(kind))
	}
	m.Enqueue(command, Succeed("ok"))
}

// Succeed builds a successful result
func Succeed(output string) *Result {
	return &Result{Output: output, Success: true}
}

// Fail builds a failed result with the given kind
func Fail(kind ErrorKind) *Result {
	return &Result{Success: false, ErrorKind: kind, ErrorText: string(kind)}
}

// Invoke pops the next scripted result for the request's command
func (m *MockEngine) Invoke(ctx context.Context, req Request) (*Result, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return Fail(KindTimeout), nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	queue := m.script[req.Command]
	if len(queue) == 0 {
		res := Succeed("mock output")
		res.SessionID = req.SessionID
		return res, nil
	}
	res := queue[0]
	m.script[req.Command] = queue[1:]
	out := *res
	if out.SessionID == "" {
		out.SessionID = req.SessionID
	}
	return &out, nil
}

// Calls returns a copy of all requests seen so far
func (m *MockEngine) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request{}, m.calls...)
}

// CallCount returns the number of invocations of a command
func (m *MockEngine) CallCount(command string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Command == command {
			n++
		}
	}
	return n
}
