package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockAdapter is a test double that returns scripted results and records
// every request.
type MockAdapter struct {
	mu sync.Mutex

	// Results are consumed in order per method; when a queue is empty
	// Default is returned.
	Results map[Method][]*ChargeResult
	Default *ChargeResult
	// Hook, when set, runs before a result is chosen. Tests use it to
	// block or to observe concurrency.
	Hook func(ctx context.Context, req *ChargeRequest)
	// WebhookSecret is compared verbatim with the signature in ParseEvent.
	WebhookSecret string

	Requests []ChargeRequest
	seq      int
}

// NewMockAdapter creates a mock whose default result is a settled charge
// with a generated transaction id.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{Results: make(map[Method][]*ChargeResult)}
}

// Name returns the gateway name
func (m *MockAdapter) Name() string {
	return "mock"
}

// SignatureHeader names the header carrying the mock signature
func (m *MockAdapter) SignatureHeader() string {
	return "X-Mock-Signature"
}

// Script queues results for a method
func (m *MockAdapter) Script(method Method, results ...*ChargeResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Results[method] = append(m.Results[method], results...)
}

// Calls returns a copy of the recorded requests
func (m *MockAdapter) Calls() []ChargeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChargeRequest(nil), m.Requests...)
}

// Charge returns the next scripted result for the request's method
func (m *MockAdapter) Charge(ctx context.Context, req *ChargeRequest) *ChargeResult {
	if m.Hook != nil {
		m.Hook(ctx, req)
	}
	if ctx.Err() != nil {
		return Unavailable("")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, *req)

	if queue := m.Results[req.Method]; len(queue) > 0 {
		m.Results[req.Method] = queue[1:]
		r := *queue[0]
		return &r
	}
	if m.Default != nil {
		r := *m.Default
		return &r
	}

	m.seq++
	return &ChargeResult{
		TransactionID: fmt.Sprintf("tx_mock_%d", m.seq),
		Status:        StatusSucceeded,
	}
}

// ParseEvent decodes a JSON-encoded Event
func (m *MockAdapter) ParseEvent(payload []byte, signature string) (*Event, error) {
	if signature != m.WebhookSecret {
		return nil, ErrInvalidSignature
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return &ev, nil
}
