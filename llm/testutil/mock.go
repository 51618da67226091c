// Package testutil provides test doubles for the llm package.
package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/c360studio/buildforge/llm"
)

// MockGateway is a thread-safe scripted llm.Gateway.
//
// Usage:
//
//	// Responses returned in sequence
//	mock := &MockGateway{
//	    Responses: []*llm.Response{
//	        {Content: `{"stack": "Next.js"}`},
//	    },
//	}
//
//	// Fail twice, then succeed (retry testing)
//	mock := &MockGateway{
//	    Errors:    []error{errBoom, errBoom},
//	    Responses: []*llm.Response{{Content: "ok"}},
//	}
//
//	// Per-request answers (concurrent stages)
//	mock := &MockGateway{
//	    Handler: func(req llm.Request, call int) (*llm.Response, error) { ... },
//	}
type MockGateway struct {
	mu sync.Mutex

	// Handler, when set, answers every call and takes precedence over the script.
	// Returning both a response and an error from Stream emits the response's
	// chunks and then fails, which simulates a stream dropped mid-way.
	Handler func(req llm.Request, call int) (*llm.Response, error)

	// Errors are returned for the first len(Errors) calls; nil entries fall through
	// to Responses.
	Errors []error

	// Responses are returned in sequence once Errors are used up.
	Responses []*llm.Response

	// Err is returned for every call when set.
	Err error

	requests      []llm.Request
	callCount     int
	responseIndex int
}

var _ llm.Gateway = (*MockGateway)(nil)

func (m *MockGateway) next(req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	call := m.callCount
	m.callCount++
	handler := m.Handler
	m.mu.Unlock()

	if handler != nil {
		return handler(req, call)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if call < len(m.Errors) && m.Errors[call] != nil {
		return nil, m.Errors[call]
	}
	if m.responseIndex < len(m.Responses) {
		resp := *m.Responses[m.responseIndex]
		m.responseIndex++
		return &resp, nil
	}

	// Default response if nothing is scripted
	return &llm.Response{Content: "", Model: req.Model, FinishReason: "stop"}, nil
}

// Invoke implements llm.Gateway.
func (m *MockGateway) Invoke(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := m.next(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Stream implements llm.Gateway. The content is emitted word by word.
func (m *MockGateway) Stream(ctx context.Context, req llm.Request, onChunk llm.ChunkHandler) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := m.next(req)
	if resp != nil && onChunk != nil {
		for _, chunk := range SplitChunks(resp.Content) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if cbErr := onChunk(chunk); cbErr != nil {
				return nil, cbErr
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// SplitChunks splits content into the fragments Stream emits, keeping the
// separating spaces so the fragments join back to the original text.
func SplitChunks(content string) []string {
	if content == "" {
		return nil
	}
	words := strings.SplitAfter(content, " ")
	chunks := make([]string, 0, len(words))
	for _, w := range words {
		if w != "" {
			chunks = append(chunks, w)
		}
	}
	return chunks
}

// Requests returns a copy of every request received.
func (m *MockGateway) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns the number of calls made.
func (m *MockGateway) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Reset clears recorded requests and the script position.
func (m *MockGateway) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount = 0
	m.responseIndex = 0
	m.requests = nil
}
