// Package mock provides mock implementations of the providers interfaces for testing.
package mock

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/giantswarm/oauth-tokencache/providers"
)

// TokenRequest is one recorded call to SubmitTokenRequest.
type TokenRequest struct {
	GrantType string
	Params    map[string]string
}

// MockTokenEndpoint is a mock implementation of providers.TokenEndpoint
type MockTokenEndpoint struct {
	// SubmitTokenRequestFunc is called when SubmitTokenRequest() is invoked
	SubmitTokenRequestFunc func(ctx context.Context, grantType string, params map[string]string) (*providers.TokenResponse, error)

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	requests []TokenRequest

	// mu protects CallCounts and requests from concurrent access
	mu sync.RWMutex
}

// MockTokenEndpoint implements providers.TokenEndpoint
var _ providers.TokenEndpoint = (*MockTokenEndpoint)(nil)

// NewMockTokenEndpoint creates a mock endpoint that answers every request
// with a fresh one-hour token pair.
func NewMockTokenEndpoint() *MockTokenEndpoint {
	var n int
	var nmu sync.Mutex
	return &MockTokenEndpoint{
		CallCounts: make(map[string]int),
		SubmitTokenRequestFunc: func(ctx context.Context, grantType string, params map[string]string) (*providers.TokenResponse, error) {
			nmu.Lock()
			n++
			i := n
			nmu.Unlock()
			return &providers.TokenResponse{
				AccessToken:  fmt.Sprintf("mock-access-token-%d", i),
				TokenType:    "Bearer",
				ExpiresIn:    3600,
				RefreshToken: fmt.Sprintf("mock-refresh-token-%d", i),
				Scope:        params[providers.ParamScope],
			}, nil
		},
	}
}

// SubmitTokenRequest records the request and calls SubmitTokenRequestFunc.
func (m *MockTokenEndpoint) SubmitTokenRequest(ctx context.Context, grantType string, params map[string]string) (*providers.TokenResponse, error) {
	m.mu.Lock()
	if m.CallCounts == nil {
		m.CallCounts = make(map[string]int)
	}
	m.CallCounts["SubmitTokenRequest"]++
	m.requests = append(m.requests, TokenRequest{GrantType: grantType, Params: maps.Clone(params)})
	fn := m.SubmitTokenRequestFunc
	m.mu.Unlock()

	// Call user function WITHOUT holding lock (deadlock prevention)
	if fn == nil {
		return nil, fmt.Errorf("SubmitTokenRequestFunc not configured")
	}
	return fn(ctx, grantType, params)
}

// Requests returns the recorded requests in call order.
func (m *MockTokenEndpoint) Requests() []TokenRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TokenRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// LastRequest returns the most recent request, or false if none was made.
func (m *MockTokenEndpoint) LastRequest() (TokenRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.requests) == 0 {
		return TokenRequest{}, false
	}
	return m.requests[len(m.requests)-1], true
}

// ResetCallCounts resets all call counters and recorded requests
func (m *MockTokenEndpoint) ResetCallCounts() {
	m.mu.Lock()
	m.CallCounts = make(map[string]int)
	m.requests = nil
	m.mu.Unlock()
}

// GetCallCount returns the number of times a method was called
func (m *MockTokenEndpoint) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}

// MockAuthorizer is a mock implementation of providers.InteractiveAuthorizer
type MockAuthorizer struct {
	// AcquireAuthorizationFunc is called when AcquireAuthorization() is invoked
	AcquireAuthorizationFunc func(ctx context.Context, req providers.AuthorizationRequest) (*providers.AuthorizationArtifact, error)

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	lastRequest *providers.AuthorizationRequest

	mu sync.RWMutex
}

// MockAuthorizer implements providers.InteractiveAuthorizer
var _ providers.InteractiveAuthorizer = (*MockAuthorizer)(nil)

// NewMockAuthorizer creates a mock authorizer that approves every request
// with code "mock-code", echoing the state.
func NewMockAuthorizer() *MockAuthorizer {
	return &MockAuthorizer{
		CallCounts: make(map[string]int),
		AcquireAuthorizationFunc: func(ctx context.Context, req providers.AuthorizationRequest) (*providers.AuthorizationArtifact, error) {
			return &providers.AuthorizationArtifact{
				Code:        "mock-code",
				RedirectURI: req.RedirectURI,
				State:       req.State,
			}, nil
		},
	}
}

// AcquireAuthorization records the request and calls AcquireAuthorizationFunc.
func (m *MockAuthorizer) AcquireAuthorization(ctx context.Context, req providers.AuthorizationRequest) (*providers.AuthorizationArtifact, error) {
	m.mu.Lock()
	if m.CallCounts == nil {
		m.CallCounts = make(map[string]int)
	}
	m.CallCounts["AcquireAuthorization"]++
	m.lastRequest = &req
	fn := m.AcquireAuthorizationFunc
	m.mu.Unlock()

	if fn == nil {
		return nil, fmt.Errorf("AcquireAuthorizationFunc not configured")
	}
	return fn(ctx, req)
}

// LastRequest returns the most recent authorization request, or nil.
func (m *MockAuthorizer) LastRequest() *providers.AuthorizationRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequest
}

// GetCallCount returns the number of times a method was called
func (m *MockAuthorizer) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}
