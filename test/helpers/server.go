// Package test provides test utilities and helpers for iotcli tests.
package test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cafjs/iotcli/internal/codec"
)

// RecordedRequest represents a request received by the mock CA.
type RecordedRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
	At      time.Time
}

// Envelope decodes the request body as an RPC envelope.
func (r RecordedRequest) Envelope(t *testing.T) codec.Request {
	t.Helper()
	var req codec.Request
	if err := json.Unmarshal(r.Body, &req); err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}
	return req
}

// Responder answers the n-th request (starting at 0) received by the mock CA.
type Responder func(w http.ResponseWriter, n int, req RecordedRequest)

// MockCA is a scripted HTTP backend that records every request.
type MockCA struct {
	*httptest.Server
	mu        sync.Mutex
	requests  []RecordedRequest
	responder Responder
}

// NewMockCA creates a mock CA answering with respond.
func NewMockCA(respond Responder) *MockCA {
	ca := &MockCA{
		requests:  make([]RecordedRequest, 0),
		responder: respond,
	}

	ca.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec := RecordedRequest{
			Method:  r.Method,
			Path:    r.URL.Path,
			Headers: r.Header.Clone(),
			Body:    body,
			At:      time.Now(),
		}

		ca.mu.Lock()
		n := len(ca.requests)
		ca.requests = append(ca.requests, rec)
		respond := ca.responder
		ca.mu.Unlock()

		if respond == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		respond(w, n, rec)
	}))

	return ca
}

// SetResponder replaces the script.
func (ca *MockCA) SetResponder(respond Responder) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.responder = respond
}

// Requests returns all recorded requests.
func (ca *MockCA) Requests() []RecordedRequest {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	result := make([]RecordedRequest, len(ca.requests))
	copy(result, ca.requests)
	return result
}

// Count returns the number of requests received so far.
func (ca *MockCA) Count() int {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return len(ca.requests)
}

// Reset clears recorded requests.
func (ca *MockCA) Reset() {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.requests = make([]RecordedRequest, 0)
}

// WriteJSON writes v as a JSON body.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// AppReply answers req with an application reply.
func AppReply(w http.ResponseWriter, req RecordedRequest, appErr, data any) {
	WriteJSON(w, map[string]any{
		"id":     envelopeID(req),
		"result": map[string]any{"error": appErr, "data": data},
	})
}

// SystemError answers req with a system error.
func SystemError(w http.ResponseWriter, req RecordedRequest, code int) {
	WriteJSON(w, map[string]any{
		"id":    envelopeID(req),
		"error": map[string]any{"code": code, "message": http.StatusText(http.StatusServiceUnavailable)},
	})
}

func envelopeID(req RecordedRequest) string {
	var env struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(req.Body, &env)
	return env.ID
}

// DeadURL returns the URL of a server that is no longer listening.
func DeadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

// Poll polls a function until it returns true or times out.
func Poll(t *testing.T, ctx context.Context, interval time.Duration, fn func() bool) bool {
	t.Helper()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if fn() {
				return true
			}
		}
	}
}

// Eventually polls fn for up to timeout and fails the test if it never holds.
func Eventually(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if !Poll(t, ctx, 5*time.Millisecond, fn) {
		t.Fatalf("condition not met within %s", timeout)
	}
}
