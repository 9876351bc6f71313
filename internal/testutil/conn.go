// Package testutil carries the in-memory plumbing the transport tests
// share: a recording connection and wire decode helpers.
package testutil

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// ErrConnClosed is returned by Send after the connection closed.
var ErrConnClosed = errors.New("test connection closed")

// Conn is an in-memory connection that records everything sent to it.
type Conn struct {
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	sendErr error
}

// NewConn returns an open connection.
func NewConn() *Conn { return &Conn{} }

// Send records data. It fails once the connection is closed or after
// FailSendsWith.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.sent = append(c.sent, cp)
	return nil
}

// Close marks the connection closed. Closing twice is fine.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FailSendsWith makes every later Send return err.
func (c *Conn) FailSendsWith(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// Sent returns a copy of everything sent so far.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentCount returns how many payloads were sent.
func (c *Conn) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// WaitForSends blocks until at least n payloads arrived or the timeout
// expires, returning what was sent either way.
func (c *Conn) WaitForSends(t *testing.T, n int, timeout time.Duration) [][]byte {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if got := c.Sent(); len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			got := c.Sent()
			t.Fatalf("timed out waiting for %d sends, got %d", n, len(got))
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// DecodeJSON parses one sent payload as generic JSON.
func DecodeJSON(t *testing.T, data []byte) any {
	t.Helper()
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("payload is not JSON: %v\n%s", err, data)
	}
	return v
}

// FindByKind returns the first payload whose kind matches, or fails.
func FindByKind(t *testing.T, payloads [][]byte, kind string) map[string]any {
	t.Helper()
	for _, data := range payloads {
		obj, ok := DecodeJSON(t, data).(map[string]any)
		if !ok {
			continue
		}
		if k, _ := obj["kind"].(string); k == kind {
			return obj
		}
		if kind == "stateUpdate" {
			if _, hasType := obj["type"]; hasType {
				if _, hasKind := obj["kind"]; !hasKind {
					return obj
				}
			}
		}
	}
	t.Fatalf("no %q payload among %d sends", kind, len(payloads))
	return nil
}
