// Package realtimetest provides an in-memory Transport for tests.
package realtimetest

import (
	"context"
	"encoding/json"
	"sync"

	"realtime/internal/realtime"
)

// Transport records frames and close calls.
type Transport struct {
	// SendErr, when set, is returned by every Send.
	SendErr error
	// CloseErr, when set, is returned by Close after recording the call.
	CloseErr error
	// Block, when set, makes Send wait until it is closed or ctx is done.
	Block chan struct{}

	mu          sync.Mutex
	frames      [][]byte
	closed      bool
	closeCode   int
	closeReason string
}

func NewTransport() *Transport {
	return &Transport{}
}

func (t *Transport) Send(ctx context.Context, frame []byte) error {
	if t.SendErr != nil {
		return t.SendErr
	}
	if t.Block != nil {
		select {
		case <-t.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return realtime.ErrTransportClosed
	}
	t.frames = append(t.frames, append([]byte(nil), frame...))

	return nil
}

func (t *Transport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.closeCode = code
	t.closeReason = reason

	return t.CloseErr
}

// Frames returns a copy of every frame sent so far.
func (t *Transport) Frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([][]byte(nil), t.frames...)
}

// Messages decodes every frame sent so far.
func (t *Transport) Messages() []map[string]any {
	var out []map[string]any
	for _, f := range t.Frames() {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Closed reports the close code and reason, if Close was called.
func (t *Transport) Closed() (int, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closeCode, t.closeReason, t.closed
}
