// Package testhelpers provides in-memory doubles for relay tests.
package testhelpers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// ErrTransportClosed is returned by a FakeTransport closed from our side.
var ErrTransportClosed = errors.New("fake transport closed")

// Frame is a single websocket message observed by a FakeTransport.
type Frame struct {
	Type websocket.MessageType
	Data []byte
}

// FakeTransport is an in-memory types.Transport. Frames pushed with Push are
// returned by Read; frames written by the code under test land on Written.
type FakeTransport struct {
	inbound chan Frame
	Written chan Frame

	mu          sync.Mutex
	done        chan struct{}
	closed      bool
	closeCount  int
	closeCode   websocket.StatusCode
	closeReason string
	readErr     error
	writeErr    error
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		inbound: make(chan Frame, 256),
		Written: make(chan Frame, 1024),
		done:    make(chan struct{}),
	}
}

func (f *FakeTransport) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case fr := <-f.inbound:
		return fr.Type, fr.Data, nil
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.readErr != nil {
			return 0, nil, f.readErr
		}
		return 0, nil, ErrTransportClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *FakeTransport) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	werr := f.writeErr
	f.mu.Unlock()
	if werr != nil {
		return werr
	}
	select {
	case <-f.done:
		return ErrTransportClosed
	default:
	}
	data := make([]byte, len(p))
	copy(data, p)
	select {
	case f.Written <- Frame{Type: typ, Data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FakeTransport) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	if f.closed {
		return ErrTransportClosed
	}
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	close(f.done)
	return nil
}

// Push queues an inbound frame for Read.
func (f *FakeTransport) Push(typ websocket.MessageType, data []byte) {
	f.inbound <- Frame{Type: typ, Data: data}
}

func (f *FakeTransport) PushText(s string) {
	f.Push(websocket.MessageText, []byte(s))
}

// RemoteClose simulates the peer closing the socket with a close frame.
func (f *FakeTransport) RemoteClose(code websocket.StatusCode, reason string) {
	f.fail(websocket.CloseError{Code: code, Reason: reason})
}

// Fail simulates a transport-level failure without a close frame.
func (f *FakeTransport) Fail(err error) {
	f.fail(err)
}

func (f *FakeTransport) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.readErr = err
	close(f.done)
}

// FailWrites makes every subsequent Write return err.
func (f *FakeTransport) FailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// CloseCount reports how many times Close was called locally.
func (f *FakeTransport) CloseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

func (f *FakeTransport) CloseCode() websocket.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *FakeTransport) Done() <-chan struct{} {
	return f.done
}

// Next waits up to timeout for the next written frame.
func (f *FakeTransport) Next(t *testing.T, timeout time.Duration) Frame {
	t.Helper()
	select {
	case fr := <-f.Written:
		return fr
	case <-time.After(timeout):
		t.Fatalf("no frame written within %s", timeout)
		return Frame{}
	}
}

// ExpectNone asserts nothing is written for d.
func (f *FakeTransport) ExpectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case fr := <-f.Written:
		t.Fatalf("expected no frames, got type=%v data=%s", fr.Type, fr.Data)
	case <-time.After(d):
	}
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
