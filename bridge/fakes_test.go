package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentplexus/voicebridge/realtime"
	"github.com/agentplexus/voicebridge/transport"
)

var errFakeClosed = errors.New("fake peer closed")

// fakeTelephony is a TelephonyConn whose events are pushed by the test. The
// events channel is unbuffered: once push returns the bridge has received the
// event, and once the next push returns it has finished handling it.
type fakeTelephony struct {
	events chan transport.Event
	done   chan struct{}
	sendMu sync.RWMutex

	mu         sync.Mutex
	media      []sentMedia
	marks      []sentMedia
	clears     []string
	closeCalls int
	closeOnce  sync.Once
}

type sentMedia struct {
	StreamID string
	Payload  string
}

func newFakeTelephony() *fakeTelephony {
	return &fakeTelephony{
		events: make(chan transport.Event),
		done:   make(chan struct{}),
	}
}

func (f *fakeTelephony) Events() <-chan transport.Event { return f.events }

func (f *fakeTelephony) SendMedia(streamID, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isClosed() {
		return errFakeClosed
	}
	f.media = append(f.media, sentMedia{StreamID: streamID, Payload: payload})
	return nil
}

func (f *fakeTelephony) SendMark(streamID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isClosed() {
		return errFakeClosed
	}
	f.marks = append(f.marks, sentMedia{StreamID: streamID, Payload: name})
	return nil
}

func (f *fakeTelephony) Clear(streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isClosed() {
		return errFakeClosed
	}
	f.clears = append(f.clears, streamID)
	return nil
}

func (f *fakeTelephony) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()

	f.closeOnce.Do(func() {
		close(f.done)
		f.sendMu.Lock()
		close(f.events)
		f.sendMu.Unlock()
	})
	return nil
}

func (f *fakeTelephony) isClosed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// push delivers ev to the bridge. It reports false if the peer is closed.
func (f *fakeTelephony) push(ev transport.Event) bool {
	f.sendMu.RLock()
	defer f.sendMu.RUnlock()
	if f.isClosed() {
		return false
	}
	select {
	case f.events <- ev:
		return true
	case <-f.done:
		return false
	case <-time.After(2 * time.Second):
		panic("telephony event not received")
	}
}

// sync returns once every previously pushed event has been handled.
func (f *fakeTelephony) sync() {
	f.push(transport.UnknownEvent{Name: "sync"})
	f.push(transport.UnknownEvent{Name: "sync"})
}

func (f *fakeTelephony) sentMedia() []sentMedia {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMedia(nil), f.media...)
}

func (f *fakeTelephony) sentMarks() []sentMedia {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMedia(nil), f.marks...)
}

func (f *fakeTelephony) sentClears() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.clears...)
}

func (f *fakeTelephony) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

// fakeAI is an AIConn with the same push semantics as fakeTelephony. When
// sendErr is set every Send fails with it.
type fakeAI struct {
	events chan realtime.ServerEvent
	done   chan struct{}
	sendMu sync.RWMutex

	mu         sync.Mutex
	sendErr    error
	sent       []realtime.ClientEvent
	closeCalls int
	closeOnce  sync.Once
}

func newFakeAI() *fakeAI {
	return &fakeAI{
		events: make(chan realtime.ServerEvent),
		done:   make(chan struct{}),
	}
}

func (f *fakeAI) Events() <-chan realtime.ServerEvent { return f.events }

func (f *fakeAI) Send(event realtime.ClientEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isClosed() {
		return errFakeClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, event)
	return nil
}

func (f *fakeAI) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()

	f.closeOnce.Do(func() {
		close(f.done)
		f.sendMu.Lock()
		close(f.events)
		f.sendMu.Unlock()
	})
	return nil
}

func (f *fakeAI) isClosed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *fakeAI) push(ev realtime.ServerEvent) bool {
	f.sendMu.RLock()
	defer f.sendMu.RUnlock()
	if f.isClosed() {
		return false
	}
	select {
	case f.events <- ev:
		return true
	case <-f.done:
		return false
	case <-time.After(2 * time.Second):
		panic("realtime event not received")
	}
}

func (f *fakeAI) sync() {
	f.push(realtime.UnknownEvent{Type: "sync"})
	f.push(realtime.UnknownEvent{Type: "sync"})
}

func (f *fakeAI) sentEvents() []realtime.ClientEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]realtime.ClientEvent(nil), f.sent...)
}

func (f *fakeAI) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

// fakeDialer hands out one fakeAI. When gate is set, dialing blocks until the
// gate is closed; honorCtx controls whether cancellation aborts the wait.
type fakeDialer struct {
	ai       *fakeAI
	err      error
	gate     chan struct{}
	honorCtx bool
}

func (d *fakeDialer) dial(ctx context.Context) (AIConn, error) {
	if d.gate != nil {
		if d.honorCtx {
			select {
			case <-d.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-d.gate
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.ai, nil
}

func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
	return nil
}
