package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeEndpoint struct {
	srv      *httptest.Server
	requests chan *http.Request
	conns    chan *websocket.Conn
}

func newFakeEndpoint(t *testing.T) *fakeEndpoint {
	t.Helper()

	f := &fakeEndpoint{
		requests: make(chan *http.Request, 1),
		conns:    make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.requests <- r
		f.conns <- ws
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEndpoint) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeEndpoint) accept(t *testing.T) (*http.Request, *websocket.Conn) {
	t.Helper()
	select {
	case r := <-f.requests:
		ws := <-f.conns
		t.Cleanup(func() { _ = ws.Close() })
		return r, ws
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
	}
	return nil, nil
}

func testDialer(t *testing.T, url, key string) *Dialer {
	t.Helper()
	d, err := NewDialer(key,
		WithURL(url),
		WithModel("gpt-4o-realtime-preview"),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	return d
}

func nextServerEvent(t *testing.T, c *Conn) ServerEvent {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestNewDialer_RequiresKey(t *testing.T) {
	if _, err := NewDialer(""); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestDial_Headers(t *testing.T) {
	f := newFakeEndpoint(t)
	c, err := testDialer(t, f.url(), "sk-test").Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = c.Close() }()

	r, _ := f.accept(t)
	if got := r.Header.Get("OpenAI-Beta"); got != "realtime=v1" {
		t.Fatalf("OpenAI-Beta = %q", got)
	}
	if got := r.URL.Query().Get("model"); got != "gpt-4o-realtime-preview" {
		t.Fatalf("model = %q", got)
	}
}

func TestDial_Rejected(t *testing.T) {
	f := newFakeEndpoint(t)
	_, err := testDialer(t, f.url(), "sk-wrong").Dial(context.Background())
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !strings.Contains(err.Error(), "status 401") {
		t.Fatalf("error should carry the status: %v", err)
	}
}

func TestConn_SendAndReceive(t *testing.T) {
	f := newFakeEndpoint(t)
	c, err := testDialer(t, f.url(), "sk-test").Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = c.Close() }()
	_, ws := f.accept(t)

	if err := c.Send(SessionUpdate{Session: SessionConfig{Voice: "alloy"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Send(ResponseCreate{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Send(InputAudioBufferAppend{Audio: "BBBB"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := []string{
		`{"type":"session.update","session":{"voice":"alloy"}}`,
		`{"type":"response.create","response":{}}`,
		`{"type":"input_audio_buffer.append","audio":"BBBB"}`,
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, w := range want {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) != w {
			t.Fatalf("got %s, want %s", data, w)
		}
	}

	_ = ws.WriteMessage(websocket.TextMessage, []byte(`not json`))
	_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.audio.delta","delta":"CCCC"}`))

	delta, ok := nextServerEvent(t, c).(AudioDelta)
	if !ok || delta.Delta != "CCCC" {
		t.Fatalf("expected audio delta CCCC, got %#v", delta)
	}
}

func TestConn_RemoteCloseEmitsClosedEvent(t *testing.T) {
	f := newFakeEndpoint(t)
	c, err := testDialer(t, f.url(), "sk-test").Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = c.Close() }()
	_, ws := f.accept(t)

	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))

	closed, ok := nextServerEvent(t, c).(ClosedEvent)
	if !ok {
		t.Fatal("expected ClosedEvent")
	}
	if closed.Err != nil {
		t.Fatalf("normal close should carry no error, got %v", closed.Err)
	}
}

func TestConn_AbruptCloseCarriesError(t *testing.T) {
	f := newFakeEndpoint(t)
	c, err := testDialer(t, f.url(), "sk-test").Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = c.Close() }()
	_, ws := f.accept(t)

	_ = ws.UnderlyingConn().Close()

	closed, ok := nextServerEvent(t, c).(ClosedEvent)
	if !ok {
		t.Fatal("expected ClosedEvent")
	}
	if closed.Err == nil {
		t.Fatal("abrupt close should carry the socket error")
	}
}

func TestConn_CloseIdempotent(t *testing.T) {
	f := newFakeEndpoint(t)
	c, err := testDialer(t, f.url(), "sk-test").Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	f.accept(t)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := c.Send(InputAudioBufferAppend{Audio: "AAAA"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("events channel not closed")
		}
	}
}

func TestConn_DecodeErrorHook(t *testing.T) {
	f := newFakeEndpoint(t)

	var mu sync.Mutex
	var decodeErrs []error
	d, err := NewDialer("sk-test",
		WithURL(f.url()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDecodeErrorHook(func(err error) {
			mu.Lock()
			decodeErrs = append(decodeErrs, err)
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	c, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = c.Close() }()
	_, ws := f.accept(t)

	_ = ws.WriteMessage(websocket.TextMessage, []byte(`{`))
	_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"no_type":true}`))
	_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.done","response":{"id":"r1","status":"completed"}}`))

	if _, ok := nextServerEvent(t, c).(ResponseDone); !ok {
		t.Fatal("expected response.done after malformed messages")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(decodeErrs) != 2 {
		t.Fatalf("decode errors = %d, want 2", len(decodeErrs))
	}
	var decodeErr *DecodeError
	if !errors.As(decodeErrs[0], &decodeErr) {
		t.Fatalf("hook error %v is not a *DecodeError", decodeErrs[0])
	}
}
