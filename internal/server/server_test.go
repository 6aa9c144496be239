package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentplexus/voicebridge/bridge"
	"github.com/agentplexus/voicebridge/callsystem"
	"github.com/agentplexus/voicebridge/internal/observability"
	"github.com/agentplexus/voicebridge/realtime"
	"github.com/agentplexus/voicebridge/session"
	"github.com/agentplexus/voicebridge/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	server   *Server
	registry *session.Registry
	reg      *prometheus.Registry
}

func newTestEnv(t *testing.T, dial bridge.DialFunc, cfg Config, opts ...Option) *testEnv {
	t.Helper()

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	registry := session.NewRegistry("there")

	b, err := bridge.New(registry, dial, bridge.DefaultConfig(),
		bridge.WithLogger(discardLogger()),
		bridge.WithMetrics(metrics),
	)
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	tp, err := transport.New(transport.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	opts = append([]Option{WithGatherer(reg), WithLogger(discardLogger())}, opts...)
	s, err := New(cfg, b, tp, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{server: s, registry: registry, reg: reg}
}

func failingDial(err error) bridge.DialFunc {
	return func(context.Context) (bridge.AIConn, error) {
		return nil, err
	}
}

func do(t *testing.T, h http.Handler, method, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}, nil, nil); err == nil {
		t.Fatal("expected error without bridge")
	}
}

func TestRoot(t *testing.T) {
	env := newTestEnv(t, failingDial(errors.New("unused")), Config{})

	rec := do(t, env.server.Handler(), http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "running") {
		t.Fatalf("GET / = %d %q", rec.Code, rec.Body.String())
	}

	rec = do(t, env.server.Handler(), http.MethodGet, "/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET /nope = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, failingDial(errors.New("unused")), Config{})

	rec := do(t, env.server.Handler(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.ActiveCalls != 0 || body.Version == "" {
		t.Fatalf("body = %+v", body)
	}
	if body.TwilioCalls != nil {
		t.Fatalf("twilio_calls reported without a call system: %d", *body.TwilioCalls)
	}
}

func TestHealthz_TwilioCalls(t *testing.T) {
	calls, err := callsystem.New(
		callsystem.WithAccountSID("ACtest"),
		callsystem.WithAuthToken("secret"),
		callsystem.WithStreamURL("wss://bridge.example.com/media"),
		callsystem.WithBaseURL("http://127.0.0.1:1"),
		callsystem.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("callsystem.New: %v", err)
	}
	env := newTestEnv(t, failingDial(errors.New("unused")), Config{}, WithCallSystem(calls))
	h := env.server.Handler()

	twilioCalls := func() int {
		t.Helper()
		var body healthResponse
		if err := json.Unmarshal(do(t, h, http.MethodGet, "/healthz", nil).Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.TwilioCalls == nil {
			t.Fatal("twilio_calls missing")
		}
		return *body.TwilioCalls
	}

	do(t, h, http.MethodPost, "/voice", url.Values{"CallSid": {"CA1"}, "From": {"+15550003333"}, "To": {"+15550002222"}})
	if n := twilioCalls(); n != 1 {
		t.Fatalf("twilio_calls = %d, want 1", n)
	}

	do(t, h, http.MethodPost, "/status", url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}})
	if n := twilioCalls(); n != 0 {
		t.Fatalf("twilio_calls = %d after completion", n)
	}
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t, failingDial(errors.New("unused")), Config{})

	rec := do(t, env.server.Handler(), http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "voicebridge_active_calls") {
		t.Fatalf("metrics output missing gauge:\n%s", rec.Body.String())
	}
}

func TestVoice(t *testing.T) {
	env := newTestEnv(t, failingDial(errors.New("unused")), Config{StreamURL: "wss://bridge.example.com/media"})

	rec := do(t, env.server.Handler(), http.MethodPost, "/voice", url.Values{
		"CallSid": {"CA1"},
		"From":    {"+15550003333"},
		"To":      {"+15550002222"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `<Stream url="wss://bridge.example.com/media">`) {
		t.Fatalf("missing stream: %s", body)
	}
	if !strings.Contains(body, `<Parameter name="name" value="+15550003333">`) {
		t.Fatalf("caller number should be the fallback label: %s", body)
	}

	rec = do(t, env.server.Handler(), http.MethodPost, "/voice?name=Sarah", url.Values{"From": {"+15550003333"}})
	if !strings.Contains(rec.Body.String(), `<Parameter name="name" value="Sarah">`) {
		t.Fatalf("explicit name ignored: %s", rec.Body.String())
	}
}

func TestVoice_NoStreamURL(t *testing.T) {
	env := newTestEnv(t, failingDial(errors.New("unused")), Config{})

	rec := do(t, env.server.Handler(), http.MethodPost, "/voice", url.Values{"From": {"+1"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<Say>") || strings.Contains(body, "<Connect>") {
		t.Fatalf("expected spoken fallback: %s", body)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, failingDial(errors.New("unused")), Config{})

	rec := do(t, env.server.Handler(), http.MethodPost, "/status", url.Values{"CallSid": {"CA1"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing status: %d", rec.Code)
	}
	rec = do(t, env.server.Handler(), http.MethodPost, "/status", url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status callback: %d", rec.Code)
	}
}

func TestRecordingRouteDisabled(t *testing.T) {
	env := newTestEnv(t, failingDial(errors.New("unused")), Config{})

	rec := do(t, env.server.Handler(), http.MethodPost, "/recording", url.Values{"RecordingUrl": {"x"}})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTestRealtime_DialFailure(t *testing.T) {
	env := newTestEnv(t, failingDial(errors.New("401 unauthorized")), Config{})

	rec := do(t, env.server.Handler(), http.MethodGet, "/test-realtime", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != false || !strings.Contains(body["error"].(string), "401") {
		t.Fatalf("body = %v", body)
	}
}

// fakeOpenAI accepts one realtime connection, records client events and
// answers the opening turn with one audio delta.
type fakeOpenAI struct {
	srv      *httptest.Server
	received chan string
	closed   chan struct{}
}

func newFakeOpenAI(t *testing.T) *fakeOpenAI {
	t.Helper()
	f := &fakeOpenAI{
		received: make(chan string, 16),
		closed:   make(chan struct{}),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.Close() }()
		defer close(f.closed)

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(data, &msg)
			f.received <- string(data)
			if msg.Type == realtime.TypeResponseCreate {
				_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.audio.delta","response_id":"r1","delta":"ZZZZ"}`))
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeOpenAI) next(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-f.received:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("no realtime message")
	}
	return ""
}

func TestMedia_EndToEnd(t *testing.T) {
	openai := newFakeOpenAI(t)
	dialer, err := realtime.NewDialer("sk-test",
		realtime.WithURL("ws"+strings.TrimPrefix(openai.srv.URL, "http")),
		realtime.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}

	env := newTestEnv(t, bridge.RealtimeDialer(dialer), Config{})
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- env.server.Serve(ctx, listener) }()
	defer func() {
		cancel()
		select {
		case <-served:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	}()

	twilio, _, err := websocket.DefaultDialer.Dial("ws://"+listener.Addr().String()+"/media", nil)
	if err != nil {
		t.Fatalf("dial media: %v", err)
	}
	defer func() { _ = twilio.Close() }()

	start := `{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1","customParameters":{"name":"Sarah"}}}`
	if err := twilio.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
		t.Fatalf("write start: %v", err)
	}

	update := openai.next(t)
	if !strings.Contains(update, `"type":"session.update"`) || !strings.Contains(update, "Sarah") {
		t.Fatalf("first realtime message = %s", update)
	}
	if create := openai.next(t); !strings.Contains(create, `"type":"response.create"`) {
		t.Fatalf("second realtime message = %s", create)
	}

	_ = twilio.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := twilio.ReadMessage()
	if err != nil {
		t.Fatalf("read media: %v", err)
	}
	if string(data) != `{"event":"media","streamSid":"MZ1","media":{"payload":"ZZZZ"}}` {
		t.Fatalf("media = %s", data)
	}

	if err := twilio.WriteMessage(websocket.TextMessage, []byte(`{"event":"media","media":{"payload":"BBBB"}}`)); err != nil {
		t.Fatalf("write media: %v", err)
	}
	if appendMsg := openai.next(t); appendMsg != `{"type":"input_audio_buffer.append","audio":"BBBB"}` {
		t.Fatalf("append = %s", appendMsg)
	}

	if err := twilio.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop","stop":{"callSid":"CA1"}}`)); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	select {
	case <-openai.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("realtime socket not closed after stop")
	}

	deadline := time.Now().Add(3 * time.Second)
	for env.registry.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("registry still holds %d sessions", env.registry.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
