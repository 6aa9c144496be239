package recording

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/agentplexus/voicebridge/internal/client"
	"github.com/agentplexus/voicebridge/internal/observability"
)

type fakeDownloader struct {
	audio []byte
	err   error
	urls  []string
}

func (f *fakeDownloader) DownloadRecording(_ context.Context, recordingURL string) ([]byte, error) {
	f.urls = append(f.urls, recordingURL)
	return f.audio, f.err
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(context.Context, []byte) (string, error) {
	return f.text, f.err
}

type fakeSummarizer struct {
	text  string
	err   error
	input string
}

func (f *fakeSummarizer) Summarize(_ context.Context, transcript string) (string, error) {
	f.input = transcript
	return f.text, f.err
}

type fakeForwarder struct {
	mu      sync.Mutex
	err     error
	got     []Summary
	arrived chan struct{}
}

func (f *fakeForwarder) Forward(_ context.Context, s Summary) error {
	f.mu.Lock()
	f.got = append(f.got, s)
	f.mu.Unlock()
	if f.arrived != nil {
		f.arrived <- struct{}{}
	}
	return f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testRecording = Recording{
	SID:      "RE1",
	CallSID:  "CA1",
	URL:      "https://api.twilio.com/2010-04-01/Accounts/AC1/Recordings/RE1",
	Status:   "completed",
	Duration: 61,
}

func TestNewProcessor_Validation(t *testing.T) {
	if _, err := NewProcessor(nil, &fakeTranscriber{}); err == nil {
		t.Fatal("expected error without downloader")
	}
	if _, err := NewProcessor(&fakeDownloader{}, nil); err == nil {
		t.Fatal("expected error without transcriber")
	}
}

func TestProcess_Forwards(t *testing.T) {
	downloader := &fakeDownloader{audio: []byte("mp3")}
	summarizer := &fakeSummarizer{text: " Wants a quote. "}
	forwarder := &fakeForwarder{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	p, err := NewProcessor(downloader, &fakeTranscriber{text: "  hello there  "},
		WithSummarizer(summarizer),
		WithForwarder(forwarder),
		WithLogger(discardLogger()),
		WithMetrics(metrics),
	)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	summary, err := p.Process(context.Background(), testRecording)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if downloader.urls[0] != testRecording.URL {
		t.Fatalf("downloaded %q", downloader.urls[0])
	}
	if summarizer.input != "hello there" {
		t.Fatalf("summarizer input = %q", summarizer.input)
	}
	if summary.Transcript != "hello there" || summary.Summary != "Wants a quote." {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.CallSID != "CA1" || summary.RecordingSID != "RE1" || summary.Duration != 61 || summary.JobID == "" {
		t.Fatalf("summary = %+v", summary)
	}
	if len(forwarder.got) != 1 || forwarder.got[0].JobID != summary.JobID {
		t.Fatalf("forwarded = %+v", forwarder.got)
	}
	if v := testutil.ToFloat64(metrics.RecordingsTotal.WithLabelValues(ResultForwarded)); v != 1 {
		t.Fatalf("recordings_total{forwarded} = %v", v)
	}
}

func TestProcess_Results(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name       string
		downloader *fakeDownloader
		transcript *fakeTranscriber
		opts       []ProcessorOption
		wantResult string
		wantErr    error
	}{
		{
			name:       "download fails",
			downloader: &fakeDownloader{err: boom},
			transcript: &fakeTranscriber{text: "x"},
			wantResult: ResultFailed,
			wantErr:    boom,
		},
		{
			name:       "transcription fails",
			downloader: &fakeDownloader{},
			transcript: &fakeTranscriber{err: boom},
			wantResult: ResultFailed,
			wantErr:    boom,
		},
		{
			name:       "empty transcript",
			downloader: &fakeDownloader{},
			transcript: &fakeTranscriber{text: "   "},
			opts:       []ProcessorOption{WithForwarder(&fakeForwarder{})},
			wantResult: ResultEmpty,
		},
		{
			name:       "no forwarder",
			downloader: &fakeDownloader{},
			transcript: &fakeTranscriber{text: "hi"},
			wantResult: ResultSkipped,
		},
		{
			name:       "summary fails",
			downloader: &fakeDownloader{},
			transcript: &fakeTranscriber{text: "hi"},
			opts:       []ProcessorOption{WithSummarizer(&fakeSummarizer{err: boom})},
			wantResult: ResultFailed,
			wantErr:    boom,
		},
		{
			name:       "forward fails",
			downloader: &fakeDownloader{},
			transcript: &fakeTranscriber{text: "hi"},
			opts:       []ProcessorOption{WithForwarder(&fakeForwarder{err: boom})},
			wantResult: ResultFailed,
			wantErr:    boom,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := observability.NewMetrics(prometheus.NewRegistry())
			opts := append([]ProcessorOption{WithLogger(discardLogger()), WithMetrics(metrics)}, tt.opts...)
			p, err := NewProcessor(tt.downloader, tt.transcript, opts...)
			if err != nil {
				t.Fatalf("NewProcessor: %v", err)
			}

			_, err = p.Process(context.Background(), testRecording)
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v := testutil.ToFloat64(metrics.RecordingsTotal.WithLabelValues(tt.wantResult)); v != 1 {
				t.Fatalf("recordings_total{%s} = %v", tt.wantResult, v)
			}
		})
	}
}

func TestHandler(t *testing.T) {
	forwarder := &fakeForwarder{arrived: make(chan struct{}, 1)}
	p, err := NewProcessor(&fakeDownloader{}, &fakeTranscriber{text: "hello"},
		WithForwarder(forwarder), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	h := NewHandler(p, WithHandlerLogger(discardLogger()), WithProcessTimeout(time.Second))
	defer h.Close()

	post := func(form url.Values) int {
		req := httptest.NewRequest(http.MethodPost, "/recording", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := post(url.Values{"RecordingStatus": {"completed"}}); code != http.StatusBadRequest {
		t.Fatalf("missing URL: status %d", code)
	}
	if code := post(url.Values{"RecordingUrl": {"https://x/RE1"}, "RecordingStatus": {"in-progress"}}); code != http.StatusNoContent {
		t.Fatalf("in-progress: status %d", code)
	}

	code := post(url.Values{
		"RecordingSid":      {"RE1"},
		"CallSid":           {"CA1"},
		"RecordingUrl":      {"https://x/RE1"},
		"RecordingStatus":   {"completed"},
		"RecordingDuration": {"12"},
	})
	if code != http.StatusAccepted {
		t.Fatalf("completed: status %d", code)
	}

	select {
	case <-forwarder.arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("recording was not processed")
	}
	h.Wait()

	forwarder.mu.Lock()
	defer forwarder.mu.Unlock()
	if len(forwarder.got) != 1 || forwarder.got[0].Duration != 12 || forwarder.got[0].CallSID != "CA1" {
		t.Fatalf("forwarded = %+v", forwarder.got)
	}

	req := httptest.NewRequest(http.MethodGet, "/recording", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET: status %d", rec.Code)
	}
}

func TestHandler_ForgedRecordingURLGetsNoCredentials(t *testing.T) {
	var foreignHits atomic.Int32
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		foreignHits.Add(1)
		if user, pass, ok := r.BasicAuth(); ok {
			t.Errorf("foreign host received basic auth %q/%q", user, pass)
		}
	}))
	defer foreign.Close()

	twilioClient, err := client.New(client.Config{AccountSID: "ACreal", AuthToken: "real-token"})
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	p, err := NewProcessor(twilioClient, &fakeTranscriber{text: "hello"},
		WithLogger(discardLogger()), WithMetrics(metrics))
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	h := NewHandler(p, WithHandlerLogger(discardLogger()), WithProcessTimeout(time.Second))
	defer h.Close()

	form := url.Values{
		"RecordingSid":    {"RE1"},
		"RecordingUrl":    {foreign.URL + "/steal"},
		"RecordingStatus": {"completed"},
	}
	req := httptest.NewRequest(http.MethodPost, "/recording", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d", rec.Code)
	}
	h.Wait()

	if n := foreignHits.Load(); n != 0 {
		t.Fatalf("foreign host received %d requests", n)
	}
	if v := testutil.ToFloat64(metrics.RecordingsTotal.WithLabelValues(ResultFailed)); v != 1 {
		t.Fatalf("recordings_total{failed} = %v", v)
	}
}

func TestWebhookForwarder(t *testing.T) {
	var got Summary
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f, err := NewWebhookForwarder(srv.URL, nil)
	if err != nil {
		t.Fatalf("NewWebhookForwarder: %v", err)
	}
	if err := f.Forward(context.Background(), Summary{CallSID: "CA1", Transcript: "hi"}); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got.CallSID != "CA1" || got.Transcript != "hi" {
		t.Fatalf("received %+v", got)
	}
}

func TestWebhookForwarder_Errors(t *testing.T) {
	if _, err := NewWebhookForwarder("", nil); err == nil {
		t.Fatal("expected error without URL")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, _ := NewWebhookForwarder(srv.URL, nil)
	err := f.Forward(context.Background(), Summary{})
	if err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Fatalf("error = %v", err)
	}
}

func TestOpenAI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/audio/transcriptions":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("multipart: %v", err)
			}
			if r.FormValue("model") != "whisper-1" {
				t.Errorf("model = %q", r.FormValue("model"))
			}
			_, _ = w.Write([]byte(`{"text":"hello from the caller"}`))
		case "/v1/chat/completions":
			var req struct {
				Model    string `json:"model"`
				Messages []struct {
					Role    string `json:"role"`
					Content string `json:"content"`
				} `json:"messages"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Model != "gpt-4o-mini" || len(req.Messages) != 2 || req.Messages[1].Content != "hello from the caller" {
				t.Errorf("chat request = %+v", req)
			}
			_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Caller said hello."},"finish_reason":"stop"}]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	o, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}

	text, err := o.Transcribe(context.Background(), []byte("mp3"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello from the caller" {
		t.Fatalf("transcript = %q", text)
	}

	summary, err := o.Summarize(context.Background(), text)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary != "Caller said hello." {
		t.Fatalf("summary = %q", summary)
	}

	if _, err := NewOpenAI(OpenAIConfig{}); err == nil {
		t.Fatal("expected error without API key")
	}
}
