package recording

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/agentplexus/voicebridge"
)

// DefaultProcessTimeout bounds the processing of one recording.
const DefaultProcessTimeout = 5 * time.Minute

// Handler accepts Twilio recording status callbacks. Completed recordings are
// processed in the background; the callback is acknowledged at once.
type Handler struct {
	processor *Processor
	timeout   time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithProcessTimeout bounds the processing of one recording.
func WithProcessTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.timeout = d
	}
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a callback handler for p.
func NewHandler(p *Processor, opts ...HandlerOption) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		processor: p,
		timeout:   DefaultProcessTimeout,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "recording")
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	rec := Recording{
		SID:     r.PostForm.Get("RecordingSid"),
		CallSID: r.PostForm.Get("CallSid"),
		URL:     r.PostForm.Get("RecordingUrl"),
		Status:  r.PostForm.Get("RecordingStatus"),
	}
	rec.Duration, _ = strconv.Atoi(r.PostForm.Get("RecordingDuration"))
	rec.Channels, _ = strconv.Atoi(r.PostForm.Get("RecordingChannels"))

	if rec.URL == "" {
		http.Error(w, "RecordingUrl is required", http.StatusBadRequest)
		return
	}
	if rec.Status != voicebridge.CallStatusCompleted {
		h.logger.Debug("ignoring recording callback", "recording_sid", rec.SID, "status", rec.Status)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
		defer cancel()
		_, _ = h.processor.Process(ctx, rec)
	}()

	w.WriteHeader(http.StatusAccepted)
}

// Wait blocks until in-flight recordings finish.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Close cancels in-flight recordings and waits for them.
func (h *Handler) Close() {
	h.cancel()
	h.wg.Wait()
}
