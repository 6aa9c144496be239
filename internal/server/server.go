// Package server exposes the HTTP routes Twilio and operators talk to.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentplexus/voicebridge"
	"github.com/agentplexus/voicebridge/bridge"
	"github.com/agentplexus/voicebridge/callsystem"
	"github.com/agentplexus/voicebridge/recording"
	"github.com/agentplexus/voicebridge/transport"
)

// Config configures the HTTP server.
type Config struct {
	Addr            string
	MediaPath       string
	StreamURL       string
	Greeting        string
	GreetingVoice   string
	ShutdownTimeout time.Duration
}

// Server serves the HTTP routes and runs one bridge per media connection.
type Server struct {
	cfg        Config
	bridge     *bridge.Bridge
	transport  *transport.Provider
	calls      *callsystem.Provider
	recordings *recording.Handler
	gatherer   prometheus.Gatherer
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mux    *http.ServeMux
}

// Option configures the Server.
type Option func(*Server)

// WithCallSystem enables call tracking for inbound calls and status callbacks.
func WithCallSystem(p *callsystem.Provider) Option {
	return func(s *Server) {
		s.calls = p
	}
}

// WithRecordingHandler serves recording status callbacks on /recording.
func WithRecordingHandler(h *recording.Handler) Option {
	return func(s *Server) {
		s.recordings = h
	}
}

// WithGatherer sets the metrics source for /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a server.
func New(cfg Config, b *bridge.Bridge, tp *transport.Provider, opts ...Option) (*Server, error) {
	if b == nil {
		return nil, errors.New("server: bridge is required")
	}
	if tp == nil {
		return nil, errors.New("server: transport is required")
	}
	if cfg.MediaPath == "" {
		cfg.MediaPath = "/media"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		bridge:    b,
		transport: tp,
		gatherer:  prometheus.DefaultGatherer,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "server")

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("POST /voice", s.handleVoice)
	s.mux.HandleFunc("POST /status", s.handleStatus)
	s.mux.HandleFunc("GET /test-realtime", s.handleTestRealtime)
	s.mux.HandleFunc("GET "+cfg.MediaPath, s.handleMedia)
	if s.recordings != nil {
		s.mux.Handle("POST /recording", s.recordings)
	}

	return s, nil
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run listens on cfg.Addr until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled. Active calls
// are ended and in-flight recordings cancelled before it returns.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info("starting http server", "addr", listener.Addr().String(), "media_path", s.cfg.MediaPath)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	s.logger.Info("stopping http server", "active_calls", s.bridge.ActiveCalls())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}

	s.cancel()
	if err := s.transport.Close(); err != nil {
		s.logger.Warn("transport close error", "error", err)
	}
	s.wg.Wait()
	if s.recordings != nil {
		s.recordings.Close()
	}

	return serveErr
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("voicebridge is running\n"))
}

type healthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	ActiveCalls      int    `json:"active_calls"`
	MediaConnections int    `json:"media_connections"`
	TwilioCalls      *int   `json:"twilio_calls,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:           "ok",
		Version:          voicebridge.Version,
		ActiveCalls:      s.bridge.ActiveCalls(),
		MediaConnections: s.transport.Count(),
	}
	if s.calls != nil {
		n := len(s.calls.ListCalls())
		resp.TwilioCalls = &n
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleVoice answers Twilio's inbound call webhook with TwiML that connects
// the call to the media endpoint.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	callSID := r.Form.Get("CallSid")
	from := r.Form.Get("From")
	label := r.Form.Get(callsystem.ParamCallerName)

	var (
		twiml string
		err   error
	)
	if s.calls != nil {
		_, twiml, err = s.calls.HandleIncoming(callSID, from, r.Form.Get("To"), label)
	} else {
		if label == "" {
			label = from
		}
		twiml, err = callsystem.StreamTwiML(callsystem.StreamConfig{
			URL:        s.cfg.StreamURL,
			Greeting:   s.cfg.Greeting,
			Voice:      s.cfg.GreetingVoice,
			Parameters: map[string]string{callsystem.ParamCallerName: label},
		})
	}
	if err != nil {
		s.logger.Error("building voice response failed", "call_sid", callSID, "error", err)
		twiml, _ = callsystem.SayTwiML("Sorry, this line is not available right now.", s.cfg.GreetingVoice)
		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(twiml))
		return
	}

	s.logger.Info("inbound call", "call_sid", callSID)
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	callSID := r.PostForm.Get("CallSid")
	status := r.PostForm.Get("CallStatus")
	if callSID == "" || status == "" {
		http.Error(w, "CallSid and CallStatus are required", http.StatusBadRequest)
		return
	}

	if s.calls != nil {
		s.calls.HandleStatusCallback(callSID, status)
	} else {
		s.logger.Debug("call status", "call_sid", callSID, "status", status)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMedia upgrades a Media Streams connection and bridges it until the
// call ends.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	s.wg.Add(1)
	defer s.wg.Done()

	conn, err := s.transport.HandleWebSocket(w, r)
	if err != nil {
		s.logger.Warn("media stream upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	if err := s.bridge.Serve(s.ctx, conn); err != nil {
		s.logger.Warn("call ended with error", "connection_id", conn.ID(), "error", err)
	}
}

func (s *Server) handleTestRealtime(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	label := r.URL.Query().Get(callsystem.ParamCallerName)
	if label == "" {
		label = "there"
	}

	result, err := s.bridge.Probe(ctx, label)
	if err != nil {
		s.logger.Error("realtime probe failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"ok":     false,
			"error":  err.Error(),
			"result": result,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
