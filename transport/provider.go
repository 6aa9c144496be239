// Package transport accepts Twilio Media Streams websocket connections.
//
// A Connection decodes inbound frames into typed events and writes outbound
// media, mark and clear messages from a single FIFO write loop. Audio payloads
// are never decoded.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentplexus/voicebridge"
)

var (
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("transport: connection closed")

	// ErrSendQueueFull is returned when the write queue cannot take another message.
	ErrSendQueueFull = errors.New("transport: send queue full")

	// ErrNoStream is returned when sending without a stream SID.
	ErrNoStream = errors.New("transport: stream SID is required")
)

// Provider accepts Twilio Media Streams connections.
type Provider struct {
	logger       *slog.Logger
	writeTimeout time.Duration
	queueSize    int
	checkOrigin  func(r *http.Request) bool
	onDecodeErr  func(err error)

	mu          sync.RWMutex
	connections map[string]*Connection
	closed      bool
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	writeTimeout time.Duration
	queueSize    int
	checkOrigin  func(r *http.Request) bool
	onDecodeErr  func(err error)
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithWriteTimeout bounds each websocket write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = timeout
	}
}

// WithSendQueueSize sets the number of messages buffered for writing per connection.
func WithSendQueueSize(n int) Option {
	return func(o *options) {
		o.queueSize = n
	}
}

// WithCheckOrigin sets the websocket origin check. All origins are accepted by default.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(o *options) {
		o.checkOrigin = fn
	}
}

// WithDecodeErrorHook sets a function called for every undecodable message.
func WithDecodeErrorHook(fn func(err error)) Option {
	return func(o *options) {
		o.onDecodeErr = fn
	}
}

// New creates a new Twilio Media Streams transport provider.
func New(opts ...Option) (*Provider, error) {
	cfg := &options{
		writeTimeout: 5 * time.Second,
		queueSize:    256,
		checkOrigin:  func(r *http.Request) bool { return true },
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.queueSize <= 0 {
		return nil, fmt.Errorf("transport: send queue size must be positive, got %d", cfg.queueSize)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	return &Provider{
		logger:       cfg.logger.With("component", "transport"),
		writeTimeout: cfg.writeTimeout,
		queueSize:    cfg.queueSize,
		checkOrigin:  cfg.checkOrigin,
		onDecodeErr:  cfg.onDecodeErr,
		connections:  make(map[string]*Connection),
	}, nil
}

// HandleWebSocket upgrades an incoming request from Twilio and starts the
// connection's read and write loops.
func (p *Provider) HandleWebSocket(w http.ResponseWriter, r *http.Request) (*Connection, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return nil, ErrClosed
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: p.checkOrigin,
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}

	id := uuid.NewString()
	conn := &Connection{
		id:       id,
		wsConn:   wsConn,
		provider: p,
		logger:   p.logger.With("connection_id", id, "remote_addr", wsConn.RemoteAddr().String()),
		events:   make(chan Event, 100),
		send:     make(chan outboundMessage, p.queueSize),
		done:     make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = wsConn.Close()
		return nil, ErrClosed
	}
	p.connections[id] = conn
	p.mu.Unlock()

	go conn.readLoop()
	go conn.writeLoop()

	return conn, nil
}

// Count returns the number of open connections.
func (p *Provider) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connections)
}

// Close closes every open connection and rejects new ones.
func (p *Provider) Close() error {
	p.mu.Lock()
	p.closed = true
	conns := make([]*Connection, 0, len(p.connections))
	for _, conn := range p.connections {
		conns = append(conns, conn)
	}
	p.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return nil
}

func (p *Provider) remove(id string) {
	p.mu.Lock()
	delete(p.connections, id)
	p.mu.Unlock()
}

// Connection is one Twilio Media Streams websocket.
type Connection struct {
	id         string
	wsConn     *websocket.Conn
	provider   *Provider
	logger     *slog.Logger
	events     chan Event
	send       chan outboundMessage
	done       chan struct{}
	closeOnce  sync.Once
	decodeOnce sync.Once
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// Events returns decoded stream events. A socket failure is reported as a
// final ErrorEvent; the channel is closed when the socket ends.
func (c *Connection) Events() <-chan Event {
	return c.events
}

// SendMedia queues one base64 audio payload for playback on the stream.
func (c *Connection) SendMedia(streamSID, payload string) error {
	return c.enqueue(outboundMessage{
		Event:     voicebridge.StreamEventMedia,
		StreamSID: streamSID,
		Media:     &mediaPayload{Payload: payload},
	})
}

// SendMark queues a mark message. Twilio echoes it once the audio queued
// before it has played.
func (c *Connection) SendMark(streamSID, name string) error {
	return c.enqueue(outboundMessage{
		Event:     voicebridge.StreamEventMark,
		StreamSID: streamSID,
		Mark:      &markMessage{Name: name},
	})
}

// Clear queues a clear message, dropping audio Twilio has buffered for playback.
func (c *Connection) Clear(streamSID string) error {
	return c.enqueue(outboundMessage{
		Event:     voicebridge.StreamEventClear,
		StreamSID: streamSID,
	})
}

func (c *Connection) enqueue(msg outboundMessage) error {
	if msg.StreamSID == "" {
		return ErrNoStream
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// Close closes the connection. Closing twice is a no-op.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.wsConn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = c.wsConn.Close()
		c.provider.remove(c.id)
	})
	return nil
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// readLoop reads messages from the WebSocket.
func (c *Connection) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.wsConn.ReadMessage()
		if err != nil {
			if !c.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emit(ErrorEvent{Err: err})
			}
			return
		}

		ev, err := DecodeEvent(data)
		if err != nil {
			c.decodeOnce.Do(func() {
				c.logger.Warn("dropping undecodable media stream message", "error", err)
			})
			if c.provider.onDecodeErr != nil {
				c.provider.onDecodeErr(err)
			}
			continue
		}

		c.emit(ev)
	}
}

func (c *Connection) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
		select {
		case c.events <- ev:
		default:
		}
	}
}

// writeLoop writes queued messages to the WebSocket in order.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				c.logger.Error("encode media stream message", "event", msg.Event, "error", err)
				continue
			}
			_ = c.wsConn.SetWriteDeadline(time.Now().Add(c.provider.writeTimeout))
			if err := c.wsConn.WriteMessage(websocket.TextMessage, data); err != nil {
				if !c.isClosed() {
					c.logger.Warn("media stream write failed", "error", err)
				}
				_ = c.Close()
				return
			}
		}
	}
}
