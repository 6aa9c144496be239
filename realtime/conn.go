// Package realtime provides an OpenAI Realtime websocket client for the bridge.
//
// Audio stays base64 end to end: appends carry the telephony payload unchanged
// and audio deltas are handed to the caller as received.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentplexus/voicebridge"
)

var (
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("realtime: connection closed")

	// ErrSendQueueFull is returned when the write queue cannot take another event.
	ErrSendQueueFull = errors.New("realtime: send queue full")
)

// Dialer opens realtime connections.
type Dialer struct {
	apiKey           string
	url              string
	model            string
	header           http.Header
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	queueSize        int
	logger           *slog.Logger
	onDecodeErr      func(error)
}

// Option configures the Dialer.
type Option func(*Dialer)

// WithURL sets the realtime endpoint URL.
func WithURL(u string) Option {
	return func(d *Dialer) {
		d.url = u
	}
}

// WithModel sets the model query parameter.
func WithModel(model string) Option {
	return func(d *Dialer) {
		d.model = model
	}
}

// WithHeader adds extra handshake headers.
func WithHeader(h http.Header) Option {
	return func(d *Dialer) {
		for k, vs := range h {
			for _, v := range vs {
				d.header.Add(k, v)
			}
		}
	}
}

// WithHandshakeTimeout bounds the websocket handshake.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(d *Dialer) {
		d.handshakeTimeout = timeout
	}
}

// WithWriteTimeout bounds each websocket write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(d *Dialer) {
		d.writeTimeout = timeout
	}
}

// WithSendQueueSize sets the number of events buffered for writing.
func WithSendQueueSize(n int) Option {
	return func(d *Dialer) {
		d.queueSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dialer) {
		d.logger = logger
	}
}

// WithDecodeErrorHook is called for every server message that cannot be
// decoded. The message itself is dropped.
func WithDecodeErrorHook(fn func(err error)) Option {
	return func(d *Dialer) {
		d.onDecodeErr = fn
	}
}

// NewDialer creates a dialer authenticated with apiKey.
func NewDialer(apiKey string, opts ...Option) (*Dialer, error) {
	if apiKey == "" {
		return nil, errors.New("realtime: API key is required")
	}

	d := &Dialer{
		apiKey:           apiKey,
		url:              voicebridge.DefaultRealtimeURL,
		model:            voicebridge.DefaultRealtimeModel,
		header:           http.Header{},
		handshakeTimeout: 10 * time.Second,
		writeTimeout:     5 * time.Second,
		queueSize:        256,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d, nil
}

// Dial opens a connection. The returned connection is open: the handshake has
// completed and both loops are running.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return nil, fmt.Errorf("realtime: invalid URL: %w", err)
	}
	if d.model != "" {
		q := u.Query()
		q.Set("model", d.model)
		u.RawQuery = q.Encode()
	}

	header := d.header.Clone()
	header.Set("Authorization", "Bearer "+d.apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.handshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			return nil, fmt.Errorf("realtime: dial failed (status %d): %s: %w", resp.StatusCode, string(body), err)
		}
		return nil, fmt.Errorf("realtime: dial failed: %w", err)
	}

	return newConn(ws, d.writeTimeout, d.queueSize, d.logger, d.onDecodeErr), nil
}

// Conn is an open realtime connection.
type Conn struct {
	ws           *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	events chan ServerEvent
	send   chan []byte
	done   chan struct{}

	onDecodeErr   func(error)
	closeOnce     sync.Once
	malformedOnce sync.Once
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration, queueSize int, logger *slog.Logger, onDecodeErr func(error)) *Conn {
	c := &Conn{
		ws:           ws,
		logger:       logger.With("component", "realtime"),
		writeTimeout: writeTimeout,
		onDecodeErr:  onDecodeErr,
		events:       make(chan ServerEvent, 64),
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
	}

	go c.readLoop()
	go c.writeLoop()

	return c
}

// Events returns decoded server events. The last event is a ClosedEvent and
// the channel is closed after it.
func (c *Conn) Events() <-chan ServerEvent {
	return c.events
}

// Send queues a client event for writing. Events are written in the order
// they are sent.
func (c *Conn) Send(event ClientEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("realtime: encode %s: %w", event.EventType(), err)
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// Close closes the connection. Closing twice is a no-op.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			c.emit(ClosedEvent{Err: err})
			return
		}

		event, err := DecodeServerEvent(data)
		if err != nil {
			c.malformedOnce.Do(func() {
				c.logger.Warn("dropping undecodable realtime message", "error", err)
			})
			if c.onDecodeErr != nil {
				c.onDecodeErr(err)
			}
			continue
		}
		c.emit(event)
	}
}

// emit delivers an event unless the connection was closed locally and nobody
// is reading anymore.
func (c *Conn) emit(event ServerEvent) {
	select {
	case c.events <- event:
	case <-c.done:
		select {
		case c.events <- event:
		default:
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				if !c.isClosed() {
					c.logger.Warn("realtime write failed", "error", err)
				}
				_ = c.Close()
				return
			}
		}
	}
}
