// Package callsystem originates and tracks Twilio calls whose audio is streamed
// to the bridge.
//
// Outbound calls are placed through the Twilio REST API with inline TwiML that
// connects the answered call to the Media Streams endpoint and passes the
// caller label as a stream parameter. Inbound calls get the same TwiML from
// HandleIncoming. Status callbacks keep the local call table current.
package callsystem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/agentplexus/voicebridge"
	"github.com/agentplexus/voicebridge/internal/client"
)

// ParamCallerName is the stream parameter carrying the caller label.
const ParamCallerName = "name"

// ErrCallNotFound is returned when Twilio has no call with the given SID.
var ErrCallNotFound = errors.New("call not found")

// CallDirection is inbound or outbound.
type CallDirection string

const (
	Inbound  CallDirection = "inbound"
	Outbound CallDirection = "outbound"
)

// CallStatus is the coarse status of a call.
type CallStatus string

const (
	StatusRinging  CallStatus = "ringing"
	StatusAnswered CallStatus = "answered"
	StatusEnded    CallStatus = "ended"
	StatusBusy     CallStatus = "busy"
	StatusNoAnswer CallStatus = "no_answer"
	StatusFailed   CallStatus = "failed"
)

// Terminal reports whether no further status changes are expected.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusEnded, StatusBusy, StatusNoAnswer, StatusFailed:
		return true
	}
	return false
}

// Provider places and tracks calls.
type Provider struct {
	client      *client.Client
	logger      *slog.Logger
	defaultFrom string
	streamURL   string
	greeting    string
	voice       string

	mu    sync.RWMutex
	calls map[string]*Call
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	accountSID  string
	authToken   string
	phoneNumber string
	streamURL   string
	greeting    string
	voice       string
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger
}

// WithAccountSID sets the Twilio Account SID.
func WithAccountSID(sid string) Option {
	return func(o *options) {
		o.accountSID = sid
	}
}

// WithAuthToken sets the Twilio Auth Token.
func WithAuthToken(token string) Option {
	return func(o *options) {
		o.authToken = token
	}
}

// WithPhoneNumber sets the default outbound phone number.
func WithPhoneNumber(number string) Option {
	return func(o *options) {
		o.phoneNumber = number
	}
}

// WithStreamURL sets the Media Streams websocket URL calls connect to.
func WithStreamURL(url string) Option {
	return func(o *options) {
		o.streamURL = url
	}
}

// WithGreeting sets text spoken with <Say> before the stream connects.
func WithGreeting(text, voice string) Option {
	return func(o *options) {
		o.greeting = text
		o.voice = voice
	}
}

// WithBaseURL overrides the Twilio REST API base URL.
func WithBaseURL(url string) Option {
	return func(o *options) {
		o.baseURL = url
	}
}

// WithHTTPClient sets the HTTP client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a call system provider.
func New(opts ...Option) (*Provider, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.streamURL == "" {
		return nil, errors.New("stream URL is required")
	}

	twilioClient, err := client.New(client.Config{
		AccountSID: cfg.accountSID,
		AuthToken:  cfg.authToken,
		BaseURL:    cfg.baseURL,
		HTTPClient: cfg.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Twilio client: %w", err)
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		client:      twilioClient,
		logger:      logger.With("component", "callsystem"),
		defaultFrom: cfg.phoneNumber,
		streamURL:   cfg.streamURL,
		greeting:    cfg.greeting,
		voice:       cfg.voice,
		calls:       make(map[string]*Call),
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return voicebridge.ProviderTwilio
}

// Client returns the underlying REST client.
func (p *Provider) Client() *client.Client {
	return p.client
}

// CallOption configures an outbound call.
type CallOption func(*CallOptions)

// CallOptions holds the settings of one outbound call.
type CallOptions struct {
	From              string
	CallerLabel       string
	Record            bool
	RecordingCallback string
	StatusCallback    string
	Timeout           time.Duration
	MachineDetect     bool
}

// WithFrom sets the caller ID.
func WithFrom(from string) CallOption {
	return func(o *CallOptions) {
		o.From = from
	}
}

// WithCallerLabel sets the name the agent addresses the callee by.
func WithCallerLabel(label string) CallOption {
	return func(o *CallOptions) {
		o.CallerLabel = label
	}
}

// WithRecord records the call in dual channel and posts the finished
// recording to callbackURL.
func WithRecord(callbackURL string) CallOption {
	return func(o *CallOptions) {
		o.Record = true
		o.RecordingCallback = callbackURL
	}
}

// WithStatusCallback sets the call status webhook.
func WithStatusCallback(url string) CallOption {
	return func(o *CallOptions) {
		o.StatusCallback = url
	}
}

// WithTimeout sets how long the call rings before giving up.
func WithTimeout(d time.Duration) CallOption {
	return func(o *CallOptions) {
		o.Timeout = d
	}
}

// WithMachineDetection enables answering machine detection.
func WithMachineDetection() CallOption {
	return func(o *CallOptions) {
		o.MachineDetect = true
	}
}

// MakeCall places an outbound call that streams to the bridge once answered.
func (p *Provider) MakeCall(ctx context.Context, to string, opts ...CallOption) (*Call, error) {
	if to == "" {
		return nil, errors.New("destination number is required")
	}

	callOpts := &CallOptions{}
	for _, opt := range opts {
		opt(callOpts)
	}

	from := callOpts.From
	if from == "" {
		from = p.defaultFrom
	}
	if from == "" {
		return nil, fmt.Errorf("from number is required (use WithFrom or set default phone number)")
	}

	twiml, err := p.streamTwiML(callOpts.CallerLabel)
	if err != nil {
		return nil, err
	}

	params := &client.MakeCallParams{
		To:    to,
		From:  from,
		Twiml: twiml,
	}
	if callOpts.StatusCallback != "" {
		params.StatusCallback = callOpts.StatusCallback
		params.StatusCallbackEvent = []string{"initiated", "ringing", "answered", "completed"}
	}
	if callOpts.Timeout > 0 {
		params.Timeout = int(callOpts.Timeout.Seconds())
	}
	if callOpts.MachineDetect {
		params.MachineDetection = "Enable"
	}
	if callOpts.Record {
		params.Record = true
		params.RecordingChannels = "dual"
		params.RecordingCallback = callOpts.RecordingCallback
	}

	twilioCall, err := p.client.MakeCall(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to make call: %w", err)
	}

	call := &Call{
		id:          twilioCall.SID,
		direction:   Outbound,
		status:      MapCallStatus(twilioCall.Status),
		from:        from,
		to:          to,
		callerLabel: callOpts.CallerLabel,
		startTime:   time.Now(),
		provider:    p,
	}

	p.mu.Lock()
	p.calls[call.id] = call
	p.mu.Unlock()

	p.logger.Info("outbound call placed", "call_sid", call.id, "to", to, "status", twilioCall.Status)
	return call, nil
}

// HandleIncoming records an inbound call and returns the TwiML that connects
// it to the bridge. An empty callerLabel falls back to the caller's number.
func (p *Provider) HandleIncoming(callSID, from, to, callerLabel string) (*Call, string, error) {
	if callerLabel == "" {
		callerLabel = from
	}

	twiml, err := p.streamTwiML(callerLabel)
	if err != nil {
		return nil, "", err
	}

	call := &Call{
		id:          callSID,
		direction:   Inbound,
		status:      StatusRinging,
		from:        from,
		to:          to,
		callerLabel: callerLabel,
		startTime:   time.Now(),
		provider:    p,
	}

	if callSID != "" {
		p.mu.Lock()
		p.calls[callSID] = call
		p.mu.Unlock()
	}

	return call, twiml, nil
}

// HandleStatusCallback applies a Twilio status callback. Calls reaching a
// terminal status are removed from the local table.
func (p *Provider) HandleStatusCallback(callSID, status string) {
	mapped := MapCallStatus(status)

	p.mu.Lock()
	call, ok := p.calls[callSID]
	if ok {
		call.setStatus(mapped)
		if mapped.Terminal() {
			delete(p.calls, callSID)
		}
	}
	p.mu.Unlock()

	p.logger.Debug("call status", "call_sid", callSID, "status", status, "tracked", ok)
}

// GetCall returns a tracked call or fetches it from Twilio.
func (p *Provider) GetCall(ctx context.Context, callSID string) (*Call, error) {
	p.mu.RLock()
	if call, ok := p.calls[callSID]; ok {
		p.mu.RUnlock()
		return call, nil
	}
	p.mu.RUnlock()

	twilioCall, err := p.client.GetCall(ctx, callSID)
	if client.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrCallNotFound, callSID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return &Call{
		id:        twilioCall.SID,
		direction: mapDirection(twilioCall.Direction),
		status:    MapCallStatus(twilioCall.Status),
		from:      twilioCall.From,
		to:        twilioCall.To,
		provider:  p,
	}, nil
}

// ListCalls lists tracked calls that have not ended.
func (p *Provider) ListCalls() []*Call {
	p.mu.RLock()
	defer p.mu.RUnlock()

	calls := make([]*Call, 0, len(p.calls))
	for _, call := range p.calls {
		calls = append(calls, call)
	}
	return calls
}

// Close hangs up every tracked call.
func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]*Call)
	p.mu.Unlock()

	var errs []error
	for _, call := range calls {
		if err := call.Hangup(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) streamTwiML(callerLabel string) (string, error) {
	return StreamTwiML(StreamConfig{
		URL:        p.streamURL,
		Greeting:   p.greeting,
		Voice:      p.voice,
		Parameters: map[string]string{ParamCallerName: callerLabel},
	})
}

// Call is a call known to the provider.
type Call struct {
	id          string
	direction   CallDirection
	from        string
	to          string
	callerLabel string
	startTime   time.Time
	provider    *Provider

	mu     sync.RWMutex
	status CallStatus
}

// ID returns the Twilio call SID.
func (c *Call) ID() string {
	return c.id
}

// Direction returns inbound or outbound.
func (c *Call) Direction() CallDirection {
	return c.direction
}

// Status returns the current call status.
func (c *Call) Status() CallStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Call) setStatus(s CallStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// From returns the caller ID.
func (c *Call) From() string {
	return c.from
}

// To returns the called number.
func (c *Call) To() string {
	return c.to
}

// CallerLabel returns the label passed to the stream.
func (c *Call) CallerLabel() string {
	return c.callerLabel
}

// StartTime returns when the call was placed or received.
func (c *Call) StartTime() time.Time {
	return c.startTime
}

// Duration returns the time since the call started.
func (c *Call) Duration() time.Duration {
	return time.Since(c.startTime)
}

// Hangup ends the call. A call Twilio no longer knows is treated as ended.
func (c *Call) Hangup(ctx context.Context) error {
	if _, err := c.provider.client.HangupCall(ctx, c.id); err != nil && !client.IsNotFound(err) {
		return fmt.Errorf("failed to hangup %s: %w", c.id, err)
	}
	c.setStatus(StatusEnded)
	return nil
}

// MapCallStatus maps a Twilio call status to a CallStatus.
func MapCallStatus(status string) CallStatus {
	switch status {
	case voicebridge.CallStatusQueued, voicebridge.CallStatusInitiated, voicebridge.CallStatusRinging:
		return StatusRinging
	case voicebridge.CallStatusInProgress:
		return StatusAnswered
	case voicebridge.CallStatusCompleted:
		return StatusEnded
	case voicebridge.CallStatusBusy:
		return StatusBusy
	case voicebridge.CallStatusNoAnswer:
		return StatusNoAnswer
	case voicebridge.CallStatusFailed, voicebridge.CallStatusCanceled:
		return StatusFailed
	default:
		return StatusRinging
	}
}

func mapDirection(dir string) CallDirection {
	if dir == "inbound" {
		return Inbound
	}
	return Outbound
}
