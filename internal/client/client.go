// Package client is the Twilio REST client voicebridge uses to place and end
// calls, look up call state, list the account's numbers and fetch call
// recordings.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the Twilio REST API root.
const DefaultBaseURL = "https://api.twilio.com/2010-04-01"

// DefaultMaxRecordingSize caps a downloaded recording.
const DefaultMaxRecordingSize = 64 << 20

// maxResponseSize caps JSON API responses.
const maxResponseSize = 1 << 20

var (
	// ErrForeignRecordingURL is returned for a recording URL outside this
	// account's recordings on the API host. No request is made.
	ErrForeignRecordingURL = errors.New("twilio: recording URL is not an account recording")

	// ErrRecordingTooLarge is returned when a recording exceeds the size cap.
	ErrRecordingTooLarge = errors.New("twilio: recording exceeds size limit")
)

// Client is a Twilio REST client bound to one account.
type Client struct {
	accountSID       string
	authToken        string
	base             *url.URL
	httpClient       *http.Client
	maxRecordingSize int64
}

// Config configures the Client.
type Config struct {
	AccountSID string
	AuthToken  string

	// BaseURL overrides DefaultBaseURL.
	BaseURL string

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	// MaxRecordingSize overrides DefaultMaxRecordingSize.
	MaxRecordingSize int64
}

// New creates a client. Account SID and auth token are required.
func New(cfg Config) (*Client, error) {
	if cfg.AccountSID == "" {
		return nil, errors.New("twilio account SID is required")
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("twilio auth token is required")
	}

	rawBase := cfg.BaseURL
	if rawBase == "" {
		rawBase = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimSuffix(rawBase, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid twilio base URL %q", rawBase)
	}
	if base.Path == "" {
		base.Path = "/"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	maxRecording := cfg.MaxRecordingSize
	if maxRecording <= 0 {
		maxRecording = DefaultMaxRecordingSize
	}

	return &Client{
		accountSID:       cfg.AccountSID,
		authToken:        cfg.AuthToken,
		base:             base,
		httpClient:       httpClient,
		maxRecordingSize: maxRecording,
	}, nil
}

// Call is the subset of the Twilio call resource voicebridge reads.
type Call struct {
	SID        string `json:"sid"`
	To         string `json:"to"`
	From       string `json:"from"`
	Status     string `json:"status"`
	Direction  string `json:"direction"`
	Duration   string `json:"duration"`
	AnsweredBy string `json:"answered_by"`
}

// MakeCallParams describes an outbound call whose TwiML connects it to the
// media stream.
type MakeCallParams struct {
	To    string
	From  string
	Twiml string

	StatusCallback      string
	StatusCallbackEvent []string

	// MachineDetection is "Enable" or "DetectMessageEnd".
	MachineDetection string

	// Timeout is the ring timeout in seconds.
	Timeout int

	Record            bool
	RecordingChannels string

	// RecordingCallback receives the completed recording.
	RecordingCallback string
}

func (p *MakeCallParams) form() url.Values {
	data := url.Values{}
	data.Set("To", p.To)
	data.Set("From", p.From)
	data.Set("Twiml", p.Twiml)

	if p.StatusCallback != "" {
		data.Set("StatusCallback", p.StatusCallback)
		for _, event := range p.StatusCallbackEvent {
			data.Add("StatusCallbackEvent", event)
		}
	}
	if p.MachineDetection != "" {
		data.Set("MachineDetection", p.MachineDetection)
	}
	if p.Timeout > 0 {
		data.Set("Timeout", strconv.Itoa(p.Timeout))
	}
	if p.Record {
		data.Set("Record", "true")
		if p.RecordingChannels != "" {
			data.Set("RecordingChannels", p.RecordingChannels)
		}
		if p.RecordingCallback != "" {
			data.Set("RecordingStatusCallback", p.RecordingCallback)
			data.Set("RecordingStatusCallbackEvent", "completed")
		}
	}
	return data
}

// MakeCall places an outbound call.
func (c *Client) MakeCall(ctx context.Context, params *MakeCallParams) (*Call, error) {
	if params.To == "" || params.From == "" || params.Twiml == "" {
		return nil, errors.New("twilio: To, From and Twiml are required")
	}

	var call Call
	if err := c.post(ctx, c.accountURL("Calls.json"), params.form(), &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// GetCall fetches a call. A missing call is an *Error for which IsNotFound
// reports true.
func (c *Client) GetCall(ctx context.Context, callSID string) (*Call, error) {
	var call Call
	if err := c.get(ctx, c.accountURL("Calls", callSID+".json"), &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// HangupCall ends an in-progress call.
func (c *Client) HangupCall(ctx context.Context, callSID string) (*Call, error) {
	data := url.Values{}
	data.Set("Status", "completed")

	var call Call
	if err := c.post(ctx, c.accountURL("Calls", callSID+".json"), data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// PhoneNumber is an incoming number on the account.
type PhoneNumber struct {
	SID          string `json:"sid"`
	PhoneNumber  string `json:"phone_number"`
	FriendlyName string `json:"friendly_name"`
	Capabilities struct {
		Voice bool `json:"voice"`
	} `json:"capabilities"`
}

// ListPhoneNumbers returns the account's incoming numbers.
func (c *Client) ListPhoneNumbers(ctx context.Context) ([]PhoneNumber, error) {
	var list struct {
		PhoneNumbers []PhoneNumber `json:"incoming_phone_numbers"`
	}
	if err := c.get(ctx, c.accountURL("IncomingPhoneNumbers.json"), &list); err != nil {
		return nil, err
	}
	return list.PhoneNumbers, nil
}

// DownloadRecording fetches the audio behind a RecordingUrl from a recording
// status callback. Only URLs under this account's Recordings on the API host
// are fetched; anything else fails with ErrForeignRecordingURL before a
// request is built. ".mp3" is appended when the URL has no extension.
func (c *Client) DownloadRecording(ctx context.Context, recordingURL string) ([]byte, error) {
	target, err := c.recordingURL(recordingURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	// net/http drops Authorization when following a redirect to another host.
	body, err := c.do(req, c.maxRecordingSize)
	if errors.Is(err, errBodyTooLarge) {
		return nil, fmt.Errorf("%w (%d bytes)", ErrRecordingTooLarge, c.maxRecordingSize)
	}
	return body, err
}

// recordingURL validates raw against the account's recordings collection and
// returns the URL to fetch.
func (c *Client) recordingURL(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("twilio: recording URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrForeignRecordingURL, err)
	}
	if u.Scheme != c.base.Scheme || u.Host != c.base.Host || u.User != nil {
		return "", fmt.Errorf("%w: host %q", ErrForeignRecordingURL, u.Host)
	}

	prefix := c.accountPath("Recordings") + "/"
	if path.Clean(u.Path) != u.Path || !strings.HasPrefix(u.Path, prefix) || len(u.Path) == len(prefix) {
		return "", fmt.Errorf("%w: path %q", ErrForeignRecordingURL, u.Path)
	}

	clean := url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}
	if path.Ext(clean.Path) == "" {
		clean.Path += ".mp3"
	}
	return clean.String(), nil
}

// Error is a non-2xx Twilio response. Code and MoreInfo are zero when the body
// was not a Twilio error document; Message then holds the body text.
type Error struct {
	Status   int    `json:"status"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("twilio error %d (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("twilio error (status %d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a Twilio 404.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

var errBodyTooLarge = errors.New("response body too large")

func (c *Client) accountPath(elem ...string) string {
	return c.base.JoinPath(append([]string{"Accounts", c.accountSID}, elem...)...).Path
}

func (c *Client) accountURL(elem ...string) string {
	return c.base.JoinPath(append([]string{"Accounts", c.accountSID}, elem...)...).String()
}

func (c *Client) get(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return c.doJSON(req, result)
}

func (c *Client) post(ctx context.Context, endpoint string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return c.doJSON(req, result)
}

func (c *Client) doJSON(req *http.Request, result any) error {
	body, err := c.do(req, maxResponseSize)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("failed to parse twilio response: %w", err)
	}
	return nil
}

// do sends req with the account credentials and reads at most limit bytes of
// the response.
func (c *Client) do(req *http.Request, limit int64) ([]byte, error) {
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, parseError(resp.StatusCode, body)
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// parseError builds an *Error from a failed response.
func parseError(status int, body []byte) *Error {
	apiErr := &Error{}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr = &Error{Message: strings.TrimSpace(string(body))}
	}
	apiErr.Status = status
	return apiErr
}
