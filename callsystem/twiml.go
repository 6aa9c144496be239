package callsystem

import (
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
)

// StreamConfig describes the TwiML that connects a call to a Media Stream.
type StreamConfig struct {
	// URL is the websocket URL Twilio streams to (wss://.../media).
	URL string

	// Greeting is spoken with <Say> before the stream connects. Optional.
	Greeting string

	// Voice and Language configure the <Say> verb.
	Voice    string
	Language string

	// Parameters are passed to the stream as customParameters.
	Parameters map[string]string
}

type responseElement struct {
	XMLName xml.Name        `xml:"Response"`
	Say     *sayElement     `xml:"Say,omitempty"`
	Connect *connectElement `xml:"Connect,omitempty"`
}

type sayElement struct {
	Voice    string `xml:"voice,attr,omitempty"`
	Language string `xml:"language,attr,omitempty"`
	Text     string `xml:",chardata"`
}

type connectElement struct {
	Stream streamElement `xml:"Stream"`
}

type streamElement struct {
	URL        string             `xml:"url,attr"`
	Parameters []parameterElement `xml:"Parameter"`
}

type parameterElement struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// StreamTwiML renders <Response>[<Say>]<Connect><Stream> for cfg. Parameters
// are emitted sorted by name; empty values are skipped.
func StreamTwiML(cfg StreamConfig) (string, error) {
	if cfg.URL == "" {
		return "", errors.New("stream URL is required")
	}

	names := make([]string, 0, len(cfg.Parameters))
	for name, value := range cfg.Parameters {
		if value != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	stream := streamElement{URL: cfg.URL}
	for _, name := range names {
		stream.Parameters = append(stream.Parameters, parameterElement{Name: name, Value: cfg.Parameters[name]})
	}

	resp := responseElement{Connect: &connectElement{Stream: stream}}
	if cfg.Greeting != "" {
		resp.Say = &sayElement{Voice: cfg.Voice, Language: cfg.Language, Text: cfg.Greeting}
	}
	return marshalTwiML(resp)
}

// SayTwiML renders a response that speaks text and hangs up.
func SayTwiML(text, voice string) (string, error) {
	return marshalTwiML(responseElement{Say: &sayElement{Voice: voice, Text: text}})
}

func marshalTwiML(resp responseElement) (string, error) {
	out, err := xml.MarshalIndent(resp, "", "    ")
	if err != nil {
		return "", fmt.Errorf("marshal twiml: %w", err)
	}
	return xml.Header + string(out), nil
}
