package bridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/agentplexus/voicebridge/realtime"
)

// ProbeResult summarizes a realtime connectivity check.
type ProbeResult struct {
	SessionID  string        `json:"session_id,omitempty"`
	Events     []string      `json:"events"`
	AudioBytes int           `json:"audio_bytes"`
	Status     string        `json:"status,omitempty"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// Probe dials the realtime endpoint, sends the session configuration and the
// opening turn for callerLabel, and collects server events until the response
// completes. It checks credentials and model access without a phone call.
func (b *Bridge) Probe(ctx context.Context, callerLabel string) (*ProbeResult, error) {
	start := time.Now()

	ai, err := b.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe dial: %w", err)
	}
	defer func() { _ = ai.Close() }()

	instructions, opening, err := b.prompts.render(callerLabel)
	if err != nil {
		return nil, err
	}
	if err := ai.Send(realtime.SessionUpdate{Session: b.cfg.sessionConfig(instructions)}); err != nil {
		return nil, fmt.Errorf("probe session update: %w", err)
	}
	if err := ai.Send(realtime.ResponseCreate{Response: b.cfg.responseConfig(opening)}); err != nil {
		return nil, fmt.Errorf("probe response create: %w", err)
	}

	result := &ProbeResult{}
	for {
		select {
		case <-ctx.Done():
			result.Elapsed = time.Since(start)
			return result, ctx.Err()

		case ev, ok := <-ai.Events():
			if !ok {
				result.Elapsed = time.Since(start)
				return result, fmt.Errorf("probe: %w", realtime.ErrClosed)
			}
			result.Events = append(result.Events, eventName(ev))

			switch e := ev.(type) {
			case realtime.SessionCreated:
				result.SessionID = e.SessionID
			case realtime.AudioDelta:
				result.AudioBytes += base64.StdEncoding.DecodedLen(len(e.Delta))
			case realtime.ResponseDone:
				result.Status = e.Status
				result.Elapsed = time.Since(start)
				b.logger.Info("realtime probe finished", "events", len(result.Events), "audio_bytes", result.AudioBytes)
				return result, nil
			case realtime.ErrorEvent:
				result.Elapsed = time.Since(start)
				return result, e.Err
			case realtime.ClosedEvent:
				result.Elapsed = time.Since(start)
				if e.Err != nil {
					return result, e.Err
				}
				return result, fmt.Errorf("probe: %w", realtime.ErrClosed)
			}
		}
	}
}

func eventName(ev realtime.ServerEvent) string {
	switch e := ev.(type) {
	case realtime.SessionCreated:
		return realtime.TypeSessionCreated
	case realtime.SessionUpdated:
		return realtime.TypeSessionUpdated
	case realtime.AudioDelta:
		if e.Type != "" {
			return e.Type
		}
		return realtime.TypeResponseAudioDelta
	case realtime.ResponseDone:
		return realtime.TypeResponseDone
	case realtime.SpeechStarted:
		return realtime.TypeSpeechStarted
	case realtime.SpeechStopped:
		return realtime.TypeSpeechStopped
	case realtime.ErrorEvent:
		return realtime.TypeError
	case realtime.UnknownEvent:
		return e.Type
	case realtime.ClosedEvent:
		return "closed"
	default:
		return fmt.Sprintf("%T", ev)
	}
}
