// Package recording turns finished call recordings into summaries.
//
// Twilio posts a recording status callback when a recording completes. The
// Handler accepts the callback and hands the recording to a Processor, which
// downloads the audio, transcribes it, summarizes the transcript and forwards
// the result to an automation webhook. Nothing is stored.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentplexus/voicebridge/internal/observability"
)

// Processing results reported to metrics.
const (
	ResultForwarded = "forwarded"
	ResultSkipped   = "skipped"
	ResultEmpty     = "empty"
	ResultFailed    = "failed"
)

// Recording describes a completed Twilio recording.
type Recording struct {
	SID      string
	CallSID  string
	URL      string
	Status   string
	Duration int
	Channels int
}

// Summary is the payload forwarded to the automation webhook.
type Summary struct {
	JobID        string    `json:"job_id"`
	CallSID      string    `json:"call_sid"`
	RecordingSID string    `json:"recording_sid"`
	Duration     int       `json:"duration_seconds"`
	Transcript   string    `json:"transcript"`
	Summary      string    `json:"summary,omitempty"`
	ProcessedAt  time.Time `json:"processed_at"`
}

// Downloader fetches recording audio.
type Downloader interface {
	DownloadRecording(ctx context.Context, recordingURL string) ([]byte, error)
}

// Transcriber converts audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Summarizer condenses a transcript.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Forwarder delivers a summary.
type Forwarder interface {
	Forward(ctx context.Context, summary Summary) error
}

// Processor runs the download, transcribe, summarize and forward steps.
type Processor struct {
	downloader  Downloader
	transcriber Transcriber
	summarizer  Summarizer
	forwarder   Forwarder
	logger      *slog.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithSummarizer enables the summary step.
func WithSummarizer(s Summarizer) ProcessorOption {
	return func(p *Processor) {
		p.summarizer = s
	}
}

// WithForwarder enables the forward step.
func WithForwarder(f Forwarder) ProcessorOption {
	return func(p *Processor) {
		p.forwarder = f
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

// NewProcessor creates a processor. A downloader and a transcriber are required.
func NewProcessor(d Downloader, t Transcriber, opts ...ProcessorOption) (*Processor, error) {
	if d == nil {
		return nil, errors.New("recording: downloader is required")
	}
	if t == nil {
		return nil, errors.New("recording: transcriber is required")
	}

	p := &Processor{
		downloader:  d,
		transcriber: t,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "recording")
	return p, nil
}

// Process handles one completed recording and returns the summary that was
// built, even if forwarding it failed.
func (p *Processor) Process(ctx context.Context, rec Recording) (*Summary, error) {
	logger := p.logger.With("recording_sid", rec.SID, "call_sid", rec.CallSID)

	summary, result, err := p.process(ctx, rec)
	p.metrics.RecordingProcessed(result)
	if err != nil {
		logger.Error("recording processing failed", "error", err)
		return summary, err
	}
	logger.Info("recording processed", "result", result, "transcript_chars", len(summary.Transcript))
	return summary, nil
}

func (p *Processor) process(ctx context.Context, rec Recording) (*Summary, string, error) {
	audio, err := p.downloader.DownloadRecording(ctx, rec.URL)
	if err != nil {
		return nil, ResultFailed, fmt.Errorf("download recording %s: %w", rec.SID, err)
	}

	transcript, err := p.transcriber.Transcribe(ctx, audio)
	if err != nil {
		return nil, ResultFailed, fmt.Errorf("transcribe recording %s: %w", rec.SID, err)
	}
	transcript = strings.TrimSpace(transcript)

	summary := &Summary{
		JobID:        uuid.NewString(),
		CallSID:      rec.CallSID,
		RecordingSID: rec.SID,
		Duration:     rec.Duration,
		Transcript:   transcript,
	}

	if transcript == "" {
		summary.ProcessedAt = p.now()
		return summary, ResultEmpty, nil
	}

	if p.summarizer != nil {
		text, err := p.summarizer.Summarize(ctx, transcript)
		if err != nil {
			return summary, ResultFailed, fmt.Errorf("summarize recording %s: %w", rec.SID, err)
		}
		summary.Summary = strings.TrimSpace(text)
	}
	summary.ProcessedAt = p.now()

	if p.forwarder == nil {
		return summary, ResultSkipped, nil
	}
	if err := p.forwarder.Forward(ctx, *summary); err != nil {
		return summary, ResultFailed, fmt.Errorf("forward recording %s: %w", rec.SID, err)
	}
	return summary, ResultForwarded, nil
}
