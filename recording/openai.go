package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// DefaultSummaryPrompt is the system prompt used to summarize transcripts.
const DefaultSummaryPrompt = "Summarize this phone call transcript for a sales team. " +
	"List the caller's needs, any commitments made and the agreed next step. Be brief."

// OpenAIConfig configures the OpenAI transcriber and summarizer.
type OpenAIConfig struct {
	APIKey             string
	BaseURL            string
	TranscriptionModel string
	SummaryModel       string
	SummaryPrompt      string
}

// OpenAI transcribes with Whisper and summarizes with a chat model.
type OpenAI struct {
	client             *openai.Client
	transcriptionModel string
	summaryModel       string
	summaryPrompt      string
}

var (
	_ Transcriber = (*OpenAI)(nil)
	_ Summarizer  = (*OpenAI)(nil)
)

// NewOpenAI creates the OpenAI-backed transcriber and summarizer.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = openai.Whisper1
	}
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = openai.GPT4oMini
	}
	if cfg.SummaryPrompt == "" {
		cfg.SummaryPrompt = DefaultSummaryPrompt
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client:             openai.NewClientWithConfig(config),
		transcriptionModel: cfg.TranscriptionModel,
		summaryModel:       cfg.SummaryModel,
		summaryPrompt:      cfg.SummaryPrompt,
	}, nil
}

// Transcribe sends MP3 audio to the transcription endpoint.
func (o *OpenAI) Transcribe(ctx context.Context, audio []byte) (string, error) {
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.transcriptionModel,
		FilePath: "recording.mp3",
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		return "", fmt.Errorf("transcription: %w", err)
	}
	return resp.Text, nil
}

// Summarize asks the chat model for a short summary of transcript.
func (o *OpenAI) Summarize(ctx context.Context, transcript string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.summaryModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.summaryPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summary: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("summary: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}
