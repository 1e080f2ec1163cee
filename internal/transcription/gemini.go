package transcription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	BackendGemini = "gemini"

	defaultGeminiModel  = "gemini-2.0-flash"
	defaultGeminiPrompt = "Transcribe the speech in this audio verbatim. " +
		"Reply with the transcript only. If there is no intelligible speech, reply with nothing."
)

// GeminiConfig contains Gemini transcription configuration
type GeminiConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	Prompt        string
	Timeout       time.Duration
	MaxConcurrent int
}

// GeminiClient transcribes audio windows by prompting a Gemini model with inline audio
type GeminiClient struct {
	config    GeminiConfig
	client    *genai.Client
	semaphore limiter
	stats     *recorder
}

// NewGeminiClient creates a Gemini transcription client
func NewGeminiClient(ctx context.Context, config GeminiConfig) (*GeminiClient, error) {
	if config.APIKey == "" {
		return nil, errors.New("missing Gemini API key")
	}

	if config.Model == "" {
		config.Model = defaultGeminiModel
	}

	if config.Prompt == "" {
		config.Prompt = defaultGeminiPrompt
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions.BaseURL = config.BaseURL
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}

	return &GeminiClient{
		config:    config,
		client:    client,
		semaphore: newLimiter(config.MaxConcurrent),
		stats:     &recorder{backend: BackendGemini},
	}, nil
}

// Name returns the backend name
func (c *GeminiClient) Name() string {
	return BackendGemini
}

// Transcribe sends the WAV window inline with a transcription prompt
func (c *GeminiClient) Transcribe(ctx context.Context, request *Request) (string, error) {
	if err := c.semaphore.acquire(ctx); err != nil {
		return "", err
	}
	defer c.semaphore.release()

	startTime := time.Now()
	c.stats.request()

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	prompt := c.config.Prompt
	if request.Language != "" {
		prompt += " The speech is in language " + request.Language + "."
	}

	parts := []*genai.Part{
		genai.NewPartFromText(prompt),
		genai.NewPartFromBytes(request.Audio, "audio/wav"),
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.config.Model, []*genai.Content{
		{Parts: parts, Role: "user"},
	}, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		} else {
			err = &ServiceError{Backend: BackendGemini, Retryable: true, Err: err}
		}
		c.stats.finish(err, 0)
		return "", err
	}

	text := responseText(resp)
	if text == "" {
		err = ErrNoMatch
	}
	c.stats.finish(err, time.Since(startTime))

	return text, err
}

// responseText joins the text parts of the first candidate
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}

	return strings.TrimSpace(sb.String())
}

// GetStats returns current client statistics
func (c *GeminiClient) GetStats() ClientStats {
	return c.stats.snapshot(c.semaphore)
}

// Close waits for active requests to complete
func (c *GeminiClient) Close() error {
	c.semaphore.drain()
	return nil
}
