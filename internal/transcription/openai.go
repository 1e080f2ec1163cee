package transcription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const BackendOpenAI = "openai"

// OpenAIConfig contains Whisper transcription configuration
type OpenAIConfig struct {
	APIKey        string
	BaseURL       string // Optional, for OpenAI-compatible servers
	Model         string
	Prompt        string
	Timeout       time.Duration
	MaxConcurrent int
}

// OpenAIClient transcribes audio windows with the OpenAI audio API
type OpenAIClient struct {
	config    OpenAIConfig
	client    *openai.Client
	semaphore limiter
	stats     *recorder
}

// NewOpenAIClient creates a Whisper transcription client
func NewOpenAIClient(config OpenAIConfig) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, errors.New("missing OpenAI API key")
	}

	if config.Model == "" {
		config.Model = openai.Whisper1
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}

	return &OpenAIClient{
		config:    config,
		client:    openai.NewClientWithConfig(clientConfig),
		semaphore: newLimiter(config.MaxConcurrent),
		stats:     &recorder{backend: BackendOpenAI},
	}, nil
}

// Name returns the backend name
func (c *OpenAIClient) Name() string {
	return BackendOpenAI
}

// Transcribe uploads the window as a WAV file and returns the transcript
func (c *OpenAIClient) Transcribe(ctx context.Context, request *Request) (string, error) {
	if err := c.semaphore.acquire(ctx); err != nil {
		return "", err
	}
	defer c.semaphore.release()

	startTime := time.Now()
	c.stats.request()

	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.config.Model,
		FilePath: request.Filename(),
		Reader:   bytes.NewReader(request.Audio),
		Prompt:   c.config.Prompt,
		Language: request.Language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		err = classifyOpenAIError(ctx, err)
		c.stats.finish(err, 0)
		return "", err
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		err = ErrNoMatch
	}
	c.stats.finish(err, time.Since(startTime))

	return text, err
}

// classifyOpenAIError maps go-openai errors onto the package error taxonomy
func classifyOpenAIError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ServiceError{
			Backend:    BackendOpenAI,
			StatusCode: apiErr.HTTPStatusCode,
			Retryable:  retryableStatus(apiErr.HTTPStatusCode),
			Err:        err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ServiceError{
			Backend:    BackendOpenAI,
			StatusCode: reqErr.HTTPStatusCode,
			Retryable:  retryableStatus(reqErr.HTTPStatusCode),
			Err:        err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ServiceError{Backend: BackendOpenAI, Retryable: true, Err: err}
	}

	return fmt.Errorf("openai transcription: %w", err)
}

// GetStats returns current client statistics
func (c *OpenAIClient) GetStats() ClientStats {
	return c.stats.snapshot(c.semaphore)
}

// Close waits for active requests to complete
func (c *OpenAIClient) Close() error {
	c.semaphore.drain()
	return nil
}
