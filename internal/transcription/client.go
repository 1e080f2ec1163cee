package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	BackendHTTP = "http"

	maxBackoff = 30 * time.Second
)

// Client provides a multipart HTTP client for a generic transcription API
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  limiter
	stats      *recorder
}

// Config contains HTTP transcription client configuration
type Config struct {
	Endpoint      string
	APIKey        string // Optional bearer token
	Timeout       time.Duration
	MaxRetries    int           // 0 disables retries
	RetryBackoff  time.Duration // Base delay, doubled per attempt
	MaxConcurrent int
	OutputFormat  string // "json" or "text"
	UserAgent     string
}

// Response represents the JSON response of the transcription API
type Response struct {
	RequestID   string    `json:"request_id"`
	Text        string    `json:"text"`
	NoMatch     bool      `json:"no_match,omitempty"`
	Confidence  float32   `json:"confidence"`
	Language    string    `json:"language,omitempty"`
	Segments    []Segment `json:"segments,omitempty"`
	Duration    float64   `json:"duration"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Segment represents a segment of transcribed text
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
}

// NewClient creates a new HTTP transcription client
func NewClient(config Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	if config.OutputFormat == "" {
		config.OutputFormat = "json"
	}

	if config.UserAgent == "" {
		config.UserAgent = "audio-analyzer/1.0"
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  newLimiter(config.MaxConcurrent),
		stats:      &recorder{backend: BackendHTTP},
	}, nil
}

// Name returns the backend name
func (c *Client) Name() string {
	return BackendHTTP
}

// Transcribe sends an audio window for transcription and returns the recognized text.
// It returns ErrNoMatch when the API heard no speech and *ServiceError when the
// API could not be reached or rejected the request.
func (c *Client) Transcribe(ctx context.Context, request *Request) (string, error) {
	if err := c.semaphore.acquire(ctx); err != nil {
		return "", err
	}
	defer c.semaphore.release()

	startTime := time.Now()
	c.stats.request()

	var lastErr error

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.stats.retry()

			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				c.stats.finish(ctx.Err(), 0)
				return "", ctx.Err()
			}
		}

		response, err := c.doRequest(ctx, request)
		if err == nil {
			text := strings.TrimSpace(response.Text)
			if response.NoMatch || text == "" {
				err = ErrNoMatch
			}
			c.stats.finish(err, time.Since(startTime))
			return text, err
		}

		lastErr = err

		if !IsRetryable(err) || ctx.Err() != nil {
			break
		}
	}

	c.stats.finish(lastErr, 0)
	if c.config.MaxRetries > 0 {
		return "", fmt.Errorf("transcription failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
	}
	return "", lastErr
}

func (c *Client) backoff(attempt int) time.Duration {
	backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * c.config.RetryBackoff
	if backoffTime > maxBackoff {
		backoffTime = maxBackoff
	}
	return backoffTime
}

// doRequest performs a single HTTP request to the transcription API
func (c *Client) doRequest(ctx context.Context, request *Request) (*Response, error) {
	body, contentType, err := c.createMultipartRequest(request)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ServiceError{Backend: BackendHTTP, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ServiceError{Backend: BackendHTTP, StatusCode: resp.StatusCode, Retryable: true,
			Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return &Response{NoMatch: true, ProcessedAt: time.Now()}, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &ServiceError{
			Backend:    BackendHTTP,
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
			Err:        errors.New(strings.TrimSpace(string(respBody))),
		}
	}

	var transcriptionResp Response
	if c.config.OutputFormat == "text" {
		transcriptionResp.Text = string(respBody)
	} else if err := json.Unmarshal(respBody, &transcriptionResp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	transcriptionResp.ProcessedAt = time.Now()

	return &transcriptionResp, nil
}

// createMultipartRequest creates a multipart/form-data request body
func (c *Client) createMultipartRequest(request *Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", request.Filename())
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := fileWriter.Write(request.Audio); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"request_id":      request.RequestID,
		"session_id":      request.SessionID,
		"seq":             strconv.FormatUint(request.Seq, 10),
		"sample_rate":     strconv.Itoa(request.SampleRate),
		"channels":        strconv.Itoa(request.Channels),
		"duration":        fmt.Sprintf("%.3f", request.Duration.Seconds()),
		"format":          "wav",
		"response_format": c.config.OutputFormat,
	}

	if !request.CreatedAt.IsZero() {
		fields["request_timestamp"] = request.CreatedAt.Format(time.RFC3339)
	}
	if request.Language != "" {
		fields["language"] = request.Language
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	return c.stats.snapshot(c.semaphore)
}

// Close waits for active requests to complete
func (c *Client) Close() error {
	c.semaphore.drain()
	c.httpClient.CloseIdleConnections()
	return nil
}
