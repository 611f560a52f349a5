// Package optimizer rewrites CV text against a job description through a
// chat-completions style model endpoint.
package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrInvalidConfig  = errors.New("invalid optimizer config")
	ErrEmptyInput     = errors.New("cv text and job description are required")
	ErrModelRejected  = errors.New("model endpoint rejected request")
	ErrEmptyOutput    = errors.New("model returned empty content")
	maxResponseLength = int64(4 << 20)
)

// Config holds the model endpoint and credentials.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Validate fills defaults and rejects unusable configuration.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return nil
}

// Result is the rewritten CV plus the heuristic screening score.
type Result struct {
	OptimizedText string
	ATSScore      int
	Model         string
}

// Client calls the model endpoint with retry and backoff.
type Client struct {
	cfg     Config
	http    *http.Client
	backoff func(attempt int) time.Duration
}

// NewClient validates the configuration and builds a client.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<attempt) * time.Second
		},
	}, nil
}

const systemPrompt = "You are an expert CV writer. Rewrite the CV so it targets the " +
	"given job description: mirror its key terms, lead with relevant experience, " +
	"and keep every statement truthful to the original. Respond with ONLY the " +
	"rewritten CV text, no commentary."

// Optimize rewrites the CV. Transport failures and 5xx answers are
// retried up to three times with exponential backoff; 4xx answers are
// terminal.
func (client *Client) Optimize(ctx context.Context, cvText string, jobDescription string) (Result, error) {
	if strings.TrimSpace(cvText) == "" || strings.TrimSpace(jobDescription) == "" {
		return Result{}, ErrEmptyInput
	}

	request := chatRequest{
		Model: client.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "Job description:\n" + jobDescription + "\n\nCV:\n" + cvText},
		},
	}
	body, err := json.Marshal(request)
	if err != nil {
		return Result{}, err
	}

	content, err := client.completeWithRetry(ctx, body)
	if err != nil {
		return Result{}, err
	}

	optimized := strings.TrimSpace(content)
	if optimized == "" {
		return Result{}, ErrEmptyOutput
	}
	return Result{
		OptimizedText: optimized,
		ATSScore:      ScoreText(optimized),
		Model:         client.cfg.Model,
	}, nil
}

func (client *Client) completeWithRetry(ctx context.Context, body []byte) (string, error) {
	const attempts = 3
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(client.backoff(attempt - 1)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		content, retryable, err := client.completeOnce(ctx, body)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
	}
	return "", lastErr
}

func (client *Client) completeOnce(ctx context.Context, body []byte) (content string, retryable bool, err error) {
	endpoint := strings.TrimRight(client.cfg.BaseURL, "/") + "/v1/chat/completions"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	request.Header.Set("Content-Type", "application/json")
	if client.cfg.APIKey != "" {
		request.Header.Set("Authorization", "Bearer "+client.cfg.APIKey)
	}

	response, err := client.http.Do(request)
	if err != nil {
		return "", true, fmt.Errorf("model request: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseLength))
	if err != nil {
		return "", true, fmt.Errorf("model response: %w", err)
	}
	if response.StatusCode >= http.StatusInternalServerError {
		return "", true, fmt.Errorf("%w: status %d", ErrModelRejected, response.StatusCode)
	}
	if response.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("%w: status %d", ErrModelRejected, response.StatusCode)
	}

	var payload chatResponse
	if err := json.Unmarshal(responseBody, &payload); err != nil {
		return "", false, fmt.Errorf("model response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return "", false, ErrEmptyOutput
	}
	return payload.Choices[0].Message.Content, false, nil
}

// ScoreText estimates how an applicant tracking system would rank the
// text: 70 base points plus one per ten words, capped at 95.
func ScoreText(text string) int {
	words := len(strings.Fields(text))
	score := 70 + words/10
	if score > 95 {
		score = 95
	}
	return score
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}
