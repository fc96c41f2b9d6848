// Copyright 2025 Civic Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package openai wraps the go-openai client with the embedding gateway and
// the streaming chat-completion call used by the generation engine.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	// EmbeddingModel defines the model to use for embeddings
	EmbeddingModel = openai.SmallEmbedding3
	// ExpectedEmbeddingDimensions defines the expected embedding dimensions
	ExpectedEmbeddingDimensions = 1536
	// MaxEmbeddingChars is the maximum input length submitted for embedding.
	// Longer input is truncated, never rejected.
	MaxEmbeddingChars = 12000
	// MaxRetries defines the maximum number of retry attempts
	MaxRetries = 3
	// BaseRetryDelay defines the base delay for exponential backoff
	BaseRetryDelay = time.Second
)

// ErrEmbedding marks any failure of the embedding gateway. Callers must
// propagate it; a failed embedding never degrades to a zero vector.
var ErrEmbedding = errors.New("embedding request failed")

// Client wraps the go-openai client for embeddings and streaming chat
type Client struct {
	client      *openai.Client
	logger      *zap.Logger
	chatModel   string
	maxTokens   int
	temperature float32
}

// Options configures a Client
type Options struct {
	APIKey      string
	Endpoint    string
	ChatModel   string
	MaxTokens   int
	Temperature float64
}

// RetryableError represents an error that can be retried
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error (status %d): %s", e.StatusCode, e.Message)
}

// NewClient creates a new OpenAI client
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.Endpoint != "" {
		cfg.BaseURL = opts.Endpoint
	}

	client := &Client{
		client:      openai.NewClientWithConfig(cfg),
		logger:      logger,
		chatModel:   opts.ChatModel,
		maxTokens:   opts.MaxTokens,
		temperature: float32(opts.Temperature),
	}

	client.logger.Info("OpenAI client initialized",
		zap.String("embedding_model", string(EmbeddingModel)),
		zap.String("chat_model", opts.ChatModel),
		zap.Int("expected_dimensions", ExpectedEmbeddingDimensions),
	)

	return client, nil
}

// ChatModel returns the configured chat-completion model name
func (c *Client) ChatModel() string {
	return c.chatModel
}

// EmbedQuery generates an embedding for a single text. Input longer than
// MaxEmbeddingChars is truncated before submission. Any failure of the
// underlying service is logged and returned wrapped in ErrEmbedding.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmbedding)
	}

	text = TruncateForEmbedding(text)

	c.logger.Debug("Generating query embedding",
		zap.String("text_preview", truncateText(text, 100)),
		zap.String("model", string(EmbeddingModel)),
	)

	embeddings, err := c.embedWithRetry(ctx, []string{text})
	if err != nil {
		c.logger.Error("Failed to generate embedding",
			zap.Error(err),
			zap.Int("input_length", len(text)),
		)
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}

	if len(embeddings) == 0 {
		c.logger.Error("Embedding service returned no vectors")
		return nil, fmt.Errorf("%w: no embeddings returned", ErrEmbedding)
	}

	if len(embeddings[0]) != ExpectedEmbeddingDimensions {
		c.logger.Error("Embedding dimension mismatch",
			zap.Int("got", len(embeddings[0])),
			zap.Int("expected", ExpectedEmbeddingDimensions),
		)
		return nil, fmt.Errorf("%w: embedding has %d dimensions, expected %d",
			ErrEmbedding, len(embeddings[0]), ExpectedEmbeddingDimensions)
	}

	return embeddings[0], nil
}

// EmbedTexts generates embeddings for a batch of texts. Used by the
// ingestion pipeline. Each text is truncated to MaxEmbeddingChars.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	truncated := make([]string, len(texts))
	for i, t := range texts {
		truncated[i] = TruncateForEmbedding(t)
	}

	start := time.Now()
	embeddings, err := c.embedWithRetry(ctx, truncated)
	if err != nil {
		c.logger.Error("Failed to create batch embeddings",
			zap.Error(err),
			zap.Int("text_count", len(texts)),
		)
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}

	for i, embedding := range embeddings {
		if len(embedding) != ExpectedEmbeddingDimensions {
			return nil, fmt.Errorf("%w: embedding %d has %d dimensions, expected %d",
				ErrEmbedding, i, len(embedding), ExpectedEmbeddingDimensions)
		}
	}

	c.logger.Info("Batch embedding generation completed",
		zap.Int("text_count", len(texts)),
		zap.Duration("processing_time", time.Since(start)),
	)

	return embeddings, nil
}

// StreamChat issues a streaming chat-completion request and returns the raw
// token stream. The caller owns the stream and must Close it.
func (c *Client) StreamChat(ctx context.Context, messages []openai.ChatCompletionMessage) (*openai.ChatCompletionStream, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.chatModel,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Stream:      true,
	}

	c.logger.Debug("Opening chat completion stream",
		zap.String("model", c.chatModel),
		zap.Int("message_count", len(messages)),
	)

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		c.logger.Error("Failed to open chat completion stream", zap.Error(err))
		return nil, c.handleAPIError(err)
	}

	return stream, nil
}

// embedWithRetry creates embeddings with exponential backoff retry logic
func (c *Client) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	delay := BaseRetryDelay

	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying embedding request",
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", MaxRetries),
				zap.Duration("delay", delay),
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		embeddings, err := c.createEmbeddings(ctx, texts)
		if err != nil {
			lastErr = err

			if retryErr, ok := err.(*RetryableError); ok {
				if retryErr.RetryAfter > 0 {
					delay = retryErr.RetryAfter
				} else {
					delay = BaseRetryDelay * time.Duration(1<<uint(attempt))
				}
				continue
			}

			return nil, err
		}

		return embeddings, nil
	}

	return nil, fmt.Errorf("exhausted all retry attempts: %w", lastErr)
}

// createEmbeddings creates embeddings using the OpenAI API
func (c *Client) createEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Input: texts,
		Model: EmbeddingModel,
	}

	resp, err := c.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, c.handleAPIError(err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("unexpected response: got %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	embeddings := make([][]float32, len(resp.Data))
	for i, embedding := range resp.Data {
		embeddings[i] = embedding.Embedding
	}

	return embeddings, nil
}

// handleAPIError handles OpenAI API errors and determines if they are retryable
func (c *Client) handleAPIError(err error) error {
	if apiErr, ok := err.(*openai.APIError); ok {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("invalid API key or unauthorized access: %w", err)
		case http.StatusTooManyRequests:
			// The client library does not surface the Retry-After header,
			// so rate-limit responses use the standard backoff schedule.
			return &RetryableError{
				StatusCode: apiErr.HTTPStatusCode,
				Message:    apiErr.Message,
				RetryAfter: BaseRetryDelay,
			}
		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return &RetryableError{
				StatusCode: apiErr.HTTPStatusCode,
				Message:    apiErr.Message,
				RetryAfter: 0,
			}
		default:
			return fmt.Errorf("OpenAI API error (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
	}

	return fmt.Errorf("OpenAI client error: %w", err)
}

// TruncateForEmbedding truncates text to the embedding input cap. Truncation
// is rune-safe so a multi-byte character is never split.
func TruncateForEmbedding(text string) string {
	runes := []rune(text)
	if len(runes) <= MaxEmbeddingChars {
		return text
	}
	return string(runes[:MaxEmbeddingChars])
}

// truncateText truncates text to a maximum length for logging
func truncateText(text string, maxLength int) string {
	if len(text) <= maxLength {
		return text
	}
	return text[:maxLength] + "..."
}
