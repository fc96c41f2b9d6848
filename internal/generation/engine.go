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

// Package generation wraps the streaming LLM call. It injects the persona
// system prompt and assembled document context, yields incremental tokens as
// they arrive, and guarantees the consumer never observes a zero-token
// response.
package generation

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ChatStreamer is the streaming chat-completion dependency
type ChatStreamer interface {
	StreamChat(ctx context.Context, messages []openai.ChatCompletionMessage) (*openai.ChatCompletionStream, error)
	ChatModel() string
}

// Engine produces grounded streaming responses
type Engine struct {
	client          ChatStreamer
	fallbackMessage string
	logger          *zap.Logger
}

// NewEngine creates a generation engine. fallbackMessage is yielded as a
// single token when the model stream completes without producing any text.
func NewEngine(client ChatStreamer, fallbackMessage string, logger *zap.Logger) *Engine {
	return &Engine{
		client:          client,
		fallbackMessage: fallbackMessage,
		logger:          logger,
	}
}

// Model returns the underlying chat model name, for trace emission
func (e *Engine) Model() string {
	return e.client.ChatModel()
}

// StreamChat opens a streaming completion for a single user turn grounded in
// the given document context. The returned stream is lazy, single-pass and
// not restartable; the caller must Close it.
func (e *Engine) StreamChat(ctx context.Context, userMessage, docContext string) (*Stream, error) {
	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: buildSystemPrompt(docContext),
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: userMessage,
		},
	}

	upstream, err := e.client.StreamChat(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("failed to open generation stream: %w", err)
	}

	return &Stream{
		upstream: upstream,
		fallback: e.fallbackMessage,
	}, nil
}

// Stream is a single-pass sequence of non-empty text fragments. Recv returns
// io.EOF when the sequence is exhausted; any other error aborts the
// sequence and must be surfaced by the consumer as a terminal stream event.
type Stream struct {
	upstream *openai.ChatCompletionStream
	fallback string
	yielded  bool
	done     bool
}

// Recv returns the next non-empty fragment. Empty fragments from the
// underlying stream are filtered out. If the underlying stream completes
// having yielded nothing, exactly one fallback sentence is returned before
// io.EOF.
func (s *Stream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}

	for {
		resp, err := s.upstream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			if !s.yielded {
				s.yielded = true
				return s.fallback, nil
			}
			return "", io.EOF
		}
		if err != nil {
			s.done = true
			return "", err
		}

		if len(resp.Choices) == 0 {
			continue
		}
		token := resp.Choices[0].Delta.Content
		if token == "" {
			continue
		}

		s.yielded = true
		return token, nil
	}
}

// Close releases the underlying network connection
func (s *Stream) Close() error {
	return s.upstream.Close()
}
