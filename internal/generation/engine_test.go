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

package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	internalopenai "github.com/your-org/civic-assistant/internal/openai"
)

const testFallback = "Nažalost, nemam dovoljno informacija da odgovorim na to pitanje. Molimo obratite se gradskoj upravi."

// chatRequestBody captures the chat-completion request for inspection
type chatRequestBody struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// fakeChatServer serves a streaming chat-completion response emitting the
// given deltas followed by the terminating marker.
func fakeChatServer(t *testing.T, deltas []string, capture *chatRequestBody) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}

		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("Failed to decode chat request: %v", err)
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		for _, delta := range deltas {
			chunk := map[string]interface{}{
				"id":      "chunk",
				"object":  "chat.completion.chunk",
				"created": 0,
				"model":   "gpt-4o",
				"choices": []map[string]interface{}{
					{"index": 0, "delta": map[string]string{"content": delta}},
				},
			}
			payload, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

func newTestEngine(t *testing.T, endpoint string) *Engine {
	t.Helper()
	client, err := internalopenai.NewClient(internalopenai.Options{
		APIKey:      "test-key",
		Endpoint:    endpoint,
		ChatModel:   "gpt-4o",
		MaxTokens:   1024,
		Temperature: 0.3,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return NewEngine(client, testFallback, zap.NewNop())
}

func drainStream(t *testing.T, stream *Stream) []string {
	t.Helper()
	var tokens []string
	for {
		token, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return tokens
		}
		if err != nil {
			t.Fatalf("Unexpected stream error: %v", err)
		}
		tokens = append(tokens, token)
	}
}

func TestStreamChat(t *testing.T) {
	var captured chatRequestBody
	server := fakeChatServer(t, []string{"Dobar", " dan", "!"}, &captured)
	defer server.Close()

	engine := newTestEngine(t, server.URL)

	stream, err := engine.StreamChat(context.Background(), "Pozdrav", "Dokument 1: Test\nIzvor: N/A\nSadržaj")
	if err != nil {
		t.Fatalf("Expected stream to open, got error: %v", err)
	}
	defer stream.Close()

	tokens := drainStream(t, stream)
	if strings.Join(tokens, "") != "Dobar dan!" {
		t.Errorf("Expected assembled reply 'Dobar dan!', got %q", strings.Join(tokens, ""))
	}

	if !captured.Stream {
		t.Error("Expected streaming request")
	}
	if len(captured.Messages) != 2 {
		t.Fatalf("Expected system and user messages, got %d", len(captured.Messages))
	}
	if captured.Messages[0].Role != "system" {
		t.Errorf("Expected first message to be the system prompt, got %q", captured.Messages[0].Role)
	}
	if !strings.Contains(captured.Messages[0].Content, "Dokument 1: Test") {
		t.Error("Expected document context injected into system prompt")
	}
	if captured.Messages[1].Content != "Pozdrav" {
		t.Errorf("Expected user message, got %q", captured.Messages[1].Content)
	}
}

func TestStreamChat_FiltersEmptyDeltas(t *testing.T) {
	server := fakeChatServer(t, []string{"", "Prvi", "", " drugi"}, nil)
	defer server.Close()

	engine := newTestEngine(t, server.URL)

	stream, err := engine.StreamChat(context.Background(), "upit", "")
	if err != nil {
		t.Fatalf("Expected stream to open, got error: %v", err)
	}
	defer stream.Close()

	tokens := drainStream(t, stream)
	if len(tokens) != 2 {
		t.Errorf("Expected empty deltas filtered, got %v", tokens)
	}
}

func TestStreamChat_EmptyCompletionYieldsFallback(t *testing.T) {
	server := fakeChatServer(t, nil, nil)
	defer server.Close()

	engine := newTestEngine(t, server.URL)

	stream, err := engine.StreamChat(context.Background(), "upit", "")
	if err != nil {
		t.Fatalf("Expected stream to open, got error: %v", err)
	}
	defer stream.Close()

	tokens := drainStream(t, stream)
	if len(tokens) != 1 {
		t.Fatalf("Expected exactly one fallback token, got %d", len(tokens))
	}
	if tokens[0] != testFallback {
		t.Errorf("Expected fallback sentence, got %q", tokens[0])
	}
}

func TestStreamChat_RecvAfterEOF(t *testing.T) {
	server := fakeChatServer(t, []string{"tekst"}, nil)
	defer server.Close()

	engine := newTestEngine(t, server.URL)

	stream, err := engine.StreamChat(context.Background(), "upit", "")
	if err != nil {
		t.Fatalf("Expected stream to open, got error: %v", err)
	}
	defer stream.Close()

	drainStream(t, stream)

	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF on repeated Recv, got %v", err)
	}
}

func TestModel(t *testing.T) {
	engine := newTestEngine(t, "http://unused")
	if engine.Model() != "gpt-4o" {
		t.Errorf("Expected model gpt-4o, got %q", engine.Model())
	}
}
