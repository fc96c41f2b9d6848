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

// Package chat orchestrates the retrieval-augmented chat pipeline: tenant
// resolution, document retrieval, fallback-vs-generation branching, token
// streaming, trace emission and best-effort conversation recording.
package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/your-org/civic-assistant/internal/generation"
	"github.com/your-org/civic-assistant/internal/policy"
	"github.com/your-org/civic-assistant/internal/retrieval"
	"github.com/your-org/civic-assistant/internal/store"
	"github.com/your-org/civic-assistant/internal/streaming"
	"go.uber.org/zap"
)

const (
	// recordTimeout bounds the best-effort recorder calls issued after the
	// stream has completed.
	recordTimeout = 5 * time.Second
	// ticketSubjectLimit caps the ticket subject derived from the message
	ticketSubjectLimit = 120
)

// TenantResolver resolves an incoming tenant identifier to a tenant row
type TenantResolver interface {
	Resolve(ctx context.Context, identifier string) (*store.Tenant, error)
}

// Retriever produces relevant documents for a query, fail-open
type Retriever interface {
	Retrieve(ctx context.Context, query, tenantID string) []retrieval.RetrievedDocument
}

// TokenStream is a lazy, single-pass sequence of non-empty text fragments,
// terminated by io.EOF.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}

// Generator opens a grounded streaming completion for a single user turn
type Generator interface {
	StreamChat(ctx context.Context, userMessage, docContext string) (TokenStream, error)
	Model() string
}

// Recorder persists conversation state. All calls are best-effort from the
// orchestrator's viewpoint: failures are logged and never alter the response
// already sent to the client.
type Recorder interface {
	FindOrCreateConversation(ctx context.Context, tenantID, externalID string) (*store.Conversation, error)
	RecordMessage(ctx context.Context, conversationID, role, content, externalID string) (*store.Message, error)
	MarkFallback(ctx context.Context, conversationID string) error
	MarkNeedsHuman(ctx context.Context, conversationID string) error
	UpsertTicket(ctx context.Context, conversationID, category, status, subject string) (*store.Ticket, error)
}

// EventWriter is the committed append-only stream the orchestrator writes to
type EventWriter interface {
	WriteToken(token string) error
	WriteDone() error
	WriteError(message string) error
	WriteMeta(trace streaming.Trace) error
}

// Request is a validated chat request. Validation and tenant resolution
// happen before the stream is opened so those failures surface as ordinary
// HTTP errors instead of a cut-off stream.
type Request struct {
	Message                string
	ExternalConversationID string
	ExternalMessageID      string
}

// Orchestrator ties the pipeline together per incoming user message
type Orchestrator struct {
	resolver        TenantResolver
	retriever       Retriever
	generator       Generator
	recorder        Recorder
	rules           *policy.RuleSet
	fallbackMessage string
	logger          *zap.Logger
}

// NewOrchestrator creates the chat orchestrator
func NewOrchestrator(
	resolver TenantResolver,
	retriever Retriever,
	generator Generator,
	recorder Recorder,
	rules *policy.RuleSet,
	fallbackMessage string,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		resolver:        resolver,
		retriever:       retriever,
		generator:       generator,
		recorder:        recorder,
		rules:           rules,
		fallbackMessage: fallbackMessage,
		logger:          logger,
	}
}

// ResolveTenant resolves the tenant identifier. Must be called before the
// stream is committed.
func (o *Orchestrator) ResolveTenant(ctx context.Context, identifier string) (*store.Tenant, error) {
	return o.resolver.Resolve(ctx, identifier)
}

// Respond runs the pipeline for one request and writes the full event
// sequence to w. The caller has already committed the connection to
// streaming mode; every failure past this point is an in-band event.
func (o *Orchestrator) Respond(ctx context.Context, tenant *store.Tenant, req Request, w EventWriter) {
	start := time.Now()

	docs := o.retriever.Retrieve(ctx, req.Message, tenant.ID)

	trace := streaming.Trace{
		Model:             o.generator.Model(),
		RetrievedDocs:     len(docs),
		RetrievedDocsTop3: traceTopDocs(docs),
	}

	if len(docs) == 0 {
		o.respondFallback(ctx, tenant, req, w, trace, start)
		return
	}

	o.respondGenerated(ctx, tenant, req, w, docs, trace, start)
}

// respondFallback streams the canned insufficient-information sentence in
// word-level increments so client rendering matches token streaming.
func (o *Orchestrator) respondFallback(ctx context.Context, tenant *store.Tenant, req Request, w EventWriter, trace streaming.Trace, start time.Time) {
	for i, word := range strings.Fields(o.fallbackMessage) {
		if ctx.Err() != nil {
			return
		}
		token := word
		if i > 0 {
			token = " " + word
		}
		if err := w.WriteToken(token); err != nil {
			o.logger.Warn("Client went away during fallback stream", zap.Error(err))
			return
		}
	}

	if err := w.WriteDone(); err != nil {
		return
	}

	trace.UsedFallback = true
	trace.LatencyMs = time.Since(start).Milliseconds()
	if err := w.WriteMeta(trace); err != nil {
		o.logger.Warn("Failed to write trace event", zap.Error(err))
	}

	o.recordExchange(ctx, tenant, req, o.fallbackMessage, true)
}

// respondGenerated assembles the document context, streams the grounded
// completion and emits the trailing trace event.
func (o *Orchestrator) respondGenerated(ctx context.Context, tenant *store.Tenant, req Request, w EventWriter, docs []retrieval.RetrievedDocument, trace streaming.Trace, start time.Time) {
	docContext := generation.BuildContext(docs)

	stream, err := o.generator.StreamChat(ctx, req.Message, docContext)
	if err != nil {
		o.logger.Error("Failed to open generation stream",
			zap.Error(err),
			zap.String("tenant_id", tenant.ID))
		_ = w.WriteError(err.Error())
		return
	}
	defer func() { _ = stream.Close() }()

	var reply strings.Builder
	for {
		// The per-request lifetime is bound to the client connection;
		// stop consuming promptly when it goes away.
		if ctx.Err() != nil {
			o.logger.Debug("Client disconnected mid-generation", zap.String("tenant_id", tenant.ID))
			return
		}

		token, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Tokens already sent are not retracted and no trace is
			// emitted on this path.
			o.logger.Error("Generation stream failed mid-response",
				zap.Error(err),
				zap.String("tenant_id", tenant.ID))
			_ = w.WriteError(err.Error())
			return
		}

		if err := w.WriteToken(token); err != nil {
			o.logger.Warn("Client went away mid-stream", zap.Error(err))
			return
		}
		reply.WriteString(token)
	}

	if err := w.WriteDone(); err != nil {
		return
	}

	trace.UsedFallback = false
	trace.LatencyMs = time.Since(start).Milliseconds()
	if err := w.WriteMeta(trace); err != nil {
		o.logger.Warn("Failed to write trace event", zap.Error(err))
	}

	o.recordExchange(ctx, tenant, req, reply.String(), false)
}

// recordExchange persists the exchange after the stream has completed. The
// context is detached from the request so a client disconnect cannot cancel
// recording mid-write; every failure here is logged, never surfaced.
func (o *Orchestrator) recordExchange(ctx context.Context, tenant *store.Tenant, req Request, reply string, usedFallback bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	conv, err := o.recorder.FindOrCreateConversation(ctx, tenant.ID, req.ExternalConversationID)
	if err != nil {
		o.logger.Error("Failed to find or create conversation",
			zap.Error(err),
			zap.String("tenant_id", tenant.ID))
		return
	}

	if _, err := o.recorder.RecordMessage(ctx, conv.ID, "user", req.Message, req.ExternalMessageID); err != nil {
		o.logger.Error("Failed to record user message",
			zap.Error(err),
			zap.String("conversation_id", conv.ID))
	}

	assistantExternalID := ""
	if req.ExternalMessageID != "" {
		assistantExternalID = req.ExternalMessageID + ":assistant"
	}
	if _, err := o.recorder.RecordMessage(ctx, conv.ID, "assistant", reply, assistantExternalID); err != nil {
		o.logger.Error("Failed to record assistant message",
			zap.Error(err),
			zap.String("conversation_id", conv.ID))
	}

	if usedFallback {
		if err := o.recorder.MarkFallback(ctx, conv.ID); err != nil {
			o.logger.Error("Failed to mark conversation fallback",
				zap.Error(err),
				zap.String("conversation_id", conv.ID))
		}
	}

	result := o.rules.Evaluate(req.Message)
	if result.Matched {
		subject := req.Message
		if runes := []rune(subject); len(runes) > ticketSubjectLimit {
			subject = string(runes[:ticketSubjectLimit])
		}
		if _, err := o.recorder.UpsertTicket(ctx, conv.ID, result.Category, "open", subject); err != nil {
			o.logger.Error("Failed to upsert ticket",
				zap.Error(err),
				zap.String("conversation_id", conv.ID),
				zap.String("category", result.Category))
		}
		if result.NeedsHuman && !usedFallback {
			if err := o.recorder.MarkNeedsHuman(ctx, conv.ID); err != nil {
				o.logger.Error("Failed to mark conversation needs-human",
					zap.Error(err),
					zap.String("conversation_id", conv.ID))
			}
		}
	}
}

// traceTopDocs summarizes the top three retrieved documents for the trace
// event. Input is already ordered by descending score.
func traceTopDocs(docs []retrieval.RetrievedDocument) []streaming.TraceDoc {
	top := make([]streaming.TraceDoc, 0, 3)
	for i, doc := range docs {
		if i == 3 {
			break
		}
		top = append(top, streaming.TraceDoc{
			Title:  doc.Title,
			Source: doc.SourceURL,
			Score:  doc.Score,
		})
	}
	return top
}
