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

// Package retrieval produces the ordered set of relevant documents for a
// query via embedding and approximate nearest-neighbor search.
package retrieval

import (
	"context"
	"sort"

	"github.com/your-org/civic-assistant/internal/chroma"
	"go.uber.org/zap"
)

// Embedder converts text to a fixed-dimension vector
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// DocumentStore performs similarity search over indexed document chunks
type DocumentStore interface {
	Query(ctx context.Context, queryEmbedding []float32, nResults int, tenantID string) ([]chroma.SearchResult, error)
}

// RetrievedDocument is an ephemeral per-query result; never persisted
type RetrievedDocument struct {
	Title     string
	SourceURL string
	Content   string
	Score     float64
}

// Engine retrieves documents above a similarity threshold, scoped to a
// tenant. Retrieval is fail-open: any embedding or store failure is logged
// and degrades to an empty result so the chat pipeline takes the fallback
// path instead of failing the request.
type Engine struct {
	embedder  Embedder
	store     DocumentStore
	topK      int
	threshold float64
	logger    *zap.Logger
}

// NewEngine creates a retrieval engine
func NewEngine(embedder Embedder, store DocumentStore, topK int, threshold float64, logger *zap.Logger) *Engine {
	return &Engine{
		embedder:  embedder,
		store:     store,
		topK:      topK,
		threshold: threshold,
		logger:    logger,
	}
}

// Retrieve returns up to topK documents with similarity at or above the
// threshold, ordered by descending score. An empty result is
// indistinguishable from "no relevant documents exist" downstream; both
// trigger the fallback path.
func (e *Engine) Retrieve(ctx context.Context, query, tenantID string) []RetrievedDocument {
	embedding, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		e.logger.Error("Retrieval degraded to empty result: embedding failed",
			zap.Error(err),
			zap.String("tenant_id", tenantID))
		return nil
	}

	hits, err := e.store.Query(ctx, embedding, e.topK, tenantID)
	if err != nil {
		e.logger.Error("Retrieval degraded to empty result: document store query failed",
			zap.Error(err),
			zap.String("tenant_id", tenantID))
		return nil
	}

	var docs []RetrievedDocument
	for _, hit := range hits {
		if hit.Similarity < e.threshold {
			continue
		}
		docs = append(docs, RetrievedDocument{
			Title:     hit.Title(),
			SourceURL: hit.SourceURL(),
			Content:   hit.Content,
			Score:     hit.Similarity,
		})
	}

	// Descending score; insertion order breaks ties.
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].Score > docs[j].Score
	})

	if len(docs) > e.topK {
		docs = docs[:e.topK]
	}

	e.logger.Debug("Retrieval completed",
		zap.String("tenant_id", tenantID),
		zap.Int("candidates", len(hits)),
		zap.Int("above_threshold", len(docs)),
		zap.Float64("threshold", e.threshold))

	return docs
}
