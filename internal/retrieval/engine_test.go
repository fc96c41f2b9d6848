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

package retrieval

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/your-org/civic-assistant/internal/chroma"
)

type fakeEmbedder struct {
	embedding []float32
	err       error
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return f.embedding, f.err
}

type fakeDocumentStore struct {
	results  []chroma.SearchResult
	err      error
	tenantID string
	nResults int
}

func (f *fakeDocumentStore) Query(ctx context.Context, queryEmbedding []float32, nResults int, tenantID string) ([]chroma.SearchResult, error) {
	f.tenantID = tenantID
	f.nResults = nResults
	return f.results, f.err
}

func hit(id, title, content string, similarity float64) chroma.SearchResult {
	return chroma.SearchResult{
		ID:      id,
		Content: content,
		Metadata: map[string]string{
			chroma.MetaTitle:     title,
			chroma.MetaSourceURL: "https://example.hr/" + id,
		},
		Similarity: similarity,
	}
}

func TestRetrieve(t *testing.T) {
	store := &fakeDocumentStore{
		results: []chroma.SearchResult{
			hit("doc1", "Odvoz otpada", "sadržaj 1", 0.9),
			hit("doc2", "Komunalni red", "sadržaj 2", 0.7),
		},
	}
	engine := NewEngine(&fakeEmbedder{embedding: []float32{0.1}}, store, 5, 0.5, zap.NewNop())

	docs := engine.Retrieve(context.Background(), "odvoz otpada", "tenant-1")

	if len(docs) != 2 {
		t.Fatalf("Expected 2 documents, got %d", len(docs))
	}
	if docs[0].Title != "Odvoz otpada" || docs[0].Score != 0.9 {
		t.Errorf("Unexpected first document: %+v", docs[0])
	}
	if store.tenantID != "tenant-1" {
		t.Errorf("Expected tenant scoping, got %q", store.tenantID)
	}
	if store.nResults != 5 {
		t.Errorf("Expected topK passed to store, got %d", store.nResults)
	}
}

func TestRetrieve_FiltersBelowThreshold(t *testing.T) {
	store := &fakeDocumentStore{
		results: []chroma.SearchResult{
			hit("doc1", "A", "a", 0.9),
			hit("doc2", "B", "b", 0.49),
			hit("doc3", "C", "c", 0.5),
		},
	}
	engine := NewEngine(&fakeEmbedder{embedding: []float32{0.1}}, store, 5, 0.5, zap.NewNop())

	docs := engine.Retrieve(context.Background(), "upit", "tenant-1")

	if len(docs) != 2 {
		t.Fatalf("Expected 2 documents at or above threshold, got %d", len(docs))
	}
	for _, doc := range docs {
		if doc.Score < 0.5 {
			t.Errorf("Document below threshold survived: %+v", doc)
		}
	}
}

func TestRetrieve_OrdersByDescendingScore(t *testing.T) {
	store := &fakeDocumentStore{
		results: []chroma.SearchResult{
			hit("doc1", "A", "a", 0.6),
			hit("doc2", "B", "b", 0.95),
			hit("doc3", "C", "c", 0.8),
		},
	}
	engine := NewEngine(&fakeEmbedder{embedding: []float32{0.1}}, store, 5, 0.5, zap.NewNop())

	docs := engine.Retrieve(context.Background(), "upit", "tenant-1")

	if len(docs) != 3 {
		t.Fatalf("Expected 3 documents, got %d", len(docs))
	}
	for i := 1; i < len(docs); i++ {
		if docs[i].Score > docs[i-1].Score {
			t.Errorf("Documents not in descending score order: %f before %f", docs[i-1].Score, docs[i].Score)
		}
	}
}

func TestRetrieve_CapsAtTopK(t *testing.T) {
	store := &fakeDocumentStore{
		results: []chroma.SearchResult{
			hit("doc1", "A", "a", 0.9),
			hit("doc2", "B", "b", 0.8),
			hit("doc3", "C", "c", 0.7),
		},
	}
	engine := NewEngine(&fakeEmbedder{embedding: []float32{0.1}}, store, 2, 0.5, zap.NewNop())

	docs := engine.Retrieve(context.Background(), "upit", "tenant-1")

	if len(docs) != 2 {
		t.Fatalf("Expected topK cap of 2, got %d", len(docs))
	}
	if docs[0].Score != 0.9 || docs[1].Score != 0.8 {
		t.Errorf("Expected highest-scoring documents kept, got %+v", docs)
	}
}

func TestRetrieve_EmbeddingFailureDegradesToEmpty(t *testing.T) {
	engine := NewEngine(
		&fakeEmbedder{err: errors.New("embedding service down")},
		&fakeDocumentStore{},
		5, 0.5, zap.NewNop())

	docs := engine.Retrieve(context.Background(), "upit", "tenant-1")
	if docs != nil {
		t.Errorf("Expected nil result on embedding failure, got %v", docs)
	}
}

func TestRetrieve_StoreFailureDegradesToEmpty(t *testing.T) {
	engine := NewEngine(
		&fakeEmbedder{embedding: []float32{0.1}},
		&fakeDocumentStore{err: errors.New("chroma unreachable")},
		5, 0.5, zap.NewNop())

	docs := engine.Retrieve(context.Background(), "upit", "tenant-1")
	if docs != nil {
		t.Errorf("Expected nil result on store failure, got %v", docs)
	}
}

func TestRetrieve_NoHits(t *testing.T) {
	engine := NewEngine(&fakeEmbedder{embedding: []float32{0.1}}, &fakeDocumentStore{}, 5, 0.5, zap.NewNop())

	docs := engine.Retrieve(context.Background(), "upit", "tenant-1")
	if len(docs) != 0 {
		t.Errorf("Expected no documents, got %d", len(docs))
	}
}
