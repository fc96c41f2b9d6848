// Package chroma implements the document store on top of the ChromaDB REST
// API. Indexed document chunks carry their embedding plus title, source URL
// and tenant metadata, and are queryable by approximate nearest-neighbor
// similarity scoped to a tenant.
package chroma

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Metadata keys stored alongside each document chunk.
const (
	MetaTitle     = "title"
	MetaSourceURL = "source_url"
	MetaTenantID  = "tenant_id"
)

// Client wraps the ChromaDB REST API
type Client struct {
	baseURL        string
	collection     string
	httpClient     *http.Client
	logger         *zap.Logger
	maxRetries     int
	baseRetryDelay time.Duration
}

// NewClient creates a new ChromaDB client with default settings
func NewClient(baseURL, collection string, logger *zap.Logger) *Client {
	return NewClientWithOptions(baseURL, collection, logger, 3, time.Second)
}

// NewClientWithOptions creates a new ChromaDB client with custom settings
func NewClientWithOptions(baseURL, collection string, logger *zap.Logger, maxRetries int, baseRetryDelay time.Duration) *Client {
	return &Client{
		baseURL:        baseURL,
		collection:     collection,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         logger,
		maxRetries:     maxRetries,
		baseRetryDelay: baseRetryDelay,
	}
}

// Document represents an indexed document chunk
type Document struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	SourceURL string `json:"source_url"`
	Content   string `json:"content"`
	// TenantID scopes the document to a city; empty means global.
	TenantID string `json:"tenant_id"`
}

// SearchResult represents a similarity search hit
type SearchResult struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata"`
	Similarity float64           `json:"similarity"`
}

// Title returns the document title from metadata, if present
func (r SearchResult) Title() string {
	return r.Metadata[MetaTitle]
}

// SourceURL returns the document source URL from metadata, if present
func (r SearchResult) SourceURL() string {
	return r.Metadata[MetaSourceURL]
}

// searchRequest represents a ChromaDB query payload
type searchRequest struct {
	QueryEmbeddings [][]float32            `json:"query_embeddings"`
	NResults        int                    `json:"n_results"`
	Where           map[string]interface{} `json:"where,omitempty"`
}

// searchResponse represents the ChromaDB query response
type searchResponse struct {
	IDs       [][]string                 `json:"ids"`
	Documents [][]string                 `json:"documents"`
	Metadatas [][]map[string]interface{} `json:"metadatas"`
	Distances [][]float64                `json:"distances"`
}

// ChromaError represents an error response from ChromaDB
type ChromaError struct {
	Detail string `json:"detail"`
	Type   string `json:"type"`
}

func (e ChromaError) Error() string {
	return fmt.Sprintf("ChromaDB error [%s]: %s", e.Type, e.Detail)
}

// retryWithBackoff executes a function with exponential backoff retry logic
func (c *Client) retryWithBackoff(operation func() error, operationName string) error {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseRetryDelay
			c.logger.Info("Retrying operation after delay",
				zap.String("operation", operationName),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			time.Sleep(delay)
		}

		if err := operation(); err != nil {
			lastErr = err
			c.logger.Warn("Operation failed, will retry",
				zap.String("operation", operationName),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		return nil
	}

	c.logger.Error("Operation failed after all retries",
		zap.String("operation", operationName),
		zap.Int("max_retries", c.maxRetries),
		zap.Error(lastErr))
	return fmt.Errorf("operation failed after %d retries: %w", c.maxRetries, lastErr)
}

// makeRequest performs an HTTP request with structured error handling
func (c *Client) makeRequest(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		var chromaErr ChromaError
		if json.Unmarshal(body, &chromaErr) == nil && chromaErr.Detail != "" {
			return nil, chromaErr
		}

		return nil, fmt.Errorf("ChromaDB returned status %d: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}

// AddDocuments adds document chunks with precomputed embeddings. Title,
// source URL and tenant scoping are carried as chunk metadata.
func (c *Client) AddDocuments(ctx context.Context, documents []Document, embeddings [][]float32) error {
	if len(documents) != len(embeddings) {
		return fmt.Errorf("document count %d does not match embedding count %d", len(documents), len(embeddings))
	}

	c.logger.Info("Adding documents to ChromaDB",
		zap.String("collection", c.collection),
		zap.Int("document_count", len(documents)))

	return c.retryWithBackoff(func() error {
		url := fmt.Sprintf("%s/api/v1/collections/%s/add", c.baseURL, c.collection)

		var metadatas []map[string]string
		var ids []string
		var contents []string

		for _, doc := range documents {
			meta := map[string]string{
				MetaTitle:     doc.Title,
				MetaSourceURL: doc.SourceURL,
			}
			if doc.TenantID != "" {
				meta[MetaTenantID] = doc.TenantID
			}
			metadatas = append(metadatas, meta)
			ids = append(ids, doc.ID)
			contents = append(contents, doc.Content)
		}

		payload := map[string]interface{}{
			"documents":  contents,
			"metadatas":  metadatas,
			"ids":        ids,
			"embeddings": embeddings,
		}

		jsonPayload, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonPayload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")

		resp, err := c.makeRequest(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		return nil
	}, "AddDocuments")
}

// Query performs a similarity search scoped to a tenant. An empty tenantID
// searches the whole collection. Results carry similarity scores derived
// from ChromaDB distances (similarity = 1 - distance).
func (c *Client) Query(ctx context.Context, queryEmbedding []float32, nResults int, tenantID string) ([]SearchResult, error) {
	url := fmt.Sprintf("%s/api/v1/collections/%s/query", c.baseURL, c.collection)

	searchReq := searchRequest{
		QueryEmbeddings: [][]float32{queryEmbedding},
		NResults:        nResults,
	}

	if tenantID != "" {
		searchReq.Where = map[string]interface{}{
			MetaTenantID: tenantID,
		}
	}

	jsonPayload, err := json.Marshal(searchReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonPayload))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.makeRequest(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var searchResp searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	var results []SearchResult
	if len(searchResp.IDs) > 0 {
		for i, id := range searchResp.IDs[0] {
			result := SearchResult{
				ID:         id,
				Content:    searchResp.Documents[0][i],
				Similarity: 1.0 - searchResp.Distances[0][i],
			}

			if len(searchResp.Metadatas) > 0 && len(searchResp.Metadatas[0]) > i {
				result.Metadata = make(map[string]string)
				for k, v := range searchResp.Metadatas[0][i] {
					if str, ok := v.(string); ok {
						result.Metadata[k] = str
					}
				}
			}

			results = append(results, result)
		}
	}

	return results, nil
}

// HealthCheck checks if ChromaDB is reachable
func (c *Client) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/v1/heartbeat", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to check ChromaDB health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ChromaDB health check failed with status %d", resp.StatusCode)
	}

	return nil
}
