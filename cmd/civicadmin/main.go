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

// Package main provides the civicadmin CLI for operational tasks: ingesting
// municipal documents into the vector store, seeding tenants and pruning
// expired conversations.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/your-org/civic-assistant/internal/chroma"
	"github.com/your-org/civic-assistant/internal/chunker"
	"github.com/your-org/civic-assistant/internal/config"
	internalopenai "github.com/your-org/civic-assistant/internal/openai"
	"github.com/your-org/civic-assistant/internal/store"
)

const (
	// ChunkSize is the target character size per document chunk
	ChunkSize = 1500
	// EmbedBatchSize caps how many chunks are embedded per API call
	EmbedBatchSize = 64
)

var (
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "civicadmin",
		Short: "Operational CLI for the civic assistant",
		Long: `civicadmin manages the civic assistant's data plane: document
ingestion into the vector store, tenant seeding and conversation retention.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger, err = zap.NewProduction()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newSeedTenantCmd())
	rootCmd.AddCommand(newCleanupCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newIngestCmd() *cobra.Command {
	var (
		tenantSlug string
		sourceURL  string
	)

	cmd := &cobra.Command{
		Use:   "ingest <directory>",
		Short: "Ingest municipal documents into the vector store",
		Long: `ingest walks a directory of .md and .txt documents, splits each into
chunks, embeds the chunks and stores them in the vector collection tagged
with the tenant id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), args[0], tenantSlug, sourceURL)
		},
	}

	cmd.Flags().StringVar(&tenantSlug, "tenant", "", "tenant slug documents belong to (required)")
	cmd.Flags().StringVar(&sourceURL, "source-url", "", "base URL to record as document source")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func runIngest(ctx context.Context, dir, tenantSlug, sourceURL string) error {
	conversationStore, err := store.NewStore(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = conversationStore.Close() }()

	tenantRow, err := conversationStore.GetTenantBySlug(ctx, tenantSlug)
	if err != nil {
		return fmt.Errorf("unknown tenant %q: %w", tenantSlug, err)
	}

	openaiClient, err := internalopenai.NewClient(internalopenai.Options{
		APIKey:   cfg.OpenAI.APIKey,
		Endpoint: cfg.OpenAI.Endpoint,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenAI client: %w", err)
	}

	chromaClient := chroma.NewClient(cfg.Chroma.URL, cfg.Chroma.CollectionName, logger)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var totalChunks int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".md" && ext != ".txt" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("Skipping unreadable file", zap.String("path", path), zap.Error(err))
			continue
		}

		content := string(raw)
		if ext == ".md" {
			content = chunker.ParseMarkdown(content)
		}

		title := strings.TrimSuffix(entry.Name(), ext)
		docID := tenantRow.Slug + "_" + title

		chunks := chunker.Splitter(content, ChunkSize)
		if len(chunks) == 0 {
			continue
		}

		n, err := ingestChunks(ctx, chromaClient, openaiClient, tenantRow.ID, docID, title, sourceURL, chunks)
		if err != nil {
			return fmt.Errorf("failed to ingest %s: %w", entry.Name(), err)
		}
		totalChunks += n

		logger.Info("Ingested document",
			zap.String("file", entry.Name()),
			zap.String("tenant", tenantRow.Slug),
			zap.Int("chunks", n))
	}

	fmt.Printf("Ingested %d chunks for tenant %s\n", totalChunks, tenantRow.Slug)
	return nil
}

// ingestChunks embeds and stores chunks in batches
func ingestChunks(ctx context.Context, chromaClient *chroma.Client, openaiClient *internalopenai.Client, tenantID, docID, title, sourceURL string, chunks []string) (int, error) {
	total := 0
	for start := 0; start < len(chunks); start += EmbedBatchSize {
		end := start + EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		embeddings, err := openaiClient.EmbedTexts(ctx, batch)
		if err != nil {
			return total, fmt.Errorf("embedding failed: %w", err)
		}

		documents := make([]chroma.Document, len(batch))
		for i, chunk := range batch {
			documents[i] = chroma.Document{
				ID:        fmt.Sprintf("%s_chunk_%d", docID, start+i),
				Title:     title,
				SourceURL: sourceURL,
				Content:   chunk,
				TenantID:  tenantID,
			}
		}

		if err := chromaClient.AddDocuments(ctx, documents, embeddings); err != nil {
			return total, fmt.Errorf("vector store write failed: %w", err)
		}
		total += len(batch)
	}
	return total, nil
}

func newSeedTenantCmd() *cobra.Command {
	var (
		slug string
		code string
		name string
	)

	cmd := &cobra.Command{
		Use:   "seed-tenant",
		Short: "Create a tenant in the conversation store",
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationStore, err := store.NewStore(cfg.Store.DBPath, logger)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer func() { _ = conversationStore.Close() }()

			tenantRow, err := conversationStore.CreateTenant(cmd.Context(), slug, code, name)
			if err != nil {
				return fmt.Errorf("failed to create tenant: %w", err)
			}

			fmt.Printf("Created tenant %s (slug=%s code=%s)\n", tenantRow.ID, tenantRow.Slug, tenantRow.Code)
			return nil
		},
	}

	cmd.Flags().StringVar(&slug, "slug", "", "URL slug, e.g. ploce (required)")
	cmd.Flags().StringVar(&code, "code", "", "short uppercase code, e.g. PLOCE (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name (required)")
	_ = cmd.MarkFlagRequired("slug")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newCleanupCmd() *cobra.Command {
	var maxAgeDays int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete conversations older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			days := maxAgeDays
			if days <= 0 {
				days = cfg.Retention.MaxAgeDays
			}

			conversationStore, err := store.NewStore(cfg.Store.DBPath, logger)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer func() { _ = conversationStore.Close() }()

			cutoff := time.Now().AddDate(0, 0, -days)
			deleted, err := conversationStore.DeleteConversationsBefore(cmd.Context(), cutoff)
			if err != nil {
				return fmt.Errorf("cleanup failed: %w", err)
			}

			fmt.Printf("Deleted %d conversations older than %d days\n", deleted, days)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 0, "override retention window from config")

	return cmd
}
