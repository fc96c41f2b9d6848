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

// Package main provides the chat API service for the civic assistant. It
// serves the streamed chat endpoint for the browser widget and the
// administrative inbox endpoints over the conversation store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/your-org/civic-assistant/internal/chat"
	"github.com/your-org/civic-assistant/internal/chroma"
	"github.com/your-org/civic-assistant/internal/config"
	"github.com/your-org/civic-assistant/internal/generation"
	"github.com/your-org/civic-assistant/internal/health"
	internalopenai "github.com/your-org/civic-assistant/internal/openai"
	"github.com/your-org/civic-assistant/internal/policy"
	"github.com/your-org/civic-assistant/internal/ratelimit"
	"github.com/your-org/civic-assistant/internal/retrieval"
	"github.com/your-org/civic-assistant/internal/store"
	"github.com/your-org/civic-assistant/internal/streaming"
	"github.com/your-org/civic-assistant/internal/tenant"
)

const (
	// HealthCheckTimeout defines the timeout for dependency health checks
	HealthCheckTimeout = 5 * time.Second
	// DefaultRetryAttempts defines the default number of retry attempts
	DefaultRetryAttempts = 3
)

// ChatRequest represents the streamed chat request body
type ChatRequest struct {
	Message        string `json:"message" binding:"required"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// Server holds the chat API dependencies
type Server struct {
	config       *config.Config
	logger       *zap.Logger
	orchestrator *chat.Orchestrator
	store        *store.Store
}

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initializeLogger(cfg)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	maskedConfig := cfg.MaskSensitiveValues()
	logger.Info("Configuration loaded successfully",
		zap.String("service", "server"),
		zap.String("environment", os.Getenv("ENVIRONMENT")),
		zap.String("chroma_url", maskedConfig.Chroma.URL),
		zap.String("collection_name", maskedConfig.Chroma.CollectionName),
		zap.String("store_db_path", maskedConfig.Store.DBPath),
		zap.Int("retrieval_top_k", maskedConfig.Retrieval.TopK),
		zap.Float64("retrieval_min_similarity", maskedConfig.Retrieval.MinSimilarity),
		zap.String("generation_model", maskedConfig.Generation.Model),
		zap.String("openai_api_key", maskedConfig.OpenAI.APIKey),
	)

	server, deps, err := initializeServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize server", zap.Error(err))
	}
	defer func() {
		if err := server.store.Close(); err != nil {
			logger.Warn("Failed to close conversation store", zap.Error(err))
		}
	}()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	healthManager := health.NewManager("server", "1.0.0", logger)
	setupHealthChecks(healthManager, deps, cfg)

	limiter := ratelimit.NewLimiter(
		cfg.RateLimit.MaxRequests,
		time.Duration(cfg.RateLimit.WindowSeconds)*time.Second,
		logger,
	)

	router := setupRouter(server, limiter, healthManager, cfg.Server.AllowOrigin)

	port := ":" + cfg.Server.Port
	logger.Info("Starting chat API server",
		zap.String("port", port),
		zap.String("chroma_url", cfg.Chroma.URL),
	)

	if err := router.Run(port); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}
}

// serverDependencies holds clients needed for health checks
type serverDependencies struct {
	chromaClient *chroma.Client
	store        *store.Store
}

// initializeLogger creates a logger based on configuration settings
func initializeLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Logging.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	switch cfg.Logging.Level {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	if cfg.Logging.Output == "file" {
		zapConfig.OutputPaths = []string{"server.log"}
		zapConfig.ErrorOutputPaths = []string{"server.log"}
	} else {
		zapConfig.OutputPaths = []string{"stdout"}
		zapConfig.ErrorOutputPaths = []string{"stderr"}
	}

	return zapConfig.Build()
}

// initializeServer wires the pipeline components
func initializeServer(cfg *config.Config, logger *zap.Logger) (*Server, *serverDependencies, error) {
	conversationStore, err := store.NewStore(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize conversation store: %w", err)
	}

	chromaClient := chroma.NewClientWithOptions(
		cfg.Chroma.URL,
		cfg.Chroma.CollectionName,
		logger,
		DefaultRetryAttempts,
		time.Second,
	)

	openaiClient, err := internalopenai.NewClient(internalopenai.Options{
		APIKey:      cfg.OpenAI.APIKey,
		Endpoint:    cfg.OpenAI.Endpoint,
		ChatModel:   cfg.Generation.Model,
		MaxTokens:   cfg.Generation.MaxTokens,
		Temperature: cfg.Generation.Temperature,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
	}

	retrievalEngine := retrieval.NewEngine(
		openaiClient,
		chromaClient,
		cfg.Retrieval.TopK,
		cfg.Retrieval.MinSimilarity,
		logger,
	)

	generationEngine := generation.NewEngine(openaiClient, cfg.Generation.FallbackMessage, logger)

	resolver := tenant.NewResolver(conversationStore, logger)

	orchestrator := chat.NewOrchestrator(
		resolver,
		retrievalEngine,
		generatorAdapter{generationEngine},
		conversationStore,
		policy.DefaultRules(),
		cfg.Generation.FallbackMessage,
		logger,
	)

	server := &Server{
		config:       cfg,
		logger:       logger,
		orchestrator: orchestrator,
		store:        conversationStore,
	}

	deps := &serverDependencies{
		chromaClient: chromaClient,
		store:        conversationStore,
	}

	return server, deps, nil
}

// generatorAdapter adapts the concrete generation engine to the
// orchestrator's Generator interface.
type generatorAdapter struct {
	engine *generation.Engine
}

func (g generatorAdapter) StreamChat(ctx context.Context, userMessage, docContext string) (chat.TokenStream, error) {
	stream, err := g.engine.StreamChat(ctx, userMessage, docContext)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (g generatorAdapter) Model() string {
	return g.engine.Model()
}

// setupRouter builds the gin router with all routes
func setupRouter(server *Server, limiter *ratelimit.Limiter, healthManager *health.Manager, allowOrigin string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(allowOrigin))

	router.GET("/health", gin.WrapH(healthManager.HTTPHandler()))

	// Preflight bypasses tenant resolution, rate limiting and the pipeline.
	router.OPTIONS("/api/chat/:tenant", server.handlePreflight)
	router.POST("/api/chat/:tenant", limiter.Middleware(), server.handleChat)

	admin := router.Group("/api/admin")
	admin.GET("/tenants/:tenant/conversations", server.handleListConversations)
	admin.GET("/conversations/:id/messages", server.handleListMessages)
	admin.GET("/conversations/:id/ticket", server.handleGetTicket)
	admin.PUT("/tickets/:id", server.handleUpdateTicket)

	return router
}

// corsMiddleware sets CORS headers for the browser widget
func corsMiddleware(allowOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowOrigin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Next()
	}
}

// setupHealthChecks configures dependency health checks
func setupHealthChecks(manager *health.Manager, deps *serverDependencies, cfg *config.Config) {
	manager.AddCheckerFunc("chroma", func(ctx context.Context) health.CheckResult {
		if err := deps.chromaClient.HealthCheck(ctx); err != nil {
			return health.CheckResult{
				Status:    health.StatusUnhealthy,
				Error:     fmt.Sprintf("ChromaDB health check failed: %v", err),
				Timestamp: time.Now(),
			}
		}
		return health.CheckResult{
			Status:    health.StatusHealthy,
			Timestamp: time.Now(),
			Metadata: map[string]interface{}{
				"url":        cfg.Chroma.URL,
				"collection": cfg.Chroma.CollectionName,
			},
		}
	})

	manager.AddCheckerFunc("store", func(ctx context.Context) health.CheckResult {
		if _, err := deps.store.Stats(ctx); err != nil {
			return health.CheckResult{
				Status:    health.StatusUnhealthy,
				Error:     fmt.Sprintf("Conversation store health check failed: %v", err),
				Timestamp: time.Now(),
			}
		}
		return health.CheckResult{
			Status:    health.StatusHealthy,
			Timestamp: time.Now(),
			Metadata: map[string]interface{}{
				"db_path": cfg.Store.DBPath,
			},
		}
	})

	manager.SetTimeout(HealthCheckTimeout)
}

// handlePreflight answers CORS preflight immediately with a zero body
func (s *Server) handlePreflight(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// handleChat runs the streamed chat pipeline. Validation and tenant
// resolution failures return ordinary JSON errors; once streaming headers
// are written, every failure is an in-band stream event.
func (s *Server) handleChat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request format: message is required",
		})
		return
	}

	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Message must not be empty",
		})
		return
	}

	ctx := c.Request.Context()

	resolved, err := s.orchestrator.ResolveTenant(ctx, c.Param("tenant"))
	if err != nil {
		if err == tenant.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Unknown tenant: " + c.Param("tenant"),
			})
			return
		}
		s.logger.Error("Tenant resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to resolve tenant",
		})
		return
	}

	// Commit the connection to streaming mode. Headers cannot change
	// after this point.
	streaming.PrepareHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
	c.Writer.Flush()

	writer := streaming.NewWriter(c.Writer)
	s.orchestrator.Respond(ctx, resolved, chat.Request{
		Message:                req.Message,
		ExternalConversationID: req.ConversationID,
		ExternalMessageID:      req.MessageID,
	}, writer)
}

// handleListConversations returns the inbox view for a tenant
func (s *Server) handleListConversations(c *gin.Context) {
	ctx := c.Request.Context()

	resolved, err := s.orchestrator.ResolveTenant(ctx, c.Param("tenant"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown tenant: " + c.Param("tenant")})
		return
	}

	conversations, err := s.store.ListConversations(ctx, resolved.ID, 50)
	if err != nil {
		s.logger.Error("Failed to list conversations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load conversations"})
		return
	}

	if conversations == nil {
		conversations = []store.Conversation{}
	}
	c.JSON(http.StatusOK, conversations)
}

// handleListMessages returns all messages of a conversation
func (s *Server) handleListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := s.store.GetConversation(ctx, id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}

	messages, err := s.store.ListMessages(ctx, id)
	if err != nil {
		s.logger.Error("Failed to list messages", zap.String("conversation_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load messages"})
		return
	}

	if messages == nil {
		messages = []store.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

// handleGetTicket returns the ticket attached to a conversation
func (s *Server) handleGetTicket(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	ticket, err := s.store.GetTicketByConversation(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Ticket not found"})
			return
		}
		s.logger.Error("Failed to load ticket", zap.String("conversation_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load ticket"})
		return
	}

	c.JSON(http.StatusOK, ticket)
}

// handleUpdateTicket updates a ticket's status
func (s *Server) handleUpdateTicket(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var updateReq struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&updateReq); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: status is required"})
		return
	}

	if err := s.store.UpdateTicketStatus(ctx, id, updateReq.Status); err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Ticket not found"})
			return
		}
		s.logger.Error("Failed to update ticket", zap.String("ticket_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update ticket"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Ticket updated"})
}
