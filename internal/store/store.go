// Package store persists tenants, conversations, messages and tickets in
// SQLite. It backs the administrative inbox and is the conversation recorder
// the chat pipeline calls best-effort: recorder failures are logged by the
// caller and never abort a response already streaming to the client.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// Store handles queries to the SQLite conversation database
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore opens the conversation database and ensures the schema exists
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, logger: logger}

	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates the tables if they don't exist
func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			external_id TEXT,
			needs_human INTEGER NOT NULL DEFAULT 0,
			fallback_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(tenant_id, external_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			external_id TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external
			ON messages(conversation_id, external_id)
			WHERE external_id IS NOT NULL AND external_id != ''`,
		`CREATE TABLE IF NOT EXISTS tickets (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL UNIQUE,
			category TEXT,
			status TEXT NOT NULL DEFAULT 'open',
			subject TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// Tenant represents a municipality account
type Tenant struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// Conversation represents a persisted conversation row
type Conversation struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	ExternalID    string    `json:"external_id"`
	NeedsHuman    bool      `json:"needs_human"`
	FallbackCount int       `json:"fallback_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Message represents a persisted message row
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	ExternalID     string    `json:"external_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Ticket represents a follow-up ticket attached to a conversation
type Ticket struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Category       string    `json:"category"`
	Status         string    `json:"status"`
	Subject        string    `json:"subject"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CreateTenant inserts a tenant row
func (s *Store) CreateTenant(ctx context.Context, slug, code, name string) (*Tenant, error) {
	tenant := &Tenant{
		ID:   uuid.NewString(),
		Slug: slug,
		Code: code,
		Name: name,
	}

	query := `INSERT INTO tenants (id, slug, code, name) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, tenant.ID, tenant.Slug, tenant.Code, tenant.Name); err != nil {
		return nil, fmt.Errorf("failed to insert tenant: %w", err)
	}

	return tenant, nil
}

// GetTenantBySlug looks up a tenant by its slug identifier
func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error) {
	return s.getTenant(ctx, "slug", slug)
}

// GetTenantByCode looks up a tenant by its short code
func (s *Store) GetTenantByCode(ctx context.Context, code string) (*Tenant, error) {
	return s.getTenant(ctx, "code", code)
}

func (s *Store) getTenant(ctx context.Context, column, value string) (*Tenant, error) {
	query := fmt.Sprintf("SELECT id, slug, code, name FROM tenants WHERE %s = ?", column)

	var tenant Tenant
	err := s.db.QueryRowContext(ctx, query, value).Scan(&tenant.ID, &tenant.Slug, &tenant.Code, &tenant.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query tenant: %w", err)
	}

	return &tenant, nil
}

// FindOrCreateConversation returns the conversation matching the external id
// for the tenant, creating it when it does not exist. An empty external id
// always creates a fresh conversation.
func (s *Store) FindOrCreateConversation(ctx context.Context, tenantID, externalID string) (*Conversation, error) {
	if externalID != "" {
		conv, err := s.getConversationByExternalID(ctx, tenantID, externalID)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	conv := &Conversation{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		ExternalID: externalID,
	}

	// Empty external ids are stored as NULL so they never collide under the
	// (tenant_id, external_id) unique constraint.
	query := `INSERT INTO conversations (id, tenant_id, external_id) VALUES (?, ?, NULLIF(?, ''))`
	if _, err := s.db.ExecContext(ctx, query, conv.ID, conv.TenantID, conv.ExternalID); err != nil {
		// A concurrent request may have created the row between the
		// lookup and the insert; re-read instead of failing.
		if externalID != "" {
			if existing, lookupErr := s.getConversationByExternalID(ctx, tenantID, externalID); lookupErr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to insert conversation: %w", err)
	}

	return conv, nil
}

func (s *Store) getConversationByExternalID(ctx context.Context, tenantID, externalID string) (*Conversation, error) {
	query := `SELECT id, tenant_id, external_id, needs_human, fallback_count, created_at, updated_at
		FROM conversations WHERE tenant_id = ? AND external_id = ?`

	return s.scanConversation(s.db.QueryRowContext(ctx, query, tenantID, externalID))
}

// GetConversation returns a conversation by its primary id
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT id, tenant_id, external_id, needs_human, fallback_count, created_at, updated_at
		FROM conversations WHERE id = ?`

	return s.scanConversation(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) scanConversation(row *sql.Row) (*Conversation, error) {
	var conv Conversation
	var externalID sql.NullString
	var needsHuman int
	err := row.Scan(&conv.ID, &conv.TenantID, &externalID, &needsHuman,
		&conv.FallbackCount, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	conv.ExternalID = externalID.String
	conv.NeedsHuman = needsHuman != 0
	return &conv, nil
}

// RecordMessage stores a message row. Recording is idempotent by external
// message id: a second call with the same external id for the same
// conversation is a no-op and returns the already-stored row.
func (s *Store) RecordMessage(ctx context.Context, conversationID, role, content, externalID string) (*Message, error) {
	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		ExternalID:     externalID,
	}

	query := `INSERT OR IGNORE INTO messages (id, conversation_id, role, content, external_id)
		VALUES (?, ?, ?, ?, ?)`
	result, err := s.db.ExecContext(ctx, query, msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read insert result: %w", err)
	}

	if rows == 0 {
		// Duplicate external id: return the existing row.
		existing, err := s.getMessageByExternalID(ctx, conversationID, externalID)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("Duplicate message ignored",
			zap.String("conversation_id", conversationID),
			zap.String("external_id", externalID))
		return existing, nil
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, conversationID); err != nil {
		s.logger.Warn("Failed to touch conversation", zap.Error(err))
	}

	return msg, nil
}

func (s *Store) getMessageByExternalID(ctx context.Context, conversationID, externalID string) (*Message, error) {
	query := `SELECT id, conversation_id, role, content, external_id, created_at
		FROM messages WHERE conversation_id = ? AND external_id = ?`

	var msg Message
	var extID sql.NullString
	err := s.db.QueryRowContext(ctx, query, conversationID, externalID).Scan(
		&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &extID, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	msg.ExternalID = extID.String
	return &msg, nil
}

// ListMessages returns all messages of a conversation in insertion order
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	// rowid tie-break keeps insertion order for messages stored within the
	// same timestamp second.
	query := `SELECT id, conversation_id, role, content, external_id, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var extID sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &extID, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.ExternalID = extID.String
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// ListConversations returns the newest conversations of a tenant for the
// administrative inbox.
func (s *Store) ListConversations(ctx context.Context, tenantID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, tenant_id, external_id, needs_human, fallback_count, created_at, updated_at
		FROM conversations WHERE tenant_id = ? ORDER BY updated_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var conv Conversation
		var externalID sql.NullString
		var needsHuman int
		if err := rows.Scan(&conv.ID, &conv.TenantID, &externalID, &needsHuman,
			&conv.FallbackCount, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conv.ExternalID = externalID.String
		conv.NeedsHuman = needsHuman != 0
		conversations = append(conversations, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}

	return conversations, nil
}

// MarkFallback increments the conversation fallback counter and flags it for
// human follow-up.
func (s *Store) MarkFallback(ctx context.Context, conversationID string) error {
	query := `UPDATE conversations
		SET fallback_count = fallback_count + 1,
		    needs_human = 1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, conversationID)
	if err != nil {
		return fmt.Errorf("failed to mark fallback: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// MarkNeedsHuman flags a conversation for human follow-up without touching
// the fallback counter.
func (s *Store) MarkNeedsHuman(ctx context.Context, conversationID string) error {
	query := `UPDATE conversations SET needs_human = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, conversationID)
	if err != nil {
		return fmt.Errorf("failed to mark needs-human: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// UpsertTicket creates or updates the ticket attached to a conversation
func (s *Store) UpsertTicket(ctx context.Context, conversationID, category, status, subject string) (*Ticket, error) {
	ticket := &Ticket{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Category:       category,
		Status:         status,
		Subject:        subject,
	}

	query := `INSERT INTO tickets (id, conversation_id, category, status, subject)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			category = excluded.category,
			status = excluded.status,
			subject = excluded.subject,
			updated_at = CURRENT_TIMESTAMP`
	if _, err := s.db.ExecContext(ctx, query,
		ticket.ID, ticket.ConversationID, ticket.Category, ticket.Status, ticket.Subject); err != nil {
		return nil, fmt.Errorf("failed to upsert ticket: %w", err)
	}

	return s.GetTicketByConversation(ctx, conversationID)
}

// GetTicketByConversation returns the ticket attached to a conversation
func (s *Store) GetTicketByConversation(ctx context.Context, conversationID string) (*Ticket, error) {
	query := `SELECT id, conversation_id, category, status, subject, created_at, updated_at
		FROM tickets WHERE conversation_id = ?`

	var ticket Ticket
	var category, subject sql.NullString
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(
		&ticket.ID, &ticket.ConversationID, &category, &ticket.Status, &subject,
		&ticket.CreatedAt, &ticket.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query ticket: %w", err)
	}
	ticket.Category = category.String
	ticket.Subject = subject.String

	return &ticket, nil
}

// UpdateTicketStatus updates the status of a ticket by its id
func (s *Store) UpdateTicketStatus(ctx context.Context, ticketID, status string) error {
	query := `UPDATE tickets SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, status, ticketID)
	if err != nil {
		return fmt.Errorf("failed to update ticket: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteConversationsBefore removes conversations (and their messages and
// tickets) last updated before the cutoff. Returns the number of
// conversations removed.
func (s *Store) DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id IN
			(SELECT id FROM conversations WHERE updated_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tickets WHERE conversation_id IN
			(SELECT id FROM conversations WHERE updated_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to delete tickets: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete conversations: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit retention cleanup: %w", err)
	}

	s.logger.Info("Retention cleanup completed",
		zap.Int64("conversations_deleted", deleted),
		zap.Time("cutoff", cutoff))

	return deleted, nil
}

// Stats returns row counts for health reporting
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int)
	for _, table := range []string{"tenants", "conversations", "messages", "tickets"} {
		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}
