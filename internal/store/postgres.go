package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/emberworks/chatbridge/internal/config"
)

// Postgres implements Store on database/sql.
type Postgres struct {
	db *sql.DB

	conversations *pgConversations
	messages      *pgMessages
}

// InitDatabase opens the connection pool, verifies it, and runs migrations.
func InitDatabase(databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.AppConfig.DBMaxOpenConns)
	db.SetMaxIdleConns(config.AppConfig.DBMaxIdleConns)
	db.SetConnMaxIdleTime(time.Duration(config.AppConfig.DBConnMaxIdleTime) * time.Minute)
	db.SetConnMaxLifetime(time.Duration(config.AppConfig.DBConnMaxLifetime) * time.Minute)

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Run migrations
	if err := RunMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Postgres{
		db:            db,
		conversations: &pgConversations{db: db},
		messages:      &pgMessages{db: db},
	}, nil
}

func (p *Postgres) Conversations() ConversationStore { return p.conversations }
func (p *Postgres) Messages() MessageStore           { return p.messages }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }

type pgConversations struct {
	db *sql.DB
}

func (s *pgConversations) Create(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = conv.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, model, system_prompt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		conv.ID, conv.UserID, conv.Title, conv.Model, conv.SystemPrompt, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

func (s *pgConversations) GetByID(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, model, system_prompt, created_at, updated_at
		FROM conversations WHERE id = $1`, id)

	var conv Conversation
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Model, &conv.SystemPrompt, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return &conv, nil
}

func (s *pgConversations) ListForUser(ctx context.Context, userID string, page Page) ([]Conversation, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, model, system_prompt, created_at, updated_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Model, &conv.SystemPrompt, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (s *pgConversations) UpdateTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = $2, updated_at = now() WHERE id = $1`, id, title)
	if err != nil {
		return fmt.Errorf("failed to update title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type pgMessages struct {
	db *sql.DB
}

func (s *pgMessages) Insert(ctx context.Context, msg *Message) (*Message, error) {
	if msg.Content == "" || len(msg.Content) > MaxContentLength {
		return nil, ErrInvalidContent
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var metadata any
	if msg.Metadata != nil {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = raw
	}

	var userID any
	if msg.UserID != "" {
		userID = msg.UserID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, user_id, role, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ConversationID, userID, msg.Role, msg.Content, metadata, msg.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrDuplicateID
		}
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = $2 WHERE id = $1`,
		msg.ConversationID, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message insert: %w", err)
	}
	return msg, nil
}

func (s *pgMessages) ListForConversation(ctx context.Context, conversationID string, limit int, dir Direction) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	order := "ASC"
	if dir == DirectionBackward {
		order = "DESC"
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, conversation_id, user_id, role, content, metadata, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at %s, id %s
		LIMIT $2`, order, order), conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			msg    Message
			userID sql.NullString
			raw    []byte
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &userID, &msg.Role, &msg.Content, &raw, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.UserID = userID.String
		if len(raw) > 0 {
			var md MessageMetadata
			if err := json.Unmarshal(raw, &md); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
			msg.Metadata = &md
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *pgMessages) UpdateMetadata(ctx context.Context, messageID string, md MessageMetadata) (*Message, error) {
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE messages SET metadata = $2 WHERE id = $1
		RETURNING id, conversation_id, user_id, role, content, created_at`,
		messageID, raw)

	var (
		msg    Message
		userID sql.NullString
	)
	err = row.Scan(&msg.ID, &msg.ConversationID, &userID, &msg.Role, &msg.Content, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update metadata: %w", err)
	}
	msg.UserID = userID.String
	msg.Metadata = &md
	return &msg, nil
}
