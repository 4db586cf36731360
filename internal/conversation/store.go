package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// NewMemberRow is a member to insert at creation time.
type NewMemberRow struct {
	UserID string
	Role   string
}

// Create inserts the conversation and its member rows in one transaction.
func (s *Store) Create(ctx context.Context, id string, isGroup bool, name *string, members []NewMemberRow) (*Conversation, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var conv Conversation
	err = tx.GetContext(ctx, &conv, `
		INSERT INTO conversations (id, is_group, name)
		VALUES ($1, $2, $3)
		RETURNING id, is_group, name, created_at, updated_at`,
		id, isGroup, name)
	if err != nil {
		return nil, fmt.Errorf("failed to insert conversation: %w", err)
	}

	for _, m := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, role)
			VALUES ($1, $2, $3)`,
			id, m.UserID, m.Role); err != nil {
			return nil, fmt.Errorf("failed to insert member %s: %w", m.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit conversation: %w", err)
	}

	return &conv, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := s.db.GetContext(ctx, &conv, `
		SELECT id, is_group, name, created_at, updated_at
		FROM conversations WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &conv, nil
}

// FindDirectBetween returns the direct conversation whose member set equals
// exactly {a, b}. The strict set-equality (two members, both present, not a
// group) keeps groups containing the pair out of the result.
func (s *Store) FindDirectBetween(ctx context.Context, a, b string) (*Conversation, error) {
	var conv Conversation
	err := s.db.GetContext(ctx, &conv, `
		SELECT c.id, c.is_group, c.name, c.created_at, c.updated_at
		FROM conversations c
		WHERE c.is_group = FALSE
		  AND (SELECT COUNT(*) FROM conversation_members m WHERE m.conversation_id = c.id) = 2
		  AND EXISTS (SELECT 1 FROM conversation_members m WHERE m.conversation_id = c.id AND m.user_id = $1)
		  AND EXISTS (SELECT 1 FROM conversation_members m WHERE m.conversation_id = c.id AND m.user_id = $2)
		LIMIT 1`, a, b)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find direct conversation: %w", err)
	}
	return &conv, nil
}

func (s *Store) ListMembers(ctx context.Context, conversationID string) ([]Member, error) {
	members := []Member{}
	err := s.db.SelectContext(ctx, &members, `
		SELECT cm.conversation_id, cm.user_id, cm.role, cm.joined_at,
		       u.display_name, u.email, u.image_url
		FROM conversation_members cm
		JOIN users u ON u.id = cm.user_id
		WHERE cm.conversation_id = $1
		ORDER BY cm.joined_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return members, nil
}

func (s *Store) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_members
			WHERE conversation_id = $1 AND user_id = $2
		)`, conversationID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return exists, nil
}

func (s *Store) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	conversations := []Conversation{}
	err := s.db.SelectContext(ctx, &conversations, `
		SELECT c.id, c.is_group, c.name, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_members cm ON cm.conversation_id = c.id
		WHERE cm.user_id = $1
		ORDER BY c.updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return conversations, nil
}

// ListMembersBulk loads the member rows of many conversations in one query.
func (s *Store) ListMembersBulk(ctx context.Context, conversationIDs []string) ([]Member, error) {
	members := []Member{}
	err := s.db.SelectContext(ctx, &members, `
		SELECT cm.conversation_id, cm.user_id, cm.role, cm.joined_at,
		       u.display_name, u.email, u.image_url
		FROM conversation_members cm
		JOIN users u ON u.id = cm.user_id
		WHERE cm.conversation_id = ANY($1)
		ORDER BY cm.joined_at ASC`, pq.Array(conversationIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return members, nil
}

// LastMessages returns the newest message per conversation.
func (s *Store) LastMessages(ctx context.Context, conversationIDs []string) ([]LastMessage, error) {
	messages := []LastMessage{}
	err := s.db.SelectContext(ctx, &messages, `
		SELECT DISTINCT ON (m.conversation_id)
		       m.id, m.conversation_id, m.sender_id, u.display_name AS sender_name,
		       m.content, m.type, m.media_path, m.created_at
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = ANY($1)
		ORDER BY m.conversation_id, m.created_at DESC`, pq.Array(conversationIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load last messages: %w", err)
	}
	return messages, nil
}

// IsNotFound reports whether a store error means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
