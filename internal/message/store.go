package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const viewColumns = `
	m.id, m.conversation_id, m.sender_id, m.content, m.type,
	m.media_path, m.media_meta, m.created_at,
	u.display_name AS sender_name, u.image_url AS sender_image`

// NewMessage is the row to insert. CreatedAt is assigned by the database at
// commit time.
type NewMessage struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        *string
	Type           string
	MediaPath      *string
	MediaMeta      json.RawMessage
}

// CreateWithStatuses persists the message, one status row per member, and the
// conversation activity stamp in a single transaction. The sender's row is
// born delivered at exactly the message's creation time; everyone else starts
// with both stamps null.
func (s *Store) CreateWithStatuses(ctx context.Context, msg NewMessage, memberIDs []string) (*View, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var createdAt time.Time
	err = tx.GetContext(ctx, &createdAt, `
		INSERT INTO messages (id, conversation_id, sender_id, content, type, media_path, media_meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.Type, msg.MediaPath, metaParam(msg.MediaMeta))
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	for _, userID := range memberIDs {
		var deliveredAt *time.Time
		if userID == msg.SenderID {
			deliveredAt = &createdAt
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_statuses (message_id, user_id, delivered_at)
			VALUES ($1, $2, $3)`,
			msg.ID, userID, deliveredAt); err != nil {
			return nil, fmt.Errorf("failed to insert status for %s: %w", userID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = $2 WHERE id = $1`,
		msg.ConversationID, createdAt); err != nil {
		return nil, fmt.Errorf("failed to stamp conversation activity: %w", err)
	}

	var view View
	err = tx.GetContext(ctx, &view, `
		SELECT `+viewColumns+`
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.id = $1`, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load message view: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}

	return &view, nil
}

func (s *Store) GetViewByID(ctx context.Context, id string) (*View, error) {
	var view View
	err := s.db.GetContext(ctx, &view, `
		SELECT `+viewColumns+`
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return &view, nil
}

func (s *Store) ListStatuses(ctx context.Context, messageID string) ([]Status, error) {
	statuses := []Status{}
	err := s.db.SelectContext(ctx, &statuses, `
		SELECT message_id, user_id, delivered_at, read_at
		FROM message_statuses
		WHERE message_id = $1
		ORDER BY user_id ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list statuses: %w", err)
	}
	return statuses, nil
}

// ListPage returns up to limit messages of a conversation, newest first,
// strictly older than the cursor when one is given.
func (s *Store) ListPage(ctx context.Context, conversationID string, before *time.Time, limit int) ([]View, error) {
	views := []View{}
	var err error
	if before != nil {
		err = s.db.SelectContext(ctx, &views, `
			SELECT `+viewColumns+`
			FROM messages m
			JOIN users u ON u.id = m.sender_id
			WHERE m.conversation_id = $1 AND m.created_at < $2
			ORDER BY m.created_at DESC
			LIMIT $3`, conversationID, *before, limit)
	} else {
		err = s.db.SelectContext(ctx, &views, `
			SELECT `+viewColumns+`
			FROM messages m
			JOIN users u ON u.id = m.sender_id
			WHERE m.conversation_id = $1
			ORDER BY m.created_at DESC
			LIMIT $2`, conversationID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return views, nil
}

// MarkDelivered stamps the user's own status row if it is still unstamped.
// The conversation id in the WHERE clause keeps a receipt from landing on a
// message outside the conversation the client named.
func (s *Store) MarkDelivered(ctx context.Context, conversationID, messageID, userID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_statuses ms
		SET delivered_at = $4
		FROM messages m
		WHERE ms.message_id = $1
		  AND ms.user_id = $2
		  AND m.id = ms.message_id
		  AND m.conversation_id = $3
		  AND ms.delivered_at IS NULL`,
		messageID, userID, conversationID, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkRead stamps read, and delivered where still missing, on the user's
// status rows for the whole batch in one statement. Existing stamps are never
// overwritten, so repeating a batch is a no-op. Returns the ids that changed.
func (s *Store) MarkRead(ctx context.Context, conversationID string, messageIDs []string, userID string, at time.Time) ([]string, error) {
	updated := []string{}
	err := s.db.SelectContext(ctx, &updated, `
		UPDATE message_statuses ms
		SET delivered_at = COALESCE(ms.delivered_at, $4),
		    read_at      = COALESCE(ms.read_at, $4)
		FROM messages m
		WHERE ms.message_id = ANY($1)
		  AND ms.user_id = $2
		  AND m.id = ms.message_id
		  AND m.conversation_id = $3
		  AND (ms.delivered_at IS NULL OR ms.read_at IS NULL)
		RETURNING ms.message_id`,
		pq.Array(messageIDs), userID, conversationID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to mark read: %w", err)
	}
	return updated, nil
}

// metaParam passes media metadata as a text parameter so the driver lets the
// database cast it to jsonb, with empty metadata becoming NULL.
func metaParam(meta json.RawMessage) interface{} {
	if len(meta) == 0 {
		return nil
	}
	return string(meta)
}

// IsNotFound reports whether a store error means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
