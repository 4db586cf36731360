package message

import (
	"encoding/json"
	"time"
)

const (
	TypeText  = "text"
	TypeImage = "image"
	TypeVideo = "video"
)

type Message struct {
	ID             string           `db:"id" json:"id"`
	ConversationID string           `db:"conversation_id" json:"conversationId"`
	SenderID       string           `db:"sender_id" json:"senderId"`
	Content        *string          `db:"content" json:"content,omitempty"`
	Type           string           `db:"type" json:"type"`
	MediaPath      *string          `db:"media_path" json:"mediaPath,omitempty"`
	MediaMeta      *json.RawMessage `db:"media_meta" json:"mediaMeta,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"createdAt"`
}

// Status is one member's delivery state for one message. Stamps only move
// from null to a time, never back and never forward again.
type Status struct {
	MessageID   string     `db:"message_id" json:"messageId"`
	UserID      string     `db:"user_id" json:"userId"`
	DeliveredAt *time.Time `db:"delivered_at" json:"deliveredAt,omitempty"`
	ReadAt      *time.Time `db:"read_at" json:"readAt,omitempty"`
}

// View is a message with the sender profile joined, as the API returns it and
// the gateway broadcasts it. Statuses are attached on single-message reads.
type View struct {
	Message
	SenderName  string   `db:"sender_name" json:"senderName"`
	SenderImage *string  `db:"sender_image" json:"senderImage,omitempty"`
	Statuses    []Status `db:"-" json:"statuses,omitempty"`
}

// SendInput is the send payload, shared by the REST handler and the socket
// gateway. MediaURL carries the blob path issued at upload time.
type SendInput struct {
	ConversationID string          `json:"conversationId"`
	Type           string          `json:"type"`
	Content        string          `json:"content"`
	MediaURL       string          `json:"mediaUrl"`
	MediaMeta      json.RawMessage `json:"mediaMeta,omitempty"`
}

// Page is one slice of a conversation's history, newest first. NextCursor is
// the oldest createdAt on the page and is only set when the page was full.
type Page struct {
	Messages   []View     `json:"messages"`
	NextCursor *time.Time `json:"nextCursor"`
	HasMore    bool       `json:"hasMore"`
}
