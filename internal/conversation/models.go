package conversation

import "time"

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

type Conversation struct {
	ID        string    `db:"id" json:"id"`
	IsGroup   bool      `db:"is_group" json:"isGroup"`
	Name      *string   `db:"name" json:"name,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Member is a membership row with the user profile joined for display.
type Member struct {
	ConversationID string    `db:"conversation_id" json:"-"`
	UserID         string    `db:"user_id" json:"userId"`
	Role           string    `db:"role" json:"role"`
	JoinedAt       time.Time `db:"joined_at" json:"joinedAt"`
	DisplayName    string    `db:"display_name" json:"name"`
	Email          string    `db:"email" json:"email"`
	ImageURL       *string   `db:"image_url" json:"image,omitempty"`
}

// LastMessage is the newest message summary attached to a conversation view.
type LastMessage struct {
	ID             string    `db:"id" json:"id"`
	ConversationID string    `db:"conversation_id" json:"-"`
	SenderID       string    `db:"sender_id" json:"senderId"`
	SenderName     string    `db:"sender_name" json:"senderName"`
	Content        *string   `db:"content" json:"content,omitempty"`
	Type           string    `db:"type" json:"type"`
	MediaPath      *string   `db:"media_path" json:"mediaPath,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

// View is what the API returns: the conversation, its members, and the most
// recent message when one exists.
type View struct {
	Conversation
	Members     []Member     `json:"members"`
	LastMessage *LastMessage `json:"lastMessage,omitempty"`
}

// CreateInput is the creation payload. UserIDs are the other members; the
// actor is implied by the credential.
type CreateInput struct {
	UserIDs []string `json:"userIds"`
	IsGroup bool     `json:"isGroup"`
	Name    string   `json:"name"`
}
