package user

import "time"

// User is the persisted identity row. Rows are created by the identity-sync
// endpoint on first login; the id is the stable subject assigned by the
// identity provider.
type User struct {
	ID          string     `db:"id" json:"id"`
	Email       string     `db:"email" json:"email"`
	DisplayName string     `db:"display_name" json:"name"`
	ImageURL    *string    `db:"image_url" json:"image,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	LastSeenAt  *time.Time `db:"last_seen_at" json:"lastSeen,omitempty"`
}

// SyncInput is the identity payload the front-door forwards after login.
type SyncInput struct {
	ID    string  `json:"id"`
	Email string  `json:"email"`
	Name  string  `json:"name"`
	Image *string `json:"image"`
}
