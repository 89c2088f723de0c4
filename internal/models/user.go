package models

import (
	"time"

	"github.com/google/uuid"
)

// Reader access tiers.
const (
	TierFree     = "free"
	TierComplete = "complete"
)

// User is a reader account. OwnedChapters is a monotonically growing set:
// entitlement grants only ever union chapter ids into it, never remove them.
type User struct {
	ID            uuid.UUID `json:"id"`
	Email         string    `json:"email"`
	DisplayName   string    `json:"display_name"`
	PasswordHash  string    `json:"-"`
	Tier          string    `json:"tier"`
	OwnedChapters []int32   `json:"owned_chapters"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OwnsChapter reports whether the user already owns the given chapter.
func (u *User) OwnsChapter(id int32) bool {
	for _, c := range u.OwnedChapters {
		if c == id {
			return true
		}
	}
	return false
}
