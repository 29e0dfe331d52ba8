package models

import "time"

// Profile mirrors the identity provider's user record locally. The provider
// owns identity; this row is only ever upserted from verified claims.
type Profile struct {
	UserID    string    `json:"id"`
	Email     *string   `json:"email,omitempty"`
	FullName  *string   `json:"full_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
