package model

import "time"

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`

	// PublicKey is the base64 SPKI-encoded RSA public key published to the
	// directory. Empty until the user's device has generated a key pair.
	// The matching private key never leaves the device.
	PublicKey string `json:"-"`

	LastSeenAt time.Time `json:"last_seen_at"`
	IsOnline   bool      `json:"is_online"`
	CreatedAt  time.Time `json:"created_at"`
}

type UserPublic struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Email      string    `json:"email"`
	IsOnline   bool      `json:"is_online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:         u.ID,
		Username:   u.Username,
		Email:      u.Email,
		IsOnline:   u.IsOnline,
		LastSeenAt: u.LastSeenAt,
	}
}
