package auth

import "time"

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
}

// otpRecord is the JSON blob kept in the expiring store under
// otp:<email>. ExpiresAt duplicates the store TTL so validation can
// reject stale codes even if the store returns a not-yet-swept record.
type otpRecord struct {
	Code      string `json:"code"`
	ExpiresAt int64  `json:"expires_at"`
}
