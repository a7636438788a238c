package store

import "time"

type User struct {
	ID                    string
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Thread types. GROUP threads are readable but this service exposes no
// creation path for them.
const (
	ThreadTypeDM    = "DM"
	ThreadTypeGroup = "GROUP"
)

type Thread struct {
	ID        string
	Type      string
	Members   []string
	GroupName string
	CreatedAt time.Time
}

type Message struct {
	ID        string
	ThreadID  string
	SenderUID string
	Text      string
	CreatedAt time.Time
}
