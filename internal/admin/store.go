package admin

import (
	"context"
	"time"
)

// Store persists privileged accounts.
//
// RecordLoginFailure must be an atomic increment-and-compare against the
// backing store: the increment and the lockout decision happen in one
// conditional update, not read-modify-write, so parallel failed logins
// cannot skip past the threshold.
type Store interface {
	FindByID(ctx context.Context, id string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	Create(ctx context.Context, acct *Account) error
	Save(ctx context.Context, acct *Account) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, offset, limit int) ([]*Account, int, error)

	RecordLoginFailure(ctx context.Context, id string, threshold int, lockFor time.Duration) (attempts int, lockUntil *time.Time, err error)
	ResetLoginFailures(ctx context.Context, id string) error
}

// User is the ordinary application user as seen by the ban/unban operations.
type User struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Banned bool   `json:"banned"`
}

// UserDirectory is the collaborator consumed by ban/unban. The rest of the
// ordinary-user lifecycle lives outside this subsystem.
type UserDirectory interface {
	FindUser(ctx context.Context, id string) (*User, error)
	SetBanned(ctx context.Context, id string, banned bool) error
}

// Stats is the aggregate snapshot served by the analytics endpoint.
type Stats struct {
	Users       int `json:"users"`
	BannedUsers int `json:"banned_users"`
	Pages       int `json:"pages"`
	Admins      int `json:"admins"`
}

// StatsSource provides count/aggregate queries for analytics.
type StatsSource interface {
	Counts(ctx context.Context) (Stats, error)
}
