package model

import "time"

// Gender is restricted to the two values the registration form accepts.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Identity represents a user account as stored in the `identities` table.
// Email is kept normalized (trimmed, lower-cased) so the UNIQUE index is
// effectively case-insensitive.
//
// Fields:
//
//	ID               – ULID, generated server side and never reused.
//	Email            – unique, normalized email address.
//	PasswordHash     – encoded Argon2id (or legacy bcrypt) hash.
//	FailedLoginCount – consecutive failed logins since the last success or lockout.
//	LockoutEnd       – logins are refused until this instant (nil when not locked).
type Identity struct {
	ID               string     // identities.id
	Email            string     // identities.email
	PasswordHash     string     // identities.password_hash
	Name             string     // identities.name
	Photo            string     // identities.photo
	Gender           Gender     // identities.gender
	Dob              time.Time  // identities.dob
	CreatedAt        time.Time  // identities.created_at
	FailedLoginCount int        // identities.failed_login_count
	LockoutEnd       *time.Time // identities.lockout_end (nullable)
}

// LockedOut reports whether the identity is locked at now.
func (i Identity) LockedOut(now time.Time) bool {
	return i.LockoutEnd != nil && i.LockoutEnd.After(now)
}
