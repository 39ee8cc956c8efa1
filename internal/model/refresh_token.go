package model

import "time"

// RefreshToken models an entry in the `refresh_tokens` table.  The raw
// secret handed to the client is never stored; only its digest.  Rows are
// never deleted: a rotated row keeps ReplacedByHash pointing at its
// successor, which makes the table a linked list per login lineage.
//
// Fields:
//
//	ID             – ULID primary key.
//	TokenHash      – hex digest of the raw secret (unique).
//	OwnerID        – identity the token was issued to.
//	ExpiresAt      – the token is unusable at or after this instant.
//	IsRevoked      – set once, on rotation or explicit revoke.
//	RevokedAt      – when IsRevoked flipped (nil while active).
//	CreatedByIP    – caller address at issuance, for audit.
//	ReplacedByHash – digest of the successor after rotation (nil otherwise).
type RefreshToken struct {
	ID             string     // refresh_tokens.id
	TokenHash      string     // refresh_tokens.token_hash
	OwnerID        string     // refresh_tokens.owner_id
	ExpiresAt      time.Time  // refresh_tokens.expires_at
	IsRevoked      bool       // refresh_tokens.is_revoked
	RevokedAt      *time.Time // refresh_tokens.revoked_at (nullable)
	CreatedAt      time.Time  // refresh_tokens.created_at
	CreatedByIP    string     // refresh_tokens.created_by_ip
	ReplacedByHash *string    // refresh_tokens.replaced_by_hash (nullable)
}

// Active reports whether the token can still be exchanged at now.
func (t RefreshToken) Active(now time.Time) bool {
	return !t.IsRevoked && t.ExpiresAt.After(now)
}

// Rotated reports whether the token was revoked by a rotation, as opposed to
// an explicit revoke.
func (t RefreshToken) Rotated() bool {
	return t.IsRevoked && t.ReplacedByHash != nil
}
