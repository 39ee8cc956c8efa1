// Package queue defines the audit events the credential service emits and
// the RabbitMQ publisher and consumer that carry them.
package queue

import "time"

// Event types.
const (
	EventRegistered     = "identity.registered"
	EventLoginSucceeded = "login.succeeded"
	EventLoginFailed    = "login.failed"
	EventLockedOut      = "login.locked_out"
	EventRotated        = "refresh.rotated"
	EventReuseDetected  = "refresh.reuse_detected"
	EventRevoked        = "refresh.revoked"
	EventRevokedAll     = "refresh.revoked_all"
)

// AuthEvent is published after a credential operation.  It carries enough
// information for an audit trail without any secret material: emails and
// addresses are masked before they are placed on the wire.
type AuthEvent struct {
	Type       string `json:"type"`
	IdentityID string `json:"identity_id,omitempty"`
	Email      string `json:"email,omitempty"`
	IP         string `json:"ip,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Revoked    int    `json:"revoked,omitempty"`
	OccurredAt string `json:"occurred_at"`
}

// NewAuthEvent returns an event of type typ stamped with at in RFC 3339.
func NewAuthEvent(typ string, at time.Time) AuthEvent {
	return AuthEvent{Type: typ, OccurredAt: at.UTC().Format(time.RFC3339)}
}
