package model

import "time"

// AuditEvent is one recorded protocol event on a principal's trail.
type AuditEvent struct {
	ID          string
	EventType   string
	PrincipalID string
	Payload     map[string]any
	CreatedAt   time.Time
}
