package model

import "time"

// DeliveryAttempt is one tracked unit of delivery work: (entry, recipient,
// channel) driven to a terminal status. Attempts are never silently
// discarded; the sweep re-evaluates every non-terminal row each cycle.
type DeliveryAttempt struct {
	ID          string
	EntryID     string
	PrincipalID string
	RecipientID string
	Channel     Channel
	Address     string
	Status      DeliveryStatus

	AttemptCount  int
	NextAttemptAt *time.Time // Wall-clock-anchored retry schedule.
	LastAttemptAt *time.Time
	DispatchID    string     // Gateway correlation id from the last send.
	OpenDeadline  *time.Time // Sent-but-unopened past this is unproven delivery.

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Escalation is an item on the human operator queue: a delivery that
// automation gave up on, a certificate awaiting manual review, or a
// keyholder who exhausted security-answer retries.
type Escalation struct {
	ID          string
	Kind        EscalationKind
	PrincipalID string
	SubjectID   string // Attempt id, session id, or keyholder id per Kind.
	Reason      string
	Resolved    bool
	ResolvedBy  string
	Note        string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}
