package model

import "time"

// LivenessState represents the position of a Principal's vault in the
// release protocol. Exactly one state applies to the whole vault at a time.
type LivenessState string

const (
	StateActive                 LivenessState = "active"
	StatePendingCheckIn         LivenessState = "pending_checkin"
	StateGracePeriod            LivenessState = "grace_period"
	StateVerifierNotified       LivenessState = "verifier_notified"
	StateVerificationInProgress LivenessState = "verification_in_progress"
	StateReleased               LivenessState = "released"
)

// IsTerminal reports whether no further liveness transitions are possible.
func (s LivenessState) IsTerminal() bool {
	return s == StateReleased
}

// CheckFrequency is how often a Principal is asked for a pulse check.
type CheckFrequency string

const (
	FrequencyWeekly  CheckFrequency = "weekly"
	FrequencyMonthly CheckFrequency = "monthly"
	FrequencyYearly  CheckFrequency = "yearly"
)

// Interval returns the wall-clock gap between scheduled pulse checks.
func (f CheckFrequency) Interval() time.Duration {
	switch f {
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	case FrequencyMonthly:
		return 30 * 24 * time.Hour
	case FrequencyYearly:
		return 365 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// Valid reports whether the frequency is one of the supported values.
func (f CheckFrequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
		return true
	}
	return false
}

// Channel is a contact channel a Recipient or Keyholder can be reached on.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// DeliveryStatus tracks one DeliveryAttempt through the guarantee engine.
type DeliveryStatus string

const (
	DeliveryPending            DeliveryStatus = "pending"
	DeliverySent               DeliveryStatus = "sent"
	DeliveryDelivered          DeliveryStatus = "delivered"
	DeliveryOpened             DeliveryStatus = "opened"
	DeliveryBounced            DeliveryStatus = "bounced"
	DeliveryPriorityEscalated  DeliveryStatus = "priority_escalated"
	DeliveryConfirmedDelivered DeliveryStatus = "confirmed_delivered"
)

// IsTerminal reports whether automation is done with the attempt. Only a
// confirmed delivery or a handoff to a human operator ends tracking.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryConfirmedDelivered || s == DeliveryPriorityEscalated
}

// GateResult is the outcome of one Verification Gate evaluation.
type GateResult string

const (
	GateAuthorized GateResult = "authorized"
	GateRejected   GateResult = "rejected"
	GatePending    GateResult = "pending"
)

// SessionState tracks a Keyholder verification session.
type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionExpired   SessionState = "expired"
	SessionAborted   SessionState = "aborted"
	SessionCompleted SessionState = "completed"
)

// EscalationKind classifies items on the human operator queue.
type EscalationKind string

const (
	EscalationDelivery          EscalationKind = "delivery"
	EscalationCertificateReview EscalationKind = "certificate_review"
	EscalationIdentityReview    EscalationKind = "identity_review"
	EscalationKeyholderReview   EscalationKind = "keyholder_review"
)
