package model

import "time"

// Principal is the user whose legacy vault the protocol protects. All
// time-based transitions are anchored on the absolute timestamps stored
// here, never on in-process countdowns, so evaluation is resumable after a
// restart.
type Principal struct {
	ID            string
	Name          string
	State         LivenessState
	StateVersion  int64 // Optimistic concurrency token; bumped on every state write.
	Frequency     CheckFrequency
	CheckInWindow time.Duration // How long a pulse check stays answerable.
	GracePeriod   time.Duration
	StrictMode    bool // Requires a death certificate at the verification gate.
	ContactEmail  string

	LastAliveAt      time.Time  // Last confirmed check-in.
	NextCheckInAt    *time.Time // Set while State == active.
	CheckInExpiresAt *time.Time // Set while State == pending_checkin.
	GraceExpiresAt   *time.Time // Set while State == grace_period.
	ReleasedAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Sealed reports whether the vault contents are frozen. Entries and
// recipients may not be mutated once keyholders have been contacted.
func (p Principal) Sealed() bool {
	switch p.State {
	case StateVerifierNotified, StateVerificationInProgress, StateReleased:
		return true
	}
	return false
}

// AggregateStatus is the only status detail ever shown to a Principal.
// Internal retry and escalation mechanics are never surfaced.
func (p Principal) AggregateStatus() string {
	switch p.State {
	case StateVerifierNotified, StateVerificationInProgress:
		return "Pending Review"
	case StateReleased:
		return "Released"
	default:
		return "Active"
	}
}
