package model

import "time"

// Keyholder is a person trusted to confirm the Principal's status and
// authorize release. A keyholder has no access to vault content, only
// authorization capability.
type Keyholder struct {
	ID          string
	PrincipalID string
	Name        string
	Email       string
	Phone       string

	// AnswerHash is the bcrypt hash of the agreed security-question answer,
	// normalized to lower case before hashing.
	AnswerHash string

	// FailedAnswers counts consecutive wrong security answers. Three in a
	// row triggers a timed lockout; five flags the keyholder for human
	// review instead of a silent permanent lockout.
	FailedAnswers int
	LockedUntil   *time.Time
	ReviewFlagged bool

	CreatedAt time.Time
}

// LockedAt reports whether the keyholder is inside a lockout window.
func (k Keyholder) LockedAt(now time.Time) bool {
	return k.LockedUntil != nil && now.Before(*k.LockedUntil)
}
