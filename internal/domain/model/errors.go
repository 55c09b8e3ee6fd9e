package model

import "errors"

var (
	// ErrNotFound is returned by stores when no row matches.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an optimistic state write loses the
	// compare-and-swap race. Callers re-read and re-evaluate.
	ErrConflict = errors.New("state version conflict")

	// ErrTerminalState is returned for liveness operations on a released vault.
	ErrTerminalState = errors.New("vault is released")

	// ErrVaultSealed is returned when entries or recipients are mutated after
	// escalation to keyholders has begun.
	ErrVaultSealed = errors.New("vault is sealed")

	// ErrSessionActive is returned when a second keyholder tries to engage
	// while a verification session is already in progress.
	ErrSessionActive = errors.New("verification session already in progress")

	// ErrNoSession is returned when evidence arrives for a session that is
	// no longer active.
	ErrNoSession = errors.New("no active verification session")

	// ErrKeyholderLocked is returned while a keyholder is in a temporary
	// lockout after repeated failed security answers.
	ErrKeyholderLocked = errors.New("keyholder temporarily locked out")

	// ErrNoKeyholders is returned when an escalation would fire for a
	// principal with no configured keyholders.
	ErrNoKeyholders = errors.New("principal has no keyholders")

	// ErrNotEscalated is returned when a keyholder tries to engage before
	// the grace period has expired.
	ErrNotEscalated = errors.New("principal is not awaiting verification")
)
