package model

import "time"

// VerificationSession tracks one keyholder's progress through the
// verification gate. The gate itself is stateless; all progress lives here,
// owned by the liveness state machine. At most one session per principal is
// active at a time.
type VerificationSession struct {
	ID          string
	PrincipalID string
	KeyholderID string
	State       SessionState

	// OTPHash is the bcrypt hash of the one-time code sent to the keyholder
	// when the session was opened.
	OTPHash string

	AnswerVerified   bool
	IdentityVerified bool
	// IdentityDocRef and IdentityDocStatus track the document fallback when
	// the keyholder cannot use the one-time code.
	IdentityDocRef    string
	IdentityDocStatus CertificateStatus
	// CertificateRef and CertificateStatus track the strict-mode death
	// certificate; "pending" until a human reviewer accepts or rejects it.
	CertificateRef    string
	CertificateStatus CertificateStatus
	ConsentAt         *time.Time

	StartedAt     time.Time
	IdleExpiresAt time.Time // Refreshed on every evidence submission.
	EndedAt       *time.Time
}

// IdleExpired reports whether the session sat unused past its idle window.
func (s VerificationSession) IdleExpired(now time.Time) bool {
	return s.State == SessionActive && !now.Before(s.IdleExpiresAt)
}

// CertificateStatus is the manual-review outcome for a strict-mode
// certificate upload.
type CertificateStatus string

const (
	CertificateNone     CertificateStatus = ""
	CertificatePending  CertificateStatus = "pending"
	CertificateAccepted CertificateStatus = "accepted"
	CertificateRejected CertificateStatus = "rejected"
)

// Evidence is what a keyholder submits against the gate in one step. Zero
// values mean "not provided this round"; prior progress is kept on the
// session.
type Evidence struct {
	SecurityAnswer string
	OTPCode        string
	IdentityDocRef string
	CertificateRef string
	Consent        bool
}

// GateDecision is the outcome of one gate evaluation, with a stable reason
// code for the keyholder UI. Raw errors are never surfaced.
type GateDecision struct {
	Result     GateResult
	ReasonCode string
}

// Reason codes returned by the verification gate.
const (
	ReasonAuthorized          = "authorized"
	ReasonAnswerRequired      = "security_answer_required"
	ReasonWrongAnswer         = "security_answer_mismatch"
	ReasonAnswerLockout       = "security_answer_lockout"
	ReasonIdentityRequired    = "identity_proof_required"
	ReasonIdentityMismatch    = "identity_code_mismatch"
	ReasonIdentityReview      = "identity_document_under_review"
	ReasonIdentityRejected    = "identity_document_rejected"
	ReasonCertificateRequired = "certificate_required"
	ReasonCertificatePending  = "certificate_under_review"
	ReasonCertificateRejected = "certificate_rejected"
	ReasonConsentRequired     = "consent_required"
)
