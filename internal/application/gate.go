package application

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/everkeep/everkeep/internal/domain/model"
)

// GateInput is everything the verification gate needs for one evaluation:
// the principal's configuration, the stored secrets, the session's prior
// progress, and the evidence submitted this round.
type GateInput struct {
	StrictMode bool
	AnswerHash string // bcrypt hash of the normalized security answer.
	OTPHash    string // bcrypt hash of the session's one-time code.
	Session    model.VerificationSession
	Evidence   model.Evidence
	Now        time.Time
}

// EvaluateGate runs the four ordered hard gates: security answer, identity
// proof, strict-mode certificate, explicit consent. Failure of any step
// halts progression; later steps are never reached early. The gate is a
// pure function: it keeps no state and performs no I/O, returning the
// decision together with the session progress the caller must persist.
func EvaluateGate(in GateInput) (model.GateDecision, model.VerificationSession) {
	sess := in.Session

	// Step 1: security-question answer.
	if !sess.AnswerVerified {
		answer := normalizeAnswer(in.Evidence.SecurityAnswer)
		if answer == "" {
			return decision(model.GatePending, model.ReasonAnswerRequired), sess
		}
		if bcrypt.CompareHashAndPassword([]byte(in.AnswerHash), []byte(answer)) != nil {
			return decision(model.GateRejected, model.ReasonWrongAnswer), sess
		}
		sess.AnswerVerified = true
	}

	// Step 2: identity confirmation. One-time code match, or a submitted
	// identity document flagged for authenticity review.
	if !sess.IdentityVerified {
		switch {
		case in.Evidence.OTPCode != "":
			if bcrypt.CompareHashAndPassword([]byte(in.OTPHash), []byte(strings.TrimSpace(in.Evidence.OTPCode))) != nil {
				return decision(model.GateRejected, model.ReasonIdentityMismatch), sess
			}
			sess.IdentityVerified = true

		case sess.IdentityDocStatus == model.CertificateAccepted:
			sess.IdentityVerified = true

		case sess.IdentityDocStatus == model.CertificateRejected:
			return decision(model.GateRejected, model.ReasonIdentityRejected), sess

		case sess.IdentityDocStatus == model.CertificatePending:
			return decision(model.GatePending, model.ReasonIdentityReview), sess

		case in.Evidence.IdentityDocRef != "":
			sess.IdentityDocRef = in.Evidence.IdentityDocRef
			sess.IdentityDocStatus = model.CertificatePending
			return decision(model.GatePending, model.ReasonIdentityReview), sess

		default:
			return decision(model.GatePending, model.ReasonIdentityRequired), sess
		}
	}

	// Step 3: strict mode requires an accepted death certificate.
	if in.StrictMode {
		switch sess.CertificateStatus {
		case model.CertificateAccepted:
			// Proceed.
		case model.CertificateRejected:
			return decision(model.GateRejected, model.ReasonCertificateRejected), sess
		case model.CertificatePending:
			return decision(model.GatePending, model.ReasonCertificatePending), sess
		default:
			if in.Evidence.CertificateRef == "" {
				return decision(model.GatePending, model.ReasonCertificateRequired), sess
			}
			sess.CertificateRef = in.Evidence.CertificateRef
			sess.CertificateStatus = model.CertificatePending
			return decision(model.GatePending, model.ReasonCertificatePending), sess
		}
	}

	// Step 4: explicit, timestamped consent acknowledgment.
	if sess.ConsentAt == nil {
		if !in.Evidence.Consent {
			return decision(model.GatePending, model.ReasonConsentRequired), sess
		}
		consentAt := in.Now
		sess.ConsentAt = &consentAt
	}

	return decision(model.GateAuthorized, model.ReasonAuthorized), sess
}

func decision(result model.GateResult, reason string) model.GateDecision {
	return model.GateDecision{Result: result, ReasonCode: reason}
}

// normalizeAnswer lower-cases and trims a security answer so matching is
// case-insensitive but otherwise exact.
func normalizeAnswer(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}
