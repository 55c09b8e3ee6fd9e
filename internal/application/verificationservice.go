package application

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/everkeep/everkeep/internal/domain/model"
	"github.com/everkeep/everkeep/internal/domain/port/driven"
	"github.com/everkeep/everkeep/internal/ids"
	"github.com/everkeep/everkeep/internal/obs"
	"github.com/everkeep/everkeep/internal/token"
)

const (
	// Three consecutive wrong answers lock the keyholder out for a while;
	// five flag them for human review instead of a silent permanent lock.
	answerLockoutThreshold = 3
	answerReviewThreshold  = 5
	answerLockoutDuration  = 15 * time.Minute

	// Session tokens outlive the idle window; real expiry is the session's.
	sessionTokenTTL = 24 * time.Hour
)

// VerificationService runs the keyholder side of the protocol: engaging a
// verification session (first keyholder wins), feeding evidence through the
// stateless gate, and triggering release exactly once on authorization.
type VerificationService struct {
	principals  driven.PrincipalStore
	keyholders  driven.KeyholderStore
	sessions    driven.SessionStore
	escalations driven.DeliveryStore
	delivery    *DeliveryService
	notifier    driven.Notifier
	audit       driven.AuditLog
	signer      *token.Signer
	idleTimeout time.Duration
}

// NewVerificationService creates a VerificationService with all required
// dependencies.
func NewVerificationService(
	principals driven.PrincipalStore,
	keyholders driven.KeyholderStore,
	sessions driven.SessionStore,
	escalations driven.DeliveryStore,
	delivery *DeliveryService,
	notifier driven.Notifier,
	audit driven.AuditLog,
	signer *token.Signer,
	idleTimeout time.Duration,
) *VerificationService {
	return &VerificationService{
		principals:  principals,
		keyholders:  keyholders,
		sessions:    sessions,
		escalations: escalations,
		delivery:    delivery,
		notifier:    notifier,
		audit:       audit,
		signer:      signer,
		idleTimeout: idleTimeout,
	}
}

// Engage opens a verification session for the keyholder and returns the
// signed session token for the verify link. Exactly one session can be
// active per principal: the session store's uniqueness guarantee plus the
// version check on the state transition make the second of two racing
// keyholders lose cleanly with ErrSessionActive.
func (s *VerificationService) Engage(ctx context.Context, keyholderID string, now time.Time) (string, error) {
	kh, err := s.keyholders.GetByID(ctx, keyholderID)
	if err != nil {
		return "", err
	}
	if kh.ReviewFlagged || kh.LockedAt(now) {
		return "", model.ErrKeyholderLocked
	}

	p, err := s.principals.GetByID(ctx, kh.PrincipalID)
	if err != nil {
		return "", err
	}
	switch p.State {
	case model.StateVerifierNotified:
		// Engagement is open.
	case model.StateVerificationInProgress:
		return "", model.ErrSessionActive
	case model.StateReleased:
		return "", model.ErrTerminalState
	default:
		return "", model.ErrNotEscalated
	}

	otp, otpHash, err := newOTP()
	if err != nil {
		return "", fmt.Errorf("generate one-time code: %w", err)
	}

	sess := model.VerificationSession{
		ID:            uuid.NewString(),
		PrincipalID:   p.ID,
		KeyholderID:   kh.ID,
		State:         model.SessionActive,
		OTPHash:       otpHash,
		StartedAt:     now,
		IdleExpiresAt: now.Add(s.idleTimeout),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return "", err
	}

	from := p.State
	p.State = model.StateVerificationInProgress
	if err := s.principals.UpdateState(ctx, p); err != nil {
		// Lost the race (late check-in or a competing engagement). Release
		// the session slot rather than leaving it to dangle.
		ended := now
		sess.State = model.SessionAborted
		sess.EndedAt = &ended
		if uerr := s.sessions.Update(ctx, sess); uerr != nil {
			slog.Error("session rollback failed", "session", sess.ID, "error", uerr)
		}
		if errors.Is(err, model.ErrConflict) {
			return "", model.ErrSessionActive
		}
		return "", err
	}
	obs.RecordTransition(string(from), string(p.State))

	if _, err := s.notifier.Send(ctx, model.ChannelEmail, kh.Email, "verification-code/"+sess.ID+"/"+otp); err != nil {
		slog.Error("one-time code notification failed", "keyholder", kh.ID, "error", err)
	}

	signed, err := s.signer.Sign(sess.ID, kh.ID, p.ID, sessionTokenTTL)
	if err != nil {
		return "", err
	}

	_ = s.audit.Emit(ctx, "verification_engaged", p.ID, map[string]any{
		"session_id":   sess.ID,
		"keyholder_id": kh.ID,
	})
	return signed, nil
}

// Submit feeds one round of evidence through the gate. Pending keeps the
// session open and refreshes its idle window; Rejected ends the session and
// returns the principal to verifier_notified so anyone may retry;
// Authorized releases the vault and starts delivery.
func (s *VerificationService) Submit(ctx context.Context, rawToken string, ev model.Evidence, now time.Time) (model.GateDecision, error) {
	claims, err := s.signer.Parse(rawToken)
	if err != nil {
		return model.GateDecision{}, err
	}

	sess, err := s.sessions.GetByID(ctx, claims.Subject)
	if err != nil {
		return model.GateDecision{}, err
	}
	if sess.State != model.SessionActive || sess.KeyholderID != claims.KeyholderID {
		return model.GateDecision{}, model.ErrNoSession
	}

	p, err := s.principals.GetByID(ctx, sess.PrincipalID)
	if err != nil {
		return model.GateDecision{}, err
	}
	if p.State != model.StateVerificationInProgress {
		// The principal checked in since engagement; the session is dead.
		return model.GateDecision{}, model.ErrNoSession
	}

	if sess.IdleExpired(now) {
		if err := s.endSession(ctx, &sess, model.SessionExpired, now); err != nil {
			return model.GateDecision{}, err
		}
		if err := s.returnToNotified(ctx, p); err != nil {
			return model.GateDecision{}, err
		}
		return model.GateDecision{}, model.ErrNoSession
	}

	kh, err := s.keyholders.GetByID(ctx, sess.KeyholderID)
	if err != nil {
		return model.GateDecision{}, err
	}
	if kh.ReviewFlagged || kh.LockedAt(now) {
		return model.GateDecision{}, model.ErrKeyholderLocked
	}

	dec, updated := EvaluateGate(GateInput{
		StrictMode: p.StrictMode,
		AnswerHash: kh.AnswerHash,
		OTPHash:    sess.OTPHash,
		Session:    sess,
		Evidence:   ev,
		Now:        now,
	})
	obs.RecordGateDecision(string(dec.Result))

	if newlyVerified := updated.AnswerVerified && !sess.AnswerVerified; newlyVerified && kh.FailedAnswers > 0 {
		kh.FailedAnswers = 0
		kh.LockedUntil = nil
		if err := s.keyholders.UpdateFailures(ctx, kh); err != nil {
			slog.Error("failed-answer reset failed", "keyholder", kh.ID, "error", err)
		}
	}

	// Review submissions go onto the operator queue the moment the gate
	// records them.
	if updated.IdentityDocStatus == model.CertificatePending && sess.IdentityDocStatus != model.CertificatePending {
		s.enqueueReview(ctx, model.EscalationIdentityReview, p.ID, updated.ID, "identity document submitted")
	}
	if updated.CertificateStatus == model.CertificatePending && sess.CertificateStatus != model.CertificatePending {
		s.enqueueReview(ctx, model.EscalationCertificateReview, p.ID, updated.ID, "death certificate submitted")
	}

	sess = updated
	_ = s.audit.Emit(ctx, "gate_decision", p.ID, map[string]any{
		"session_id":   sess.ID,
		"keyholder_id": kh.ID,
		"result":       string(dec.Result),
		"reason":       dec.ReasonCode,
	})

	switch dec.Result {
	case model.GatePending:
		sess.IdleExpiresAt = now.Add(s.idleTimeout)
		if err := s.sessions.Update(ctx, sess); err != nil {
			return model.GateDecision{}, err
		}
		return dec, nil

	case model.GateRejected:
		if dec.ReasonCode == model.ReasonWrongAnswer {
			if lockErr := s.recordWrongAnswer(ctx, kh, p.ID, now); lockErr != nil {
				slog.Error("wrong-answer accounting failed", "keyholder", kh.ID, "error", lockErr)
			}
		}
		if err := s.endSession(ctx, &sess, model.SessionAborted, now); err != nil {
			return model.GateDecision{}, err
		}
		if err := s.returnToNotified(ctx, p); err != nil {
			return model.GateDecision{}, err
		}
		return dec, nil

	case model.GateAuthorized:
		if err := s.release(ctx, p, &sess, now); err != nil {
			return model.GateDecision{}, err
		}
		return dec, nil

	default:
		return model.GateDecision{}, fmt.Errorf("unknown gate result %q", dec.Result)
	}
}

// release flips the principal to the terminal released state and starts
// delivery. The version check makes the trigger exactly-once: a concurrent
// authorizer loses the swap and never dispatches.
func (s *VerificationService) release(ctx context.Context, p model.Principal, sess *model.VerificationSession, now time.Time) error {
	from := p.State
	released := now
	p.State = model.StateReleased
	p.ReleasedAt = &released

	if err := s.principals.UpdateState(ctx, p); err != nil {
		return err
	}
	obs.RecordTransition(string(from), string(p.State))

	if err := s.endSession(ctx, sess, model.SessionCompleted, now); err != nil {
		return err
	}

	_ = s.audit.Emit(ctx, "vault_released", p.ID, map[string]any{
		"session_id":   sess.ID,
		"keyholder_id": sess.KeyholderID,
	})

	if err := s.delivery.Dispatch(ctx, p.ID, now); err != nil {
		// Attempts that failed to enqueue are picked up by the next
		// delivery sweep; release itself already committed.
		slog.Error("release dispatch failed", "principal", p.ID, "error", err)
	}
	return nil
}

// recordWrongAnswer advances the keyholder's failure counters and applies
// the lockout/review policy.
func (s *VerificationService) recordWrongAnswer(ctx context.Context, kh model.Keyholder, principalID string, now time.Time) error {
	kh.FailedAnswers++

	if kh.FailedAnswers >= answerReviewThreshold && !kh.ReviewFlagged {
		kh.ReviewFlagged = true
		s.enqueueReview(ctx, model.EscalationKeyholderReview, principalID, kh.ID,
			fmt.Sprintf("%d failed security answers", kh.FailedAnswers))
	} else if kh.FailedAnswers >= answerLockoutThreshold {
		until := now.Add(answerLockoutDuration)
		kh.LockedUntil = &until
	}

	return s.keyholders.UpdateFailures(ctx, kh)
}

func (s *VerificationService) enqueueReview(ctx context.Context, kind model.EscalationKind, principalID, subjectID, reason string) {
	esc := model.Escalation{
		ID:          ids.New(),
		Kind:        kind,
		PrincipalID: principalID,
		SubjectID:   subjectID,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.escalations.CreateEscalation(ctx, esc); err != nil {
		slog.Error("escalation enqueue failed", "kind", string(kind), "subject", subjectID, "error", err)
		return
	}
	_ = s.audit.Emit(ctx, "escalation_opened", principalID, map[string]any{
		"kind":       string(kind),
		"subject_id": subjectID,
		"reason":     reason,
	})
}

func (s *VerificationService) endSession(ctx context.Context, sess *model.VerificationSession, state model.SessionState, now time.Time) error {
	ended := now
	sess.State = state
	sess.EndedAt = &ended
	if err := s.sessions.Update(ctx, *sess); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (s *VerificationService) returnToNotified(ctx context.Context, p model.Principal) error {
	from := p.State
	p.State = model.StateVerifierNotified
	if err := s.principals.UpdateState(ctx, p); err != nil {
		return err
	}
	obs.RecordTransition(string(from), string(p.State))
	return nil
}

// newOTP returns a six-digit one-time code and its bcrypt hash.
func newOTP() (code string, hash string, err error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", "", err
	}
	code = fmt.Sprintf("%06d", n.Int64())

	h, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return code, string(h), nil
}
