package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/everkeep/everkeep/internal/domain/model"
	"github.com/everkeep/everkeep/internal/domain/port/driven"
	"github.com/everkeep/everkeep/internal/ids"
	"github.com/everkeep/everkeep/internal/obs"
)

// DeliveryService is the delivery guarantee engine. Once a vault is
// released it drives every (entry, recipient, channel) attempt to
// confirmed_delivered or hands it to a human as priority_escalated; nothing
// is ever silently dropped. Sends are at-least-once; deduplication is by
// attempt id, never by trusting the state machine.
type DeliveryService struct {
	store    driven.DeliveryStore
	vault    driven.VaultStore
	sessions driven.SessionStore
	khs      driven.KeyholderStore
	notifier driven.Notifier
	audit    driven.AuditLog

	maxAttempts int
	retryBase   time.Duration
	openWindow  time.Duration
	interval    time.Duration
}

// NewDeliveryService creates a DeliveryService with all required dependencies.
func NewDeliveryService(
	store driven.DeliveryStore,
	vault driven.VaultStore,
	sessions driven.SessionStore,
	khs driven.KeyholderStore,
	notifier driven.Notifier,
	audit driven.AuditLog,
	maxAttempts int,
	retryBase time.Duration,
	openWindow time.Duration,
	interval time.Duration,
) *DeliveryService {
	return &DeliveryService{
		store:       store,
		vault:       vault,
		sessions:    sessions,
		khs:         khs,
		notifier:    notifier,
		audit:       audit,
		maxAttempts: maxAttempts,
		retryBase:   retryBase,
		openWindow:  openWindow,
		interval:    interval,
	}
}

// Start begins the delivery sweep loop. Start blocks until the context is
// canceled.
func (s *DeliveryService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("delivery sweep stopped")
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx, time.Now().UTC()); err != nil {
				slog.Error("delivery sweep failed", "error", err)
			}
		}
	}
}

// Dispatch creates one pending attempt per verified channel of every
// recipient bound to every entry of the principal, then runs a sweep so the
// first sends go out immediately. Duplicate triples are absorbed by the
// store, so a re-run after a partial failure is safe. A recipient with no
// verified channel blocks only their own delivery and is escalated.
func (s *DeliveryService) Dispatch(ctx context.Context, principalID string, now time.Time) error {
	entries, err := s.vault.ListEntries(ctx, principalID)
	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}

	var created int
	for _, entry := range entries {
		for _, recipientID := range entry.Recipients {
			rec, err := s.vault.GetRecipient(ctx, recipientID)
			if err != nil {
				slog.Error("recipient lookup failed", "entry", entry.ID, "recipient", recipientID, "error", err)
				continue
			}

			channels := rec.VerifiedChannels()
			if len(channels) == 0 {
				s.escalateUnreachable(ctx, entry, rec)
				continue
			}

			for _, ca := range channels {
				next := now
				attempt := model.DeliveryAttempt{
					ID:            uuid.NewString(),
					EntryID:       entry.ID,
					PrincipalID:   principalID,
					RecipientID:   rec.ID,
					Channel:       ca.Channel,
					Address:       ca.Address,
					Status:        model.DeliveryPending,
					NextAttemptAt: &next,
					CreatedAt:     now,
					UpdatedAt:     now,
				}
				if err := s.store.CreateAttempt(ctx, attempt); err != nil {
					slog.Error("attempt create failed", "entry", entry.ID, "recipient", rec.ID, "channel", string(ca.Channel), "error", err)
					continue
				}
				created++
			}
		}
	}

	_ = s.audit.Emit(ctx, "delivery_dispatched", principalID, map[string]any{
		"entries":  len(entries),
		"attempts": created,
	})

	return s.SweepOnce(ctx, now)
}

// SweepOnce re-evaluates every non-terminal attempt: due pending rows are
// sent with exponential backoff, sent-but-unopened rows past the open
// window are escalated, opened rows are confirmed, bounced rows are
// escalated.
func (s *DeliveryService) SweepOnce(ctx context.Context, now time.Time) error {
	start := time.Now()

	attempts, err := s.store.ListNonTerminal(ctx, now)
	if err != nil {
		return fmt.Errorf("list non-terminal attempts: %w", err)
	}

	var sent, escalated, confirmed int
	for _, a := range attempts {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch a.Status {
		case model.DeliveryPending:
			outcome, err := s.trySend(ctx, a, now)
			if err != nil {
				slog.Error("attempt send failed", "attempt", a.ID, "error", err)
				continue
			}
			switch outcome {
			case "sent":
				sent++
			case "escalated":
				escalated++
			}

		case model.DeliverySent, model.DeliveryDelivered:
			if a.OpenDeadline != nil && !now.Before(*a.OpenDeadline) {
				// Transport said success but nobody opened it: that is
				// unproven delivery, not a success.
				if err := s.escalate(ctx, a, "unopened past confirmation window", now); err != nil {
					slog.Error("escalate failed", "attempt", a.ID, "error", err)
					continue
				}
				escalated++
			}

		case model.DeliveryOpened:
			a.Status = model.DeliveryConfirmedDelivered
			a.UpdatedAt = now
			if err := s.store.UpdateAttempt(ctx, a); err != nil {
				slog.Error("confirm failed", "attempt", a.ID, "error", err)
				continue
			}
			_ = s.audit.Emit(ctx, "delivery_confirmed", a.PrincipalID, map[string]any{"attempt_id": a.ID})
			confirmed++

		case model.DeliveryBounced:
			if err := s.escalate(ctx, a, "address bounced", now); err != nil {
				slog.Error("escalate failed", "attempt", a.ID, "error", err)
				continue
			}
			escalated++
		}
	}

	obs.ObserveSweep("delivery", time.Since(start))
	if len(attempts) > 0 {
		slog.Info("delivery sweep complete",
			"open", len(attempts),
			"sent", sent,
			"escalated", escalated,
			"confirmed", confirmed,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	}
	return nil
}

// trySend sends one due pending attempt. Bounces and exhausted retries
// escalate; transient failures reschedule with exponential backoff.
func (s *DeliveryService) trySend(ctx context.Context, a model.DeliveryAttempt, now time.Time) (string, error) {
	if a.NextAttemptAt == nil || now.Before(*a.NextAttemptAt) {
		return "waiting", nil
	}
	if a.AttemptCount >= s.maxAttempts {
		if err := s.escalate(ctx, a, "retries exhausted", now); err != nil {
			return "", err
		}
		return "escalated", nil
	}

	a.AttemptCount++
	last := now
	a.LastAttemptAt = &last
	a.UpdatedAt = now

	dispatchID, err := s.notifier.Send(ctx, a.Channel, a.Address, "entry/"+a.EntryID)
	switch {
	case errors.Is(err, driven.ErrBounce):
		obs.RecordDispatch(string(a.Channel), "bounce")
		if err := s.escalate(ctx, a, "address bounced", now); err != nil {
			return "", err
		}
		return "escalated", nil

	case err != nil:
		obs.RecordDispatch(string(a.Channel), "error")
		if a.AttemptCount >= s.maxAttempts {
			if err := s.escalate(ctx, a, "retries exhausted", now); err != nil {
				return "", err
			}
			return "escalated", nil
		}
		next := now.Add(s.backoff(a.AttemptCount))
		a.NextAttemptAt = &next
		if uerr := s.store.UpdateAttempt(ctx, a); uerr != nil {
			return "", uerr
		}
		_ = s.audit.Emit(ctx, "delivery_retry_scheduled", a.PrincipalID, map[string]any{
			"attempt_id": a.ID,
			"attempts":   a.AttemptCount,
			"next_at":    next.Format(time.RFC3339),
		})
		return "retrying", nil

	default:
		obs.RecordDispatch(string(a.Channel), "sent")
		a.Status = model.DeliverySent
		a.DispatchID = dispatchID
		a.NextAttemptAt = nil
		deadline := now.Add(s.openWindow)
		a.OpenDeadline = &deadline
		if err := s.store.UpdateAttempt(ctx, a); err != nil {
			return "", err
		}
		_ = s.audit.Emit(ctx, "delivery_sent", a.PrincipalID, map[string]any{
			"attempt_id":  a.ID,
			"dispatch_id": dispatchID,
			"channel":     string(a.Channel),
		})
		return "sent", nil
	}
}

// backoff returns the delay before retry n+1 after n failed sends,
// doubling from the base each time.
func (s *DeliveryService) backoff(attempts int) time.Duration {
	d := s.retryBase
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

// OnStatus handles a transport status callback from the gateway. Unknown
// dispatch ids return model.ErrNotFound; callbacks for attempts that have
// already reached a terminal state are ignored so repeated webhooks stay
// harmless.
func (s *DeliveryService) OnStatus(ctx context.Context, dispatchID, status string, now time.Time) error {
	a, err := s.store.GetAttemptByDispatchID(ctx, dispatchID)
	if err != nil {
		return err
	}
	if a.Status.IsTerminal() {
		return nil
	}

	var to model.DeliveryStatus
	switch status {
	case "sent":
		to = model.DeliverySent
	case "delivered":
		to = model.DeliveryDelivered
	case "opened":
		to = model.DeliveryOpened
	case "bounced":
		to = model.DeliveryBounced
	default:
		return fmt.Errorf("unknown gateway status %q", status)
	}

	from := a.Status
	a.Status = to
	a.UpdatedAt = now
	if err := s.store.UpdateAttempt(ctx, a); err != nil {
		return err
	}
	_ = s.audit.Emit(ctx, "delivery_status", a.PrincipalID, map[string]any{
		"attempt_id":  a.ID,
		"dispatch_id": dispatchID,
		"from":        string(from),
		"to":          string(to),
	})

	// Bounces escalate immediately rather than waiting for the next sweep.
	if to == model.DeliveryBounced {
		return s.escalate(ctx, a, "address bounced", now)
	}
	return nil
}

// escalate flips the attempt to priority_escalated and opens an operator
// queue item. Automation is done with it; a human is not.
func (s *DeliveryService) escalate(ctx context.Context, a model.DeliveryAttempt, reason string, now time.Time) error {
	a.Status = model.DeliveryPriorityEscalated
	a.NextAttemptAt = nil
	a.UpdatedAt = now
	if err := s.store.UpdateAttempt(ctx, a); err != nil {
		return err
	}

	esc := model.Escalation{
		ID:          ids.New(),
		Kind:        model.EscalationDelivery,
		PrincipalID: a.PrincipalID,
		SubjectID:   a.ID,
		Reason:      reason,
		CreatedAt:   now,
	}
	if err := s.store.CreateEscalation(ctx, esc); err != nil {
		return fmt.Errorf("create escalation: %w", err)
	}

	obs.RecordDispatch(string(a.Channel), "escalated")
	_ = s.audit.Emit(ctx, "delivery_escalated", a.PrincipalID, map[string]any{
		"attempt_id": a.ID,
		"reason":     reason,
	})
	return nil
}

// ListEscalations returns the open operator queue.
func (s *DeliveryService) ListEscalations(ctx context.Context) ([]model.Escalation, error) {
	return s.store.ListOpenEscalations(ctx)
}

// Resolve closes an escalation with an operator decision. For delivery
// items, decision "confirmed" marks the attempt confirmed_delivered (the
// operator reached the recipient another way) and "closed" just resolves
// the queue item. For certificate and identity reviews the decision is
// "accepted" or "rejected" and lands on the session, after which the
// keyholder resumes the gate. For keyholder reviews, "accepted" clears the
// failure counters.
func (s *DeliveryService) Resolve(ctx context.Context, escalationID, operator, decision, note string, now time.Time) error {
	esc, err := s.store.GetEscalation(ctx, escalationID)
	if err != nil {
		return err
	}
	if esc.Resolved {
		return nil
	}

	switch esc.Kind {
	case model.EscalationDelivery:
		if decision == "confirmed" {
			a, err := s.store.GetAttempt(ctx, esc.SubjectID)
			if err != nil {
				return err
			}
			a.Status = model.DeliveryConfirmedDelivered
			a.UpdatedAt = now
			if err := s.store.UpdateAttempt(ctx, a); err != nil {
				return err
			}
			_ = s.audit.Emit(ctx, "delivery_confirmed", a.PrincipalID, map[string]any{
				"attempt_id": a.ID,
				"operator":   operator,
			})
		}

	case model.EscalationCertificateReview, model.EscalationIdentityReview:
		if decision != "accepted" && decision != "rejected" {
			return fmt.Errorf("review decision must be accepted or rejected, got %q", decision)
		}
		sess, err := s.sessions.GetByID(ctx, esc.SubjectID)
		if err != nil {
			return err
		}
		status := model.CertificateAccepted
		if decision == "rejected" {
			status = model.CertificateRejected
		}
		if esc.Kind == model.EscalationCertificateReview {
			sess.CertificateStatus = status
		} else {
			sess.IdentityDocStatus = status
		}
		if err := s.sessions.Update(ctx, sess); err != nil {
			return err
		}

	case model.EscalationKeyholderReview:
		if decision == "accepted" {
			kh, err := s.khs.GetByID(ctx, esc.SubjectID)
			if err != nil {
				return err
			}
			kh.FailedAnswers = 0
			kh.LockedUntil = nil
			kh.ReviewFlagged = false
			if err := s.khs.UpdateFailures(ctx, kh); err != nil {
				return err
			}
		}
	}

	esc.Resolved = true
	esc.ResolvedBy = operator
	esc.Note = note
	esc.ResolvedAt = &now
	if err := s.store.ResolveEscalation(ctx, esc); err != nil {
		return err
	}

	_ = s.audit.Emit(ctx, "escalation_resolved", esc.PrincipalID, map[string]any{
		"escalation_id": esc.ID,
		"kind":          string(esc.Kind),
		"decision":      decision,
		"operator":      operator,
	})
	return nil
}

// escalateUnreachable records a recipient who cannot receive anything at
// release time. Only their delivery is blocked; other recipients proceed.
func (s *DeliveryService) escalateUnreachable(ctx context.Context, entry model.Entry, rec model.Recipient) {
	now := time.Now().UTC()
	esc := model.Escalation{
		ID:          ids.New(),
		Kind:        model.EscalationDelivery,
		PrincipalID: entry.PrincipalID,
		SubjectID:   rec.ID,
		Reason:      "recipient has no verified contact channel",
		CreatedAt:   now,
	}
	if err := s.store.CreateEscalation(ctx, esc); err != nil {
		slog.Error("unreachable-recipient escalation failed", "recipient", rec.ID, "error", err)
		return
	}
	_ = s.audit.Emit(ctx, "recipient_unreachable", entry.PrincipalID, map[string]any{
		"entry_id":     entry.ID,
		"recipient_id": rec.ID,
	})
}
