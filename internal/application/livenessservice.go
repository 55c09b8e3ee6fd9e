// Package application contains use-case orchestration services.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/everkeep/everkeep/internal/domain/model"
	"github.com/everkeep/everkeep/internal/domain/port/driven"
	"github.com/everkeep/everkeep/internal/obs"
)

// TransitionResult reports what an evaluation did to a principal's state.
type TransitionResult struct {
	From    model.LivenessState
	To      model.LivenessState
	Changed bool
}

// LivenessService is the per-principal liveness state machine and its sweep
// driver. All transitions compare stored absolute timestamps against the
// supplied wall-clock time, so evaluation is idempotent for a given instant
// and resumes correctly after a restart. Every state write is guarded by an
// optimistic version check; conflicting writers re-read and re-evaluate.
type LivenessService struct {
	principals  driven.PrincipalStore
	keyholders  driven.KeyholderStore
	sessions    driven.SessionStore
	notifier    driven.Notifier
	audit       driven.AuditLog
	interval    time.Duration
	parallelism int

	// blockedMu guards blocked, the principals whose escalation is stalled
	// on missing keyholders. Tracked so the audit trail records one
	// escalation_blocked event per episode instead of one per sweep.
	blockedMu sync.Mutex
	blocked   map[string]bool
}

// NewLivenessService creates a LivenessService with all required dependencies.
func NewLivenessService(
	principals driven.PrincipalStore,
	keyholders driven.KeyholderStore,
	sessions driven.SessionStore,
	notifier driven.Notifier,
	audit driven.AuditLog,
	interval time.Duration,
	parallelism int,
) *LivenessService {
	if parallelism < 1 {
		parallelism = 1
	}
	return &LivenessService{
		principals:  principals,
		keyholders:  keyholders,
		sessions:    sessions,
		notifier:    notifier,
		audit:       audit,
		interval:    interval,
		parallelism: parallelism,
		blocked:     make(map[string]bool),
	}
}

// Start begins the sweep loop. It runs an immediate sweep, then sweeps on
// the configured interval. Start blocks until the context is canceled.
func (s *LivenessService) Start(ctx context.Context) {
	if err := s.SweepOnce(ctx, time.Now().UTC()); err != nil {
		slog.Error("initial liveness sweep failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("liveness sweep stopped")
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx, time.Now().UTC()); err != nil {
				slog.Error("liveness sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce evaluates every principal with a due timer, bounded-parallel
// across principals. Per-principal evaluation stays strictly serialized via
// the store's version check.
func (s *LivenessService) SweepOnce(ctx context.Context, now time.Time) error {
	start := time.Now()

	due, err := s.principals.ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("list due principals: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)

	for _, p := range due {
		g.Go(func() error {
			if _, err := s.Evaluate(gctx, p.ID, now); err != nil {
				slog.Error("evaluate failed", "principal", p.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	obs.ObserveSweep("liveness", time.Since(start))
	slog.Info("liveness sweep complete",
		"due", len(due),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return ctx.Err()
}

// Evaluate applies every transition whose deadline has elapsed at the given
// instant, so a single call settles the principal no matter how long the
// sweep was down. Calling it twice with the same now is a no-op the second
// time. A lost version race is retried once against fresh state.
func (s *LivenessService) Evaluate(ctx context.Context, principalID string, now time.Time) (TransitionResult, error) {
	for attempt := 0; ; attempt++ {
		p, err := s.principals.GetByID(ctx, principalID)
		if err != nil {
			return TransitionResult{}, err
		}

		res, err := s.evaluate(ctx, p, now)
		if errors.Is(err, model.ErrConflict) && attempt == 0 {
			continue
		}
		return res, err
	}
}

// evaluate chains due transitions to a fixpoint. Each committed step is
// re-read before the next so the version check stays per-write.
func (s *LivenessService) evaluate(ctx context.Context, p model.Principal, now time.Time) (TransitionResult, error) {
	from := p.State
	changed := false

	for {
		res, err := s.step(ctx, p, now)
		if err != nil {
			return TransitionResult{}, err
		}
		if !res.Changed {
			return TransitionResult{From: from, To: res.To, Changed: changed}, nil
		}
		changed = true

		p, err = s.principals.GetByID(ctx, p.ID)
		if err != nil {
			return TransitionResult{}, err
		}
	}
}

// step applies at most one due transition.
func (s *LivenessService) step(ctx context.Context, p model.Principal, now time.Time) (TransitionResult, error) {
	unchanged := TransitionResult{From: p.State, To: p.State}

	switch p.State {
	case model.StateActive:
		if p.NextCheckInAt == nil || now.Before(*p.NextCheckInAt) {
			return unchanged, nil
		}
		return s.toPendingCheckIn(ctx, p, now)

	case model.StatePendingCheckIn:
		if p.CheckInExpiresAt == nil || now.Before(*p.CheckInExpiresAt) {
			return unchanged, nil
		}
		return s.toGracePeriod(ctx, p)

	case model.StateGracePeriod:
		if p.GraceExpiresAt == nil || now.Before(*p.GraceExpiresAt) {
			return unchanged, nil
		}
		return s.toVerifierNotified(ctx, p)

	case model.StateVerificationInProgress:
		return s.expireStaleSession(ctx, p, now)

	case model.StateVerifierNotified, model.StateReleased:
		return unchanged, nil

	default:
		return unchanged, fmt.Errorf("unknown liveness state %q", p.State)
	}
}

// toPendingCheckIn issues a pulse check. The answer window is anchored on
// the scheduled check-in time, not on when the sweep happened to run. If
// the whole window already elapsed while no pulse check had been issued
// (the sweep was down past the window), it re-anchors on now: the principal
// must get a real chance to answer before escalation starts.
func (s *LivenessService) toPendingCheckIn(ctx context.Context, p model.Principal, now time.Time) (TransitionResult, error) {
	expires := p.NextCheckInAt.Add(p.CheckInWindow)
	if !expires.After(now) {
		expires = now.Add(p.CheckInWindow)
	}
	from := p.State
	p.State = model.StatePendingCheckIn
	p.CheckInExpiresAt = &expires
	p.NextCheckInAt = nil

	if err := s.commit(ctx, &p, from); err != nil {
		return TransitionResult{}, err
	}

	if _, err := s.notifier.Send(ctx, model.ChannelEmail, p.ContactEmail, "pulse-check/"+p.ID); err != nil {
		slog.Error("pulse check notification failed", "principal", p.ID, "error", err)
	}
	return TransitionResult{From: from, To: p.State, Changed: true}, nil
}

// toGracePeriod starts the grace countdown, anchored on the missed window
// end so a delayed sweep doesn't extend the principal's silence budget.
func (s *LivenessService) toGracePeriod(ctx context.Context, p model.Principal) (TransitionResult, error) {
	grace := p.CheckInExpiresAt.Add(p.GracePeriod)
	from := p.State
	p.State = model.StateGracePeriod
	p.GraceExpiresAt = &grace
	p.CheckInExpiresAt = nil

	if err := s.commit(ctx, &p, from); err != nil {
		return TransitionResult{}, err
	}

	if _, err := s.notifier.Send(ctx, model.ChannelEmail, p.ContactEmail, "grace-warning/"+p.ID); err != nil {
		slog.Error("grace warning notification failed", "principal", p.ID, "error", err)
	}
	return TransitionResult{From: from, To: p.State, Changed: true}, nil
}

// toVerifierNotified contacts all keyholders at once. A principal with no
// keyholders stays in grace and surfaces the configuration error instead of
// escalating into a dead end.
func (s *LivenessService) toVerifierNotified(ctx context.Context, p model.Principal) (TransitionResult, error) {
	khs, err := s.keyholders.ListByPrincipal(ctx, p.ID)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("list keyholders: %w", err)
	}
	if len(khs) == 0 {
		if s.markBlocked(p.ID) {
			_ = s.audit.Emit(ctx, "escalation_blocked", p.ID, map[string]any{"reason": "no_keyholders"})
		}
		return TransitionResult{From: p.State, To: p.State}, model.ErrNoKeyholders
	}
	s.clearBlocked(p.ID)

	from := p.State
	p.State = model.StateVerifierNotified
	p.GraceExpiresAt = nil

	if err := s.commit(ctx, &p, from); err != nil {
		return TransitionResult{}, err
	}

	// Fan out to every keyholder simultaneously, not in sequence.
	var g errgroup.Group
	for _, kh := range khs {
		g.Go(func() error {
			if _, err := s.notifier.Send(ctx, model.ChannelEmail, kh.Email, "keyholder-alert/"+kh.ID); err != nil {
				slog.Error("keyholder alert failed", "principal", p.ID, "keyholder", kh.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return TransitionResult{From: from, To: p.State, Changed: true}, nil
}

// expireStaleSession returns the machine to verifier_notified when the
// active verification session sat idle past its window, so another
// keyholder (or the same one) can retry.
func (s *LivenessService) expireStaleSession(ctx context.Context, p model.Principal, now time.Time) (TransitionResult, error) {
	unchanged := TransitionResult{From: p.State, To: p.State}

	sess, err := s.sessions.GetActiveByPrincipal(ctx, p.ID)
	if errors.Is(err, model.ErrNotFound) {
		// No live session backing the state; fall back to verifier_notified.
		from := p.State
		p.State = model.StateVerifierNotified
		if err := s.commit(ctx, &p, from); err != nil {
			return TransitionResult{}, err
		}
		return TransitionResult{From: from, To: p.State, Changed: true}, nil
	}
	if err != nil {
		return TransitionResult{}, err
	}

	if !sess.IdleExpired(now) {
		return unchanged, nil
	}

	sess.State = model.SessionExpired
	sess.EndedAt = &now
	if err := s.sessions.Update(ctx, sess); err != nil {
		return TransitionResult{}, fmt.Errorf("expire session: %w", err)
	}
	_ = s.audit.Emit(ctx, "verification_abandoned", p.ID, map[string]any{
		"session_id":   sess.ID,
		"keyholder_id": sess.KeyholderID,
	})

	from := p.State
	p.State = model.StateVerifierNotified
	if err := s.commit(ctx, &p, from); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{From: from, To: p.State, Changed: true}, nil
}

// CheckIn records a pulse response from the principal. It is accepted from
// any non-terminal state; a response that arrives during escalation is a
// false alarm that aborts any in-flight keyholder session.
func (s *LivenessService) CheckIn(ctx context.Context, principalID string, now time.Time) error {
	for attempt := 0; ; attempt++ {
		p, err := s.principals.GetByID(ctx, principalID)
		if err != nil {
			return err
		}
		if p.State.IsTerminal() {
			return model.ErrTerminalState
		}

		err = s.checkIn(ctx, p, now)
		if errors.Is(err, model.ErrConflict) && attempt == 0 {
			continue
		}
		return err
	}
}

func (s *LivenessService) checkIn(ctx context.Context, p model.Principal, now time.Time) error {
	falseAlarm := p.State == model.StateVerifierNotified || p.State == model.StateVerificationInProgress

	from := p.State
	next := now.Add(p.Frequency.Interval())
	p.State = model.StateActive
	p.LastAliveAt = now
	p.NextCheckInAt = &next
	p.CheckInExpiresAt = nil
	p.GraceExpiresAt = nil

	if err := s.commit(ctx, &p, from); err != nil {
		return err
	}
	s.clearBlocked(p.ID)

	if falseAlarm {
		s.abortSessions(ctx, p.ID, now)
		_ = s.audit.Emit(ctx, "false_alarm", p.ID, map[string]any{"was_state": string(from)})
	}
	return nil
}

// abortSessions explicitly cancels any in-flight verification session and
// tells the engaged keyholder, rather than letting the session dangle.
func (s *LivenessService) abortSessions(ctx context.Context, principalID string, now time.Time) {
	sess, err := s.sessions.GetActiveByPrincipal(ctx, principalID)
	if errors.Is(err, model.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Error("active session lookup failed", "principal", principalID, "error", err)
		return
	}

	sess.State = model.SessionAborted
	sess.EndedAt = &now
	if err := s.sessions.Update(ctx, sess); err != nil {
		slog.Error("session abort failed", "principal", principalID, "session", sess.ID, "error", err)
		return
	}

	kh, err := s.keyholders.GetByID(ctx, sess.KeyholderID)
	if err == nil {
		if _, err := s.notifier.Send(ctx, model.ChannelEmail, kh.Email, "session-aborted/"+sess.ID); err != nil {
			slog.Error("session abort notification failed", "keyholder", kh.ID, "error", err)
		}
	}
	_ = s.audit.Emit(ctx, "session_aborted", principalID, map[string]any{
		"session_id":   sess.ID,
		"keyholder_id": sess.KeyholderID,
	})
}

// markBlocked records that escalation is stalled on configuration and
// reports whether this sweep is the first to notice the episode.
func (s *LivenessService) markBlocked(principalID string) bool {
	s.blockedMu.Lock()
	defer s.blockedMu.Unlock()
	if s.blocked[principalID] {
		return false
	}
	s.blocked[principalID] = true
	return true
}

func (s *LivenessService) clearBlocked(principalID string) {
	s.blockedMu.Lock()
	defer s.blockedMu.Unlock()
	delete(s.blocked, principalID)
}

// commit persists a state transition with the version the principal was
// read at and records it on the audit trail.
func (s *LivenessService) commit(ctx context.Context, p *model.Principal, from model.LivenessState) error {
	if err := s.principals.UpdateState(ctx, *p); err != nil {
		return err
	}
	p.StateVersion++
	obs.RecordTransition(string(from), string(p.State))
	_ = s.audit.Emit(ctx, "state_transition", p.ID, map[string]any{
		"from": string(from),
		"to":   string(p.State),
	})
	return nil
}
