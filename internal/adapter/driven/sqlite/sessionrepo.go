package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/everkeep/everkeep/internal/domain/model"
	"github.com/everkeep/everkeep/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.SessionStore = (*SessionRepo)(nil)

// SessionRepo is the SQLite implementation of the SessionStore port
// interface. The partial unique index on (principal_id) WHERE state =
// 'active' is what makes "first keyholder wins" hold under concurrency.
type SessionRepo struct {
	db *DB
}

// NewSessionRepo creates a new SessionRepo backed by the given DB.
func NewSessionRepo(db *DB) *SessionRepo {
	return &SessionRepo{db: db}
}

const sessionColumns = `
	id, principal_id, keyholder_id, state, otp_hash,
	answer_verified, identity_verified, identity_doc_ref, identity_doc_status,
	certificate_ref, certificate_status, consent_at,
	started_at, idle_expires_at, ended_at`

// Create inserts a new session. Returns model.ErrSessionActive when the
// principal already has an active one.
func (r *SessionRepo) Create(ctx context.Context, s model.VerificationSession) error {
	const query = `
		INSERT INTO verification_sessions (
			id, principal_id, keyholder_id, state, otp_hash,
			answer_verified, identity_verified, identity_doc_ref, identity_doc_status,
			certificate_ref, certificate_status, consent_at,
			started_at, idle_expires_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Writer.ExecContext(ctx, query,
		s.ID, s.PrincipalID, s.KeyholderID, string(s.State), s.OTPHash,
		boolToInt(s.AnswerVerified), boolToInt(s.IdentityVerified),
		s.IdentityDocRef, string(s.IdentityDocStatus),
		s.CertificateRef, string(s.CertificateStatus), fmtTimePtr(s.ConsentAt),
		fmtTime(s.StartedAt), fmtTime(s.IdleExpiresAt), fmtTimePtr(s.EndedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return model.ErrSessionActive
		}
		return fmt.Errorf("insert session %s: %w", s.ID, err)
	}

	return nil
}

// GetByID retrieves a single session. Returns model.ErrNotFound when no row
// exists.
func (r *SessionRepo) GetByID(ctx context.Context, id string) (model.VerificationSession, error) {
	query := `SELECT` + sessionColumns + ` FROM verification_sessions WHERE id = ?`

	s, err := scanSession(r.db.Reader.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return model.VerificationSession{}, model.ErrNotFound
	}
	if err != nil {
		return model.VerificationSession{}, fmt.Errorf("get session %s: %w", id, err)
	}

	return s, nil
}

// GetActiveByPrincipal retrieves the single active session for the
// principal. Returns model.ErrNotFound when none is active.
func (r *SessionRepo) GetActiveByPrincipal(ctx context.Context, principalID string) (model.VerificationSession, error) {
	query := `SELECT` + sessionColumns + ` FROM verification_sessions WHERE principal_id = ? AND state = 'active'`

	s, err := scanSession(r.db.Reader.QueryRowContext(ctx, query, principalID))
	if err == sql.ErrNoRows {
		return model.VerificationSession{}, model.ErrNotFound
	}
	if err != nil {
		return model.VerificationSession{}, fmt.Errorf("get active session for %s: %w", principalID, err)
	}

	return s, nil
}

// Update persists session progress. Returns model.ErrNotFound when the
// session does not exist.
func (r *SessionRepo) Update(ctx context.Context, s model.VerificationSession) error {
	const query = `
		UPDATE verification_sessions SET
			state = ?,
			answer_verified = ?,
			identity_verified = ?,
			identity_doc_ref = ?,
			identity_doc_status = ?,
			certificate_ref = ?,
			certificate_status = ?,
			consent_at = ?,
			idle_expires_at = ?,
			ended_at = ?
		WHERE id = ?
	`

	result, err := r.db.Writer.ExecContext(ctx, query,
		string(s.State),
		boolToInt(s.AnswerVerified), boolToInt(s.IdentityVerified),
		s.IdentityDocRef, string(s.IdentityDocStatus),
		s.CertificateRef, string(s.CertificateStatus), fmtTimePtr(s.ConsentAt),
		fmtTime(s.IdleExpiresAt), fmtTimePtr(s.EndedAt),
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", s.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return model.ErrNotFound
	}

	return nil
}

func scanSession(sc scanner) (model.VerificationSession, error) {
	var s model.VerificationSession
	var state, identityDocStatus, certificateStatus string
	var answerVerified, identityVerified int
	var consentAt, endedAt sql.NullString
	var startedAt, idleExpiresAt string

	err := sc.Scan(
		&s.ID, &s.PrincipalID, &s.KeyholderID, &state, &s.OTPHash,
		&answerVerified, &identityVerified, &s.IdentityDocRef, &identityDocStatus,
		&s.CertificateRef, &certificateStatus, &consentAt,
		&startedAt, &idleExpiresAt, &endedAt,
	)
	if err != nil {
		return model.VerificationSession{}, err
	}

	s.State = model.SessionState(state)
	s.AnswerVerified = answerVerified != 0
	s.IdentityVerified = identityVerified != 0
	s.IdentityDocStatus = model.CertificateStatus(identityDocStatus)
	s.CertificateStatus = model.CertificateStatus(certificateStatus)

	if s.ConsentAt, err = parseTimePtr(consentAt); err != nil {
		return model.VerificationSession{}, fmt.Errorf("parse consent_at: %w", err)
	}
	if s.StartedAt, err = parseTime(startedAt); err != nil {
		return model.VerificationSession{}, fmt.Errorf("parse started_at: %w", err)
	}
	if s.IdleExpiresAt, err = parseTime(idleExpiresAt); err != nil {
		return model.VerificationSession{}, fmt.Errorf("parse idle_expires_at: %w", err)
	}
	if s.EndedAt, err = parseTimePtr(endedAt); err != nil {
		return model.VerificationSession{}, fmt.Errorf("parse ended_at: %w", err)
	}

	return s, nil
}
