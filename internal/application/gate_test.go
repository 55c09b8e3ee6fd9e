package application_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/everkeep/everkeep/internal/application"
	"github.com/everkeep/everkeep/internal/domain/model"
)

func mustHash(t *testing.T, s string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func gateInput(t *testing.T, strict bool, sess model.VerificationSession, ev model.Evidence) application.GateInput {
	t.Helper()
	return application.GateInput{
		StrictMode: strict,
		AnswerHash: mustHash(t, "fluffy"),
		OTPHash:    mustHash(t, "123456"),
		Session:    sess,
		Evidence:   ev,
		Now:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestGateAnswerStep(t *testing.T) {
	t.Run("no answer yet stays pending", func(t *testing.T) {
		dec, _ := application.EvaluateGate(gateInput(t, false, model.VerificationSession{}, model.Evidence{}))
		assert.Equal(t, model.GatePending, dec.Result)
		assert.Equal(t, model.ReasonAnswerRequired, dec.ReasonCode)
	})

	t.Run("wrong answer rejects", func(t *testing.T) {
		dec, sess := application.EvaluateGate(gateInput(t, false, model.VerificationSession{},
			model.Evidence{SecurityAnswer: "rex"}))
		assert.Equal(t, model.GateRejected, dec.Result)
		assert.Equal(t, model.ReasonWrongAnswer, dec.ReasonCode)
		assert.False(t, sess.AnswerVerified)
	})

	t.Run("match is case and whitespace insensitive", func(t *testing.T) {
		dec, sess := application.EvaluateGate(gateInput(t, false, model.VerificationSession{},
			model.Evidence{SecurityAnswer: "  FlUfFy "}))
		assert.Equal(t, model.GatePending, dec.Result)
		assert.Equal(t, model.ReasonIdentityRequired, dec.ReasonCode)
		assert.True(t, sess.AnswerVerified)
	})
}

func TestGateIdentityStep(t *testing.T) {
	base := model.VerificationSession{AnswerVerified: true}

	t.Run("wrong one-time code rejects", func(t *testing.T) {
		dec, _ := application.EvaluateGate(gateInput(t, false, base, model.Evidence{OTPCode: "999999"}))
		assert.Equal(t, model.GateRejected, dec.Result)
		assert.Equal(t, model.ReasonIdentityMismatch, dec.ReasonCode)
	})

	t.Run("correct code verifies identity", func(t *testing.T) {
		dec, sess := application.EvaluateGate(gateInput(t, false, base, model.Evidence{OTPCode: "123456"}))
		assert.Equal(t, model.GatePending, dec.Result)
		assert.Equal(t, model.ReasonConsentRequired, dec.ReasonCode)
		assert.True(t, sess.IdentityVerified)
	})

	t.Run("identity document goes to review", func(t *testing.T) {
		dec, sess := application.EvaluateGate(gateInput(t, false, base,
			model.Evidence{IdentityDocRef: "doc://passport"}))
		assert.Equal(t, model.GatePending, dec.Result)
		assert.Equal(t, model.ReasonIdentityReview, dec.ReasonCode)
		assert.Equal(t, model.CertificatePending, sess.IdentityDocStatus)
		assert.Equal(t, "doc://passport", sess.IdentityDocRef)
	})

	t.Run("pending review holds even with no new evidence", func(t *testing.T) {
		s := base
		s.IdentityDocStatus = model.CertificatePending
		dec, _ := application.EvaluateGate(gateInput(t, false, s, model.Evidence{}))
		assert.Equal(t, model.GatePending, dec.Result)
		assert.Equal(t, model.ReasonIdentityReview, dec.ReasonCode)
	})

	t.Run("accepted review passes the step", func(t *testing.T) {
		s := base
		s.IdentityDocStatus = model.CertificateAccepted
		dec, sess := application.EvaluateGate(gateInput(t, false, s, model.Evidence{}))
		assert.Equal(t, model.ReasonConsentRequired, dec.ReasonCode)
		assert.True(t, sess.IdentityVerified)
	})

	t.Run("rejected review rejects", func(t *testing.T) {
		s := base
		s.IdentityDocStatus = model.CertificateRejected
		dec, _ := application.EvaluateGate(gateInput(t, false, s, model.Evidence{}))
		assert.Equal(t, model.GateRejected, dec.Result)
		assert.Equal(t, model.ReasonIdentityRejected, dec.ReasonCode)
	})
}

func TestGateStrictModeCertificate(t *testing.T) {
	base := model.VerificationSession{AnswerVerified: true, IdentityVerified: true}

	t.Run("certificate required before consent", func(t *testing.T) {
		dec, _ := application.EvaluateGate(gateInput(t, true, base, model.Evidence{Consent: true}))
		assert.Equal(t, model.GatePending, dec.Result)
		assert.Equal(t, model.ReasonCertificateRequired, dec.ReasonCode)
	})

	t.Run("submitted certificate waits on review", func(t *testing.T) {
		dec, sess := application.EvaluateGate(gateInput(t, true, base,
			model.Evidence{CertificateRef: "doc://certificate"}))
		assert.Equal(t, model.GatePending, dec.Result)
		assert.Equal(t, model.ReasonCertificatePending, dec.ReasonCode)
		assert.Equal(t, model.CertificatePending, sess.CertificateStatus)
	})

	t.Run("accepted certificate unlocks consent", func(t *testing.T) {
		s := base
		s.CertificateStatus = model.CertificateAccepted
		dec, sess := application.EvaluateGate(gateInput(t, true, s, model.Evidence{Consent: true}))
		assert.Equal(t, model.GateAuthorized, dec.Result)
		require.NotNil(t, sess.ConsentAt)
	})

	t.Run("rejected certificate rejects", func(t *testing.T) {
		s := base
		s.CertificateStatus = model.CertificateRejected
		dec, _ := application.EvaluateGate(gateInput(t, true, s, model.Evidence{Consent: true}))
		assert.Equal(t, model.GateRejected, dec.Result)
		assert.Equal(t, model.ReasonCertificateRejected, dec.ReasonCode)
	})
}

func TestGateFullPassSingleSubmission(t *testing.T) {
	in := gateInput(t, false, model.VerificationSession{}, model.Evidence{
		SecurityAnswer: "Fluffy",
		OTPCode:        "123456",
		Consent:        true,
	})

	dec, sess := application.EvaluateGate(in)

	assert.Equal(t, model.GateAuthorized, dec.Result)
	assert.Equal(t, model.ReasonAuthorized, dec.ReasonCode)
	assert.True(t, sess.AnswerVerified)
	assert.True(t, sess.IdentityVerified)
	require.NotNil(t, sess.ConsentAt)
	assert.Equal(t, in.Now, *sess.ConsentAt)
}

func TestGateConsentRequiredLast(t *testing.T) {
	sess := model.VerificationSession{AnswerVerified: true, IdentityVerified: true}
	dec, _ := application.EvaluateGate(gateInput(t, false, sess, model.Evidence{}))
	assert.Equal(t, model.GatePending, dec.Result)
	assert.Equal(t, model.ReasonConsentRequired, dec.ReasonCode)
}
