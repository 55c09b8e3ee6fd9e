package httphandler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/everkeep/everkeep/internal/domain/model"
	"github.com/everkeep/everkeep/internal/token"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError maps domain errors onto HTTP status codes. Anything
// unrecognized is logged and hidden behind a 500.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, token.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid session token")
	case errors.Is(err, model.ErrNoSession):
		writeError(w, http.StatusGone, "no active verification session")
	case errors.Is(err, model.ErrKeyholderLocked):
		writeError(w, http.StatusLocked, "keyholder temporarily locked out")
	case errors.Is(err, model.ErrConflict),
		errors.Is(err, model.ErrSessionActive),
		errors.Is(err, model.ErrTerminalState),
		errors.Is(err, model.ErrVaultSealed),
		errors.Is(err, model.ErrNoKeyholders),
		errors.Is(err, model.ErrNotEscalated):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// CreatePrincipalRequest is the JSON body for principal onboarding.
type CreatePrincipalRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Frequency   string `json:"frequency"`
	StrictMode  bool   `json:"strict_mode"`
	GracePeriod string `json:"grace_period,omitempty"` // Go duration string; empty uses the default.
}

// PrincipalResponse is the JSON representation of a principal. Internal
// retry and escalation mechanics are never included.
type PrincipalResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	Frequency     string `json:"frequency"`
	StrictMode    bool   `json:"strict_mode"`
	ContactEmail  string `json:"contact_email"`
	LastAliveAt   string `json:"last_alive_at"`
	NextCheckInAt string `json:"next_checkin_at,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// AddKeyholderRequest is the JSON body for registering a keyholder.
type AddKeyholderRequest struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	Phone          string `json:"phone,omitempty"`
	SecurityAnswer string `json:"security_answer"`
}

// KeyholderResponse is the JSON representation of a keyholder. The security
// answer hash never leaves the server.
type KeyholderResponse struct {
	ID          string `json:"id"`
	PrincipalID string `json:"principal_id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// AddRecipientRequest is the JSON body for registering a recipient.
type AddRecipientRequest struct {
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	Phone         string `json:"phone,omitempty"`
	PhoneVerified bool   `json:"phone_verified"`
}

// RecipientResponse is the JSON representation of a recipient.
type RecipientResponse struct {
	ID            string `json:"id"`
	PrincipalID   string `json:"principal_id"`
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	Phone         string `json:"phone,omitempty"`
	PhoneVerified bool   `json:"phone_verified"`
	CreatedAt     string `json:"created_at"`
}

// AddEntryRequest is the JSON body for sealing an entry into the vault.
type AddEntryRequest struct {
	Subject    string   `json:"subject"`
	PayloadRef string   `json:"payload_ref"`
	Recipients []string `json:"recipients"`
}

// EntryResponse is the JSON representation of a sealed entry.
type EntryResponse struct {
	ID          string   `json:"id"`
	PrincipalID string   `json:"principal_id"`
	Subject     string   `json:"subject"`
	PayloadRef  string   `json:"payload_ref"`
	Recipients  []string `json:"recipients"`
	CreatedAt   string   `json:"created_at"`
}

// EngageResponse carries the signed session token for the verify link.
type EngageResponse struct {
	Token string `json:"token"`
}

// SubmitEvidenceRequest is the JSON body for one round of gate evidence.
// Omitted fields mean "not provided this round".
type SubmitEvidenceRequest struct {
	Token          string `json:"token"`
	SecurityAnswer string `json:"security_answer,omitempty"`
	OTPCode        string `json:"otp_code,omitempty"`
	IdentityDocRef string `json:"identity_doc_ref,omitempty"`
	CertificateRef string `json:"certificate_ref,omitempty"`
	Consent        bool   `json:"consent"`
}

// GateDecisionResponse is the gate outcome returned to the keyholder.
type GateDecisionResponse struct {
	Result     string `json:"result"`
	ReasonCode string `json:"reason_code"`
}

// EscalationResponse is one item on the operator queue.
type EscalationResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	PrincipalID string `json:"principal_id"`
	SubjectID   string `json:"subject_id"`
	Reason      string `json:"reason"`
	CreatedAt   string `json:"created_at"`
}

// ResolveEscalationRequest is the JSON body for an operator decision.
type ResolveEscalationRequest struct {
	Operator string `json:"operator"`
	Decision string `json:"decision"`
	Note     string `json:"note,omitempty"`
}

// GatewayStatusRequest is the JSON body of a gateway status callback.
type GatewayStatusRequest struct {
	DispatchID string `json:"dispatch_id"`
	Status     string `json:"status"`
}

// AuditEventResponse is one entry of a principal's audit trail.
type AuditEventResponse struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
}

// StatusResponse carries only the principal-facing aggregate status.
type StatusResponse struct {
	Status string `json:"status"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Gateway string `json:"gateway"`
	Time    string `json:"time"`
}

// toPrincipalResponse converts a domain Principal to its JSON representation.
func toPrincipalResponse(p model.Principal) PrincipalResponse {
	return PrincipalResponse{
		ID:            p.ID,
		Name:          p.Name,
		Status:        p.AggregateStatus(),
		Frequency:     string(p.Frequency),
		StrictMode:    p.StrictMode,
		ContactEmail:  p.ContactEmail,
		LastAliveAt:   p.LastAliveAt.UTC().Format(time.RFC3339),
		NextCheckInAt: rfc3339Ptr(p.NextCheckInAt),
		CreatedAt:     p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// toKeyholderResponse converts a domain Keyholder to its JSON representation.
func toKeyholderResponse(k model.Keyholder) KeyholderResponse {
	return KeyholderResponse{
		ID:          k.ID,
		PrincipalID: k.PrincipalID,
		Name:        k.Name,
		Email:       k.Email,
		Phone:       k.Phone,
		CreatedAt:   k.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// toRecipientResponse converts a domain Recipient to its JSON representation.
func toRecipientResponse(r model.Recipient) RecipientResponse {
	return RecipientResponse{
		ID:            r.ID,
		PrincipalID:   r.PrincipalID,
		Name:          r.Name,
		Email:         r.Email,
		EmailVerified: r.EmailVerified,
		Phone:         r.Phone,
		PhoneVerified: r.PhoneVerified,
		CreatedAt:     r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// toEntryResponse converts a domain Entry to its JSON representation.
func toEntryResponse(e model.Entry) EntryResponse {
	recipients := e.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	return EntryResponse{
		ID:          e.ID,
		PrincipalID: e.PrincipalID,
		Subject:     e.Subject,
		PayloadRef:  e.PayloadRef,
		Recipients:  recipients,
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// toEscalationResponse converts a domain Escalation to its JSON representation.
func toEscalationResponse(e model.Escalation) EscalationResponse {
	return EscalationResponse{
		ID:          e.ID,
		Kind:        string(e.Kind),
		PrincipalID: e.PrincipalID,
		SubjectID:   e.SubjectID,
		Reason:      e.Reason,
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// toAuditEventResponse converts an audit event to its JSON representation.
func toAuditEventResponse(ev model.AuditEvent) AuditEventResponse {
	return AuditEventResponse{
		ID:        ev.ID,
		EventType: ev.EventType,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func rfc3339Ptr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
