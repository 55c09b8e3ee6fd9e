// Package httphandler is the HTTP driving adapter that serves the REST API
// for principals, keyholders, the operator queue, and gateway callbacks.
package httphandler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/everkeep/everkeep/internal/application"
	"github.com/everkeep/everkeep/internal/domain/model"
	"github.com/everkeep/everkeep/internal/domain/port/driven"
	"github.com/everkeep/everkeep/internal/obs"
)

// HealthProber checks connectivity to the notification gateway.
type HealthProber interface {
	Health(ctx context.Context) error
}

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	principals   driven.PrincipalStore
	vaultSvc     *application.VaultService
	livenessSvc  *application.LivenessService
	verifySvc    *application.VerificationService
	deliverySvc  *application.DeliveryService
	audit        driven.AuditReader
	gateway      HealthProber
	webhookToken string
	logger       *slog.Logger
}

// NewHandler creates a Handler with all required dependencies. An empty
// webhookToken disables gateway callback authentication.
func NewHandler(
	principals driven.PrincipalStore,
	vaultSvc *application.VaultService,
	livenessSvc *application.LivenessService,
	verifySvc *application.VerificationService,
	deliverySvc *application.DeliveryService,
	audit driven.AuditReader,
	gateway HealthProber,
	webhookToken string,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		principals:   principals,
		vaultSvc:     vaultSvc,
		livenessSvc:  livenessSvc,
		verifySvc:    verifySvc,
		deliverySvc:  deliverySvc,
		audit:        audit,
		gateway:      gateway,
		webhookToken: webhookToken,
		logger:       logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with recovery and combined logging/metrics middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/principals", h.CreatePrincipal)
	mux.HandleFunc("GET /api/v1/principals/{id}", h.GetPrincipal)
	mux.HandleFunc("GET /api/v1/principals/{id}/status", h.GetStatus)
	mux.HandleFunc("POST /api/v1/principals/{id}/checkin", h.CheckIn)
	mux.HandleFunc("POST /api/v1/principals/{id}/keyholders", h.AddKeyholder)
	mux.HandleFunc("POST /api/v1/principals/{id}/recipients", h.AddRecipient)
	mux.HandleFunc("POST /api/v1/principals/{id}/entries", h.AddEntry)
	mux.HandleFunc("GET /api/v1/principals/{id}/audit", h.ListAudit)
	mux.HandleFunc("POST /api/v1/keyholders/{id}/engage", h.Engage)
	mux.HandleFunc("POST /api/v1/verification/submit", h.SubmitEvidence)
	mux.HandleFunc("GET /api/v1/escalations", h.ListEscalations)
	mux.HandleFunc("POST /api/v1/escalations/{id}/resolve", h.ResolveEscalation)
	mux.HandleFunc("POST /api/v1/gateway/status", h.GatewayStatus)
	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.Handle("GET /metrics", obs.Handler())

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = instrumentMiddleware(logger, wrapped)

	return wrapped
}

// CreatePrincipal onboards a principal and schedules their first pulse check.
func (h *Handler) CreatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req CreatePrincipalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, "name and email are required")
		return
	}
	freq := model.CheckFrequency(req.Frequency)
	if !freq.Valid() {
		writeError(w, http.StatusBadRequest, "frequency must be weekly, monthly, or yearly")
		return
	}

	var grace time.Duration
	if req.GracePeriod != "" {
		parsed, err := time.ParseDuration(req.GracePeriod)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "grace_period must be a positive duration")
			return
		}
		grace = parsed
	}

	p, err := h.vaultSvc.CreatePrincipal(r.Context(), req.Name, req.Email, freq, req.StrictMode, grace, time.Now().UTC())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPrincipalResponse(p))
}

// GetPrincipal returns the principal's aggregate view.
func (h *Handler) GetPrincipal(w http.ResponseWriter, r *http.Request) {
	p, err := h.principals.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toPrincipalResponse(p))
}

// GetStatus returns only the aggregate status string.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.vaultSvc.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: status})
}

// CheckIn records a pulse response from the principal.
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	if err := h.livenessSvc.CheckIn(r.Context(), r.PathValue("id"), time.Now().UTC()); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddKeyholder registers a verifier for the principal.
func (h *Handler) AddKeyholder(w http.ResponseWriter, r *http.Request) {
	var req AddKeyholderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, "name and email are required")
		return
	}
	if strings.TrimSpace(req.SecurityAnswer) == "" {
		writeError(w, http.StatusBadRequest, "security_answer is required")
		return
	}

	kh, err := h.vaultSvc.AddKeyholder(r.Context(), r.PathValue("id"), req.Name, req.Email, req.Phone, req.SecurityAnswer, time.Now().UTC())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toKeyholderResponse(kh))
}

// AddRecipient registers a delivery target for the principal's entries.
func (h *Handler) AddRecipient(w http.ResponseWriter, r *http.Request) {
	var req AddRecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Email == "" && req.Phone == "" {
		writeError(w, http.StatusBadRequest, "at least one contact channel is required")
		return
	}

	rec, err := h.vaultSvc.AddRecipient(r.Context(), model.Recipient{
		PrincipalID:   r.PathValue("id"),
		Name:          req.Name,
		Email:         req.Email,
		EmailVerified: req.EmailVerified,
		Phone:         req.Phone,
		PhoneVerified: req.PhoneVerified,
	}, time.Now().UTC())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecipientResponse(rec))
}

// AddEntry seals a message into the vault.
func (h *Handler) AddEntry(w http.ResponseWriter, r *http.Request) {
	var req AddEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Subject) == "" || strings.TrimSpace(req.PayloadRef) == "" {
		writeError(w, http.StatusBadRequest, "subject and payload_ref are required")
		return
	}
	if len(req.Recipients) == 0 {
		writeError(w, http.StatusBadRequest, "at least one recipient is required")
		return
	}

	e, err := h.vaultSvc.AddEntry(r.Context(), r.PathValue("id"), req.Subject, req.PayloadRef, req.Recipients, time.Now().UTC())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryResponse(e))
}

// ListAudit returns the principal's audit trail, oldest first. The limit
// query parameter caps the result (0 or absent means no cap).
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	var limit int
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	// 404 for unknown principals instead of an empty trail.
	if _, err := h.principals.GetByID(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	events, err := h.audit.ListByPrincipal(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	resp := make([]AuditEventResponse, 0, len(events))
	for _, ev := range events {
		resp = append(resp, toAuditEventResponse(ev))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Engage opens a verification session for the keyholder and returns the
// signed session token.
func (h *Handler) Engage(w http.ResponseWriter, r *http.Request) {
	signed, err := h.verifySvc.Engage(r.Context(), r.PathValue("id"), time.Now().UTC())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, EngageResponse{Token: signed})
}

// SubmitEvidence feeds one round of gate evidence into the active session.
func (h *Handler) SubmitEvidence(w http.ResponseWriter, r *http.Request) {
	var req SubmitEvidenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	dec, err := h.verifySvc.Submit(r.Context(), req.Token, model.Evidence{
		SecurityAnswer: req.SecurityAnswer,
		OTPCode:        req.OTPCode,
		IdentityDocRef: req.IdentityDocRef,
		CertificateRef: req.CertificateRef,
		Consent:        req.Consent,
	}, time.Now().UTC())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, GateDecisionResponse{
		Result:     string(dec.Result),
		ReasonCode: dec.ReasonCode,
	})
}

// ListEscalations returns the open operator queue.
func (h *Handler) ListEscalations(w http.ResponseWriter, r *http.Request) {
	escs, err := h.deliverySvc.ListEscalations(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	resp := make([]EscalationResponse, 0, len(escs))
	for _, esc := range escs {
		resp = append(resp, toEscalationResponse(esc))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ResolveEscalation closes an operator queue item with a decision.
func (h *Handler) ResolveEscalation(w http.ResponseWriter, r *http.Request) {
	var req ResolveEscalationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Operator) == "" || strings.TrimSpace(req.Decision) == "" {
		writeError(w, http.StatusBadRequest, "operator and decision are required")
		return
	}

	err := h.deliverySvc.Resolve(r.Context(), r.PathValue("id"), req.Operator, req.Decision, req.Note, time.Now().UTC())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GatewayStatus handles a delivery status callback from the notification
// gateway, authenticated by the shared webhook token.
func (h *Handler) GatewayStatus(w http.ResponseWriter, r *http.Request) {
	if h.webhookToken != "" {
		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(h.webhookToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid webhook token")
			return
		}
	}

	var req GatewayStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DispatchID == "" {
		writeError(w, http.StatusBadRequest, "dispatch_id is required")
		return
	}
	switch req.Status {
	case "sent", "delivered", "opened", "bounced":
	default:
		writeError(w, http.StatusBadRequest, "unknown delivery status")
		return
	}

	if err := h.deliverySvc.OnStatus(r.Context(), req.DispatchID, req.Status, time.Now().UTC()); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health reports service and gateway health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Gateway: "ok",
		Time:    time.Now().UTC().Format(time.RFC3339),
	}

	if err := h.gateway.Health(r.Context()); err != nil {
		h.logger.Warn("gateway health check failed", "error", err)
		resp.Status = "degraded"
		resp.Gateway = "down"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
