package application_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/everkeep/everkeep/internal/domain/model"
)

// --- In-memory port mocks shared by the application tests ---

type memPrincipalStore struct {
	mu   sync.Mutex
	rows map[string]model.Principal
}

func newMemPrincipalStore(ps ...model.Principal) *memPrincipalStore {
	s := &memPrincipalStore{rows: make(map[string]model.Principal)}
	for _, p := range ps {
		s.rows[p.ID] = p
	}
	return s
}

func (s *memPrincipalStore) Create(_ context.Context, p model.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[p.ID] = p
	return nil
}

func (s *memPrincipalStore) GetByID(_ context.Context, id string) (model.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return model.Principal{}, model.ErrNotFound
	}
	return p, nil
}

func (s *memPrincipalStore) ListDue(_ context.Context, now time.Time) ([]model.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Principal
	for _, p := range s.rows {
		if p.State.IsTerminal() {
			continue
		}
		due := (p.NextCheckInAt != nil && !now.Before(*p.NextCheckInAt)) ||
			(p.CheckInExpiresAt != nil && !now.Before(*p.CheckInExpiresAt)) ||
			(p.GraceExpiresAt != nil && !now.Before(*p.GraceExpiresAt)) ||
			p.State == model.StateVerificationInProgress
		if due {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memPrincipalStore) UpdateState(_ context.Context, p model.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[p.ID]
	if !ok {
		return model.ErrNotFound
	}
	if cur.StateVersion != p.StateVersion {
		return model.ErrConflict
	}
	p.StateVersion++
	s.rows[p.ID] = p
	return nil
}

type memKeyholderStore struct {
	mu   sync.Mutex
	rows map[string]model.Keyholder
}

func newMemKeyholderStore(ks ...model.Keyholder) *memKeyholderStore {
	s := &memKeyholderStore{rows: make(map[string]model.Keyholder)}
	for _, k := range ks {
		s.rows[k.ID] = k
	}
	return s
}

func (s *memKeyholderStore) Create(_ context.Context, k model.Keyholder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[k.ID] = k
	return nil
}

func (s *memKeyholderStore) GetByID(_ context.Context, id string) (model.Keyholder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.rows[id]
	if !ok {
		return model.Keyholder{}, model.ErrNotFound
	}
	return k, nil
}

func (s *memKeyholderStore) ListByPrincipal(_ context.Context, principalID string) ([]model.Keyholder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Keyholder
	for _, k := range s.rows {
		if k.PrincipalID == principalID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *memKeyholderStore) UpdateFailures(_ context.Context, k model.Keyholder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[k.ID]; !ok {
		return model.ErrNotFound
	}
	s.rows[k.ID] = k
	return nil
}

type memSessionStore struct {
	mu   sync.Mutex
	rows map[string]model.VerificationSession
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{rows: make(map[string]model.VerificationSession)}
}

func (s *memSessionStore) Create(_ context.Context, sess model.VerificationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.rows {
		if cur.PrincipalID == sess.PrincipalID && cur.State == model.SessionActive {
			return model.ErrSessionActive
		}
	}
	s.rows[sess.ID] = sess
	return nil
}

func (s *memSessionStore) GetByID(_ context.Context, id string) (model.VerificationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.rows[id]
	if !ok {
		return model.VerificationSession{}, model.ErrNotFound
	}
	return sess, nil
}

func (s *memSessionStore) GetActiveByPrincipal(_ context.Context, principalID string) (model.VerificationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.rows {
		if sess.PrincipalID == principalID && sess.State == model.SessionActive {
			return sess, nil
		}
	}
	return model.VerificationSession{}, model.ErrNotFound
}

func (s *memSessionStore) Update(_ context.Context, sess model.VerificationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[sess.ID]; !ok {
		return model.ErrNotFound
	}
	s.rows[sess.ID] = sess
	return nil
}

type memVaultStore struct {
	mu         sync.Mutex
	entries    map[string]model.Entry
	recipients map[string]model.Recipient
}

func newMemVaultStore() *memVaultStore {
	return &memVaultStore{
		entries:    make(map[string]model.Entry),
		recipients: make(map[string]model.Recipient),
	}
}

func (s *memVaultStore) CreateEntry(_ context.Context, e model.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e
	return nil
}

func (s *memVaultStore) ListEntries(_ context.Context, principalID string) ([]model.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Entry
	for _, e := range s.entries {
		if e.PrincipalID == principalID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memVaultStore) CreateRecipient(_ context.Context, r model.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients[r.ID] = r
	return nil
}

func (s *memVaultStore) GetRecipient(_ context.Context, id string) (model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[id]
	if !ok {
		return model.Recipient{}, model.ErrNotFound
	}
	return r, nil
}

func (s *memVaultStore) ListRecipients(_ context.Context, principalID string) ([]model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Recipient
	for _, r := range s.recipients {
		if r.PrincipalID == principalID {
			out = append(out, r)
		}
	}
	return out, nil
}

type memDeliveryStore struct {
	mu          sync.Mutex
	attempts    map[string]model.DeliveryAttempt
	escalations map[string]model.Escalation
}

func newMemDeliveryStore() *memDeliveryStore {
	return &memDeliveryStore{
		attempts:    make(map[string]model.DeliveryAttempt),
		escalations: make(map[string]model.Escalation),
	}
}

func (s *memDeliveryStore) CreateAttempt(_ context.Context, a model.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.attempts {
		if cur.EntryID == a.EntryID && cur.RecipientID == a.RecipientID && cur.Channel == a.Channel {
			return nil // duplicate triple is a no-op
		}
	}
	s.attempts[a.ID] = a
	return nil
}

func (s *memDeliveryStore) GetAttempt(_ context.Context, id string) (model.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return model.DeliveryAttempt{}, model.ErrNotFound
	}
	return a, nil
}

func (s *memDeliveryStore) GetAttemptByDispatchID(_ context.Context, dispatchID string) (model.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attempts {
		if a.DispatchID == dispatchID {
			return a, nil
		}
	}
	return model.DeliveryAttempt{}, model.ErrNotFound
}

func (s *memDeliveryStore) ListNonTerminal(_ context.Context, _ time.Time) ([]model.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DeliveryAttempt
	for _, a := range s.attempts {
		if !a.Status.IsTerminal() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memDeliveryStore) UpdateAttempt(_ context.Context, a model.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[a.ID]; !ok {
		return model.ErrNotFound
	}
	s.attempts[a.ID] = a
	return nil
}

func (s *memDeliveryStore) CreateEscalation(_ context.Context, e model.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalations[e.ID] = e
	return nil
}

func (s *memDeliveryStore) GetEscalation(_ context.Context, id string) (model.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escalations[id]
	if !ok {
		return model.Escalation{}, model.ErrNotFound
	}
	return e, nil
}

func (s *memDeliveryStore) ListOpenEscalations(_ context.Context) ([]model.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Escalation
	for _, e := range s.escalations {
		if !e.Resolved {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memDeliveryStore) ResolveEscalation(_ context.Context, e model.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escalations[e.ID]; !ok {
		return model.ErrNotFound
	}
	s.escalations[e.ID] = e
	return nil
}

// sentMessage records one Send call on the mock notifier.
type sentMessage struct {
	Channel    model.Channel
	Address    string
	PayloadRef string
}

type mockNotifier struct {
	mu    sync.Mutex
	sends []sentMessage
	// sendErr, when set, is returned for every Send call.
	sendErr error
	seq     int
}

func (n *mockNotifier) Send(_ context.Context, ch model.Channel, addr, payloadRef string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sends = append(n.sends, sentMessage{Channel: ch, Address: addr, PayloadRef: payloadRef})
	if n.sendErr != nil {
		return "", n.sendErr
	}
	n.seq++
	return fmt.Sprintf("disp-%d", n.seq), nil
}

func (n *mockNotifier) sent() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]sentMessage, len(n.sends))
	copy(out, n.sends)
	return out
}

type auditEvent struct {
	Type        string
	PrincipalID string
	Payload     map[string]any
}

type mockAudit struct {
	mu     sync.Mutex
	events []auditEvent
}

func (a *mockAudit) Emit(_ context.Context, eventType, principalID string, payload map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, auditEvent{Type: eventType, PrincipalID: principalID, Payload: payload})
	return nil
}

func (a *mockAudit) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Type)
	}
	return out
}
