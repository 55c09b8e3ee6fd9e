package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everkeep/everkeep/internal/domain/model"
	"github.com/everkeep/everkeep/internal/domain/port/driven"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGatewayWithHTTPClient(srv.Client(), srv.URL, "test-token")
}

func TestSendSuccess(t *testing.T) {
	var gotAuth string
	var gotReq sendRequest

	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/messages", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(sendResponse{DispatchID: "disp-7"})
	})

	id, err := g.Send(context.Background(), model.ChannelEmail, "eve@example.com", "entry/e1")
	require.NoError(t, err)
	assert.Equal(t, "disp-7", id)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "email", gotReq.Channel)
	assert.Equal(t, "eve@example.com", gotReq.Address)
	assert.Equal(t, "entry/e1", gotReq.PayloadRef)
}

func TestSendBounce(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(errorResponse{Code: "invalid_recipient", Message: "no such mailbox"})
	})

	_, err := g.Send(context.Background(), model.ChannelEmail, "gone@example.com", "entry/e1")
	assert.ErrorIs(t, err, driven.ErrBounce)
	assert.Contains(t, err.Error(), "invalid_recipient")
}

func TestSendTransientFailure(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	})

	_, err := g.Send(context.Background(), model.ChannelSMS, "+15550001", "entry/e1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, driven.ErrBounce)
	assert.Contains(t, err.Error(), "502")
}

func TestSendMissingDispatchID(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(sendResponse{})
	})

	_, err := g.Send(context.Background(), model.ChannelEmail, "eve@example.com", "entry/e1")
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	healthy := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	assert.NoError(t, healthy.Health(context.Background()))

	down := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	assert.Error(t, down.Health(context.Background()))
}
