// Package notify implements the Notifier port against the Notification
// Gateway's HTTP API.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/everkeep/everkeep/internal/domain/model"
	"github.com/everkeep/everkeep/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Notifier = (*Gateway)(nil)

// Gateway is an HTTP client for the Notification Gateway. Send is
// fire-and-acknowledge: the gateway takes custody of the message and
// reports transport status later through the status webhook. A client-side
// rate limiter keeps release-time fan-out from tripping the gateway's
// request quota.
type Gateway struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    *rate.Limiter
}

// NewGateway creates a Gateway client for the given base URL, authenticating
// with the bearer token. Requests are limited to 10 per second with a burst
// of 20, matching the gateway's documented quota.
func NewGateway(baseURL, token string) *Gateway {
	return &Gateway{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		token:      token,
		limiter:    rate.NewLimiter(10, 20),
	}
}

// NewGatewayWithHTTPClient creates a Gateway with a custom http.Client and
// no rate limit. This constructor is intended for testing, allowing
// injection of an httptest server.
func NewGatewayWithHTTPClient(httpClient *http.Client, baseURL, token string) *Gateway {
	return &Gateway{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
		limiter:    rate.NewLimiter(rate.Inf, 1),
	}
}

type sendRequest struct {
	Channel    string `json:"channel"`
	Address    string `json:"address"`
	PayloadRef string `json:"payload_ref"`
}

type sendResponse struct {
	DispatchID string `json:"dispatch_id"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Send hands one message to the gateway and returns its dispatch id.
// A 422 from the gateway means the address is permanently undeliverable and
// maps to driven.ErrBounce; every other failure is transient and fit for
// retry.
func (g *Gateway) Send(ctx context.Context, channel model.Channel, address, payloadRef string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}

	body, err := json.Marshal(sendRequest{
		Channel:    string(channel),
		Address:    address,
		PayloadRef: payloadRef,
	})
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		var ge errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&ge)
		return "", fmt.Errorf("%s %s: %w", channel, ge.Code, driven.ErrBounce)

	case resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("gateway returned %d: %s", resp.StatusCode, raw)
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	if out.DispatchID == "" {
		return "", fmt.Errorf("gateway accepted message without a dispatch id")
	}

	return out.DispatchID, nil
}

// Health probes the gateway's health endpoint. A non-200 answer or a
// transport error means the gateway is unreachable.
func (g *Gateway) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway health returned %d", resp.StatusCode)
	}

	return nil
}
