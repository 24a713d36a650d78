// Package hss provides the HTTP client for the home subscriber server.
// The serving node uses it to report registration terminations and failed
// authentications; subscriber profiles themselves are fetched elsewhere.
package hss

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/treetop-comms/canopy/pkg/config"
	"github.com/treetop-comms/canopy/pkg/logging"
)

// Deregistration reason codes reported to the HSS.
const (
	DeregReasonExpiry = "reg-expiry"
	DeregReasonAdmin  = "dereg-admin"
	DeregReasonAuth   = "auth-timeout"
)

// Client talks to the HSS gateway.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logging.Logger
}

// StatusError reports a non-2xx answer from the HSS.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hss returned status %d", e.Code)
}

// New creates an HSS client.
func New(cfg config.HSSConfig, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

type deregistrationBody struct {
	IMPU   string   `json:"impu"`
	IMPIs  []string `json:"impis,omitempty"`
	Reason string   `json:"reason"`
}

// NotifyDeregistration tells the HSS that registration state for an IMPU
// has been terminated.
func (c *Client) NotifyDeregistration(ctx context.Context, impu string, impis []string, reason string) error {
	body := deregistrationBody{IMPU: impu, IMPIs: impis, Reason: reason}
	return c.post(ctx, "/registrations/deregister", body)
}

type authFailureBody struct {
	IMPU  string `json:"impu"`
	IMPI  string `json:"impi"`
	Nonce string `json:"nonce"`
}

// NotifyAuthFailure tells the HSS that a challenge expired without a
// successful authentication.
func (c *Client) NotifyAuthFailure(ctx context.Context, impu, impi, nonce string) error {
	body := authFailureBody{IMPU: impu, IMPI: impi, Nonce: nonce}
	return c.post(ctx, "/registrations/auth-failure", body)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to serialize HSS request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	rsp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hss request failed: %w", err)
	}
	defer rsp.Body.Close()

	if rsp.StatusCode < 200 || rsp.StatusCode >= 300 {
		c.logger.Error("HSS rejected notification", "path", path, "status", rsp.StatusCode)
		return &StatusError{Code: rsp.StatusCode}
	}
	return nil
}
