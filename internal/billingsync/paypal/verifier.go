// Package paypal verifies PayPal webhook deliveries through PayPal's
// verify-webhook-signature API.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	errs "github.com/schedmate/schedmate/internal/errors"
)

// SandboxAPIBase is the default API base URL.
const SandboxAPIBase = "https://api-m.sandbox.paypal.com"

const (
	tokenPath  = "/v1/oauth2/token"
	verifyPath = "/v1/notifications/verify-webhook-signature"

	verificationSuccess = "SUCCESS"
	responseBodyLimit   = 64 * 1024
)

// Transmission header names sent by PayPal with every webhook delivery.
const (
	HeaderTransmissionID   = "Paypal-Transmission-Id"
	HeaderTransmissionTime = "Paypal-Transmission-Time"
	HeaderCertURL          = "Paypal-Cert-Url"
	HeaderAuthAlgo         = "Paypal-Auth-Algo"
	HeaderTransmissionSig  = "Paypal-Transmission-Sig"
)

var (
	// ErrMissingHeaders is returned when a delivery lacks a transmission header.
	ErrMissingHeaders = errors.New("missing PayPal transmission headers")
	// ErrVerificationFailed is returned when PayPal rejects the signature.
	ErrVerificationFailed = errors.New("PayPal webhook verification failed")
)

// Headers are the transmission headers PayPal signs a delivery with.
type Headers struct {
	TransmissionID   string
	TransmissionTime string
	CertURL          string
	AuthAlgo         string
	TransmissionSig  string
}

// HeadersFromRequest extracts the transmission headers from h.
func HeadersFromRequest(h http.Header) (Headers, error) {
	out := Headers{
		TransmissionID:   strings.TrimSpace(h.Get(HeaderTransmissionID)),
		TransmissionTime: strings.TrimSpace(h.Get(HeaderTransmissionTime)),
		CertURL:          strings.TrimSpace(h.Get(HeaderCertURL)),
		AuthAlgo:         strings.TrimSpace(h.Get(HeaderAuthAlgo)),
		TransmissionSig:  strings.TrimSpace(h.Get(HeaderTransmissionSig)),
	}

	var missing []string
	for name, v := range map[string]string{
		HeaderTransmissionID:   out.TransmissionID,
		HeaderTransmissionTime: out.TransmissionTime,
		HeaderCertURL:          out.CertURL,
		HeaderAuthAlgo:         out.AuthAlgo,
		HeaderTransmissionSig:  out.TransmissionSig,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Headers{}, fmt.Errorf("%w: %s", ErrMissingHeaders, strings.Join(missing, ", "))
	}
	return out, nil
}

// Config configures a Verifier.
type Config struct {
	APIBase   string
	ClientID  string
	Secret    string
	WebhookID string

	// HTTPClient is the base client for token and verification calls.
	HTTPClient *http.Client
}

// Verifier checks webhook signatures against the PayPal API. It holds an
// OAuth2 client-credentials token source and refreshes tokens as needed.
type Verifier struct {
	client    *http.Client
	verifyURL string
	webhookID string
}

// NewVerifier creates a Verifier.
func NewVerifier(cfg Config) *Verifier {
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if base == "" {
		base = SandboxAPIBase
	}

	baseClient := cfg.HTTPClient
	if baseClient == nil {
		baseClient = &http.Client{Timeout: 15 * time.Second}
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.Secret,
		TokenURL:     base + tokenPath,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, baseClient)

	client := cc.Client(tokenCtx)
	client.Timeout = baseClient.Timeout

	return &Verifier{
		client:    client,
		verifyURL: base + verifyPath,
		webhookID: cfg.WebhookID,
	}
}

type verifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

type verifyResponse struct {
	VerificationStatus string `json:"verification_status"`
}

// Verify asks PayPal whether body was signed by PayPal for the configured
// webhook. It returns nil on success, an error matching
// ErrVerificationFailed when PayPal rejects the delivery (a FAILURE status
// or a 4xx about the request itself), and a provider error when PayPal
// could not be asked.
func (v *Verifier) Verify(ctx context.Context, h Headers, body []byte) error {
	if !json.Valid(body) {
		return errs.WrapAuthError("verify_webhook", fmt.Errorf("%w: body is not JSON", ErrVerificationFailed))
	}

	payload, err := json.Marshal(verifyRequest{
		AuthAlgo:         h.AuthAlgo,
		CertURL:          h.CertURL,
		TransmissionID:   h.TransmissionID,
		TransmissionSig:  h.TransmissionSig,
		TransmissionTime: h.TransmissionTime,
		WebhookID:        v.webhookID,
		WebhookEvent:     json.RawMessage(body),
	})
	if err != nil {
		return fmt.Errorf("encode verification request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return errs.WrapProviderError("verify_webhook", err, 0)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	if err != nil {
		return errs.WrapProviderError("verify_webhook", fmt.Errorf("read verification response: %w", err), resp.StatusCode)
	}
	if rejectsDelivery(resp.StatusCode) {
		return errs.WrapAuthError("verify_webhook",
			fmt.Errorf("%w: verification API returned %d: %s", ErrVerificationFailed, resp.StatusCode, strings.TrimSpace(string(raw))))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.WrapProviderError("verify_webhook",
			fmt.Errorf("verification API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))), resp.StatusCode)
	}

	var out verifyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return errs.WrapProviderError("verify_webhook", fmt.Errorf("decode verification response: %w", err), resp.StatusCode)
	}
	if out.VerificationStatus != verificationSuccess {
		return errs.WrapAuthError("verify_webhook",
			fmt.Errorf("%w: status %q", ErrVerificationFailed, out.VerificationStatus))
	}
	return nil
}

// rejectsDelivery reports whether a verification API status means the
// delivery itself is unverifiable. 401 and 403 point at our credentials,
// 408 and 429 at a transient condition; those stay retryable.
func rejectsDelivery(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return true
}
