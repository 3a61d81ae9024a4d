// Package webhook posts signed JSON payloads between services and verifies
// them on the receiving end.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	SignatureHeader = "X-Signature"
	DeliveryHeader  = "X-Delivery-ID"
	signaturePrefix = "sha256="
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a "sha256=<hex>" header value (the prefix is
// optional) against payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	got := strings.TrimPrefix(signature, signaturePrefix)
	return hmac.Equal([]byte(expected), []byte(got))
}

// Delivery describes one POST attempt.
type Delivery struct {
	ID           string        `json:"id"`
	URL          string        `json:"url"`
	StatusCode   int           `json:"status_code"`
	Duration     time.Duration `json:"duration"`
	ResponseBody string        `json:"response_body,omitempty"`
}

type SenderOption func(*Sender)

func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *Sender) { s.httpClient = c }
}

func WithSecret(secret string) SenderOption {
	return func(s *Sender) { s.secret = secret }
}

// Sender makes a single signed POST per call. It never retries.
type Sender struct {
	httpClient *http.Client
	secret     string
	logger     zerolog.Logger
}

func NewSender(timeout time.Duration, logger zerolog.Logger, opts ...SenderOption) *Sender {
	s := &Sender{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// PostJSON marshals body, signs it when a secret is configured, and POSTs it
// to url. Any non-2xx status is returned as an error along with the delivery.
func (s *Sender) PostJSON(ctx context.Context, url string, body interface{}) (*Delivery, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	d := &Delivery{ID: uuid.NewString(), URL: url}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return d, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, d.ID)
	if s.secret != "" {
		req.Header.Set(SignatureHeader, signaturePrefix+SignPayload(payload, s.secret))
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	d.Duration = time.Since(start)
	if err != nil {
		return d, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	d.StatusCode = resp.StatusCode
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	d.ResponseBody = string(respBody)

	s.logger.Debug().Str("delivery_id", d.ID).Str("url", url).
		Int("status", d.StatusCode).Dur("duration", d.Duration).Msg("webhook delivered")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return d, fmt.Errorf("non-2xx response from %s: %d", url, resp.StatusCode)
	}
	return d, nil
}
