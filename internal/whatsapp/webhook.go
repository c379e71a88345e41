package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingParams is returned when a verification request lacks hub.* params.
	ErrMissingParams = errors.New("whatsapp: missing verification parameters")
	// ErrVerifyMismatch is returned when mode or token do not match.
	ErrVerifyMismatch = errors.New("whatsapp: verification failed")
)

// VerifySubscription checks the hub.* handshake and returns the challenge to echo.
func VerifySubscription(mode, token, challenge, expected string) (string, error) {
	if mode == "" || token == "" || challenge == "" {
		return "", ErrMissingParams
	}
	if mode != "subscribe" || expected == "" || !hmac.Equal([]byte(token), []byte(expected)) {
		return "", ErrVerifyMismatch
	}
	return challenge, nil
}

// VerifySignature checks an X-Hub-Signature-256 header ("sha256=<hex>")
// against the HMAC of body keyed by the app secret.
func VerifySignature(body []byte, signature, appSecret string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}
	expected, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(expected, mac.Sum(nil))
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(body []byte, appSecret string) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhook decodes a delivery body. Payloads for other objects are rejected.
func ParseWebhook(body []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("parse webhook: %w", err)
	}
	if p.Object != "whatsapp_business_account" {
		return nil, fmt.Errorf("parse webhook: unexpected object %q", p.Object)
	}
	return &p, nil
}
