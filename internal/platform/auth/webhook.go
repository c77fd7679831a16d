package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Webhook deliveries carry a unix timestamp and an HMAC over
// ts\nMETHOD\nsha256hex(body), keyed by a shared secret.
const (
	HeaderWebhookTimestamp = "X-Conveyor-Ts"
	HeaderWebhookSignature = "X-Conveyor-Sig"
)

func ComputeWebhookSignature(secret, ts, method string, body []byte) (string, error) {
	mac, err := webhookMAC(secret, ts, method, body)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(mac), nil
}

func VerifyWebhookSignature(secret, ts, method string, body []byte, signature string) error {
	expected, err := webhookMAC(secret, ts, method, body)
	if err != nil {
		return err
	}
	got, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return errors.New("invalid signature encoding")
	}
	if !hmac.Equal(expected, got) {
		return errors.New("invalid signature")
	}
	return nil
}

func VerifyWebhookTimestamp(ts string, now time.Time, maxSkew time.Duration) error {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return errors.New("timestamp is required")
	}
	parsed, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew <= 0 {
		return nil
	}

	tsTime := time.Unix(parsed, 0).UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if tsTime.After(now.Add(maxSkew)) || tsTime.Before(now.Add(-maxSkew)) {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}

func webhookMAC(secret, ts, method string, body []byte) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return nil, errors.New("timestamp is required")
	}

	sum := sha256.Sum256(body)
	msg := strings.Join([]string{
		ts,
		strings.ToUpper(strings.TrimSpace(method)),
		hex.EncodeToString(sum[:]),
	}, "\n")

	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(msg)); err != nil {
		return nil, err
	}
	return mac.Sum(nil), nil
}
