// Package slack is the chat edge of the coordinator: request signing,
// interaction envelopes, and the outbound gateway for approval prompts and
// thread replies.
package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/saihai-dev/saihai/pkg/contracts"
)

// DefaultRequestTTL bounds how old a signed request may be.
const DefaultRequestTTL = 300 * time.Second

// Verifier checks Slack request signatures (v0 HMAC-SHA256 scheme).
type Verifier struct {
	signingSecret string
	ttl           time.Duration
	allowUnsigned bool
	nowFunc       func() time.Time
}

// NewVerifier builds a Verifier. A zero ttl uses DefaultRequestTTL.
// allowUnsigned only applies when no signing secret is configured.
func NewVerifier(signingSecret string, ttl time.Duration, allowUnsigned bool) *Verifier {
	if ttl <= 0 {
		ttl = DefaultRequestTTL
	}
	return &Verifier{
		signingSecret: signingSecret,
		ttl:           ttl,
		allowUnsigned: allowUnsigned,
		nowFunc:       time.Now,
	}
}

// WithClock overrides the time source for tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.nowFunc = now
	return v
}

// Sign computes the v0 signature over timestamp and body.
func Sign(signingSecret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(signingSecret))
	fmt.Fprintf(mac, "v0:%s:", timestamp)
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the request signature and timestamp freshness. All failures
// wrap contracts.ErrSignature.
func (v *Verifier) Verify(body []byte, timestamp, signature string) error {
	if v.signingSecret == "" {
		if v.allowUnsigned {
			return nil
		}
		return fmt.Errorf("no signing secret configured: %w", contracts.ErrSignature)
	}

	if timestamp == "" || signature == "" {
		return fmt.Errorf("missing signature headers: %w", contracts.ErrSignature)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed timestamp: %w", contracts.ErrSignature)
	}

	age := v.nowFunc().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > v.ttl {
		return fmt.Errorf("request timestamp outside %s window: %w", v.ttl, contracts.ErrSignature)
	}

	expected := Sign(v.signingSecret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch: %w", contracts.ErrSignature)
	}
	return nil
}
