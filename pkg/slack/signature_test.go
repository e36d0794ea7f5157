package slack

import (
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saihai-dev/saihai/pkg/contracts"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestVerifyAcceptsSignedRequest(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	v := NewVerifier("secret", 0, false).WithClock(fixedClock(now))

	body := []byte(`payload={"type":"block_actions"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign("secret", ts, body)

	require.NoError(t, v.Verify(body, ts, sig))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	v := NewVerifier("secret", 0, false).WithClock(fixedClock(now))

	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign("secret", ts, []byte("original"))

	err := v.Verify([]byte("tampered"), ts, sig)
	assert.ErrorIs(t, err, contracts.ErrSignature)
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	v := NewVerifier("secret", 300*time.Second, false).WithClock(fixedClock(now))

	body := []byte("body")
	stale := strconv.FormatInt(now.Add(-301*time.Second).Unix(), 10)
	err := v.Verify(body, stale, Sign("secret", stale, body))
	assert.ErrorIs(t, err, contracts.ErrSignature)

	// Future-dated requests are just as stale.
	future := strconv.FormatInt(now.Add(400*time.Second).Unix(), 10)
	err = v.Verify(body, future, Sign("secret", future, body))
	assert.ErrorIs(t, err, contracts.ErrSignature)
}

func TestVerifyMissingHeaders(t *testing.T) {
	v := NewVerifier("secret", 0, false)
	assert.ErrorIs(t, v.Verify([]byte("body"), "", ""), contracts.ErrSignature)
	assert.ErrorIs(t, v.Verify([]byte("body"), "not-a-number", "v0=deadbeef"), contracts.ErrSignature)
}

func TestVerifyUnsignedPolicy(t *testing.T) {
	assert.NoError(t, NewVerifier("", 0, true).Verify([]byte("body"), "", ""))
	assert.ErrorIs(t, NewVerifier("", 0, false).Verify([]byte("body"), "", ""), contracts.ErrSignature)
}

func TestVerifySignProperty(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ts := strconv.FormatInt(now.Unix(), 10)

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("signed bodies verify; a different secret never does",
		prop.ForAll(
			func(body, secret string) bool {
				v := NewVerifier(secret, 0, false).WithClock(fixedClock(now))
				if v.Verify([]byte(body), ts, Sign(secret, ts, []byte(body))) != nil {
					return false
				}
				wrong := Sign(secret+"x", ts, []byte(body))
				return v.Verify([]byte(body), ts, wrong) != nil
			},
			gen.AnyString(),
			gen.Identifier(),
		))

	properties.TestingRun(t)
}
