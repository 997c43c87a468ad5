// Package provider implements the wire-level contract with the external
// payment provider: the inbound webhook signature scheme (§4.1), parsing
// the event envelope far enough to dedupe and dispatch, and a thin outbound
// client the reconciler uses to enumerate provider-side state.
package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/entroline/entroline/internal/resultkind"
)

// SignatureHeaderName is the HTTP header carrying the signature.
const SignatureHeaderName = "Signature"

// VerifySignature implements §4.1's scheme: the header is
// "t=<unix-seconds>,v1=<hex-hmac-sha256>[,v1=<hex-hmac-sha256>...]"; the
// digest is computed over "timestamp.body" using the shared secret.
// Multiple v1 entries let the provider rotate secrets without downtime —
// any presented digest matching any configured secret is accepted, but
// this module is configured with exactly one secret, so in practice one
// match is required among however many v1 values the header carries.
// Returns a resultkind.Auth error on any rejection.
func VerifySignature(header string, body []byte, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return resultkind.New(resultkind.Auth, "missing signature header")
	}

	var timestamp time.Time
	var digests []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return resultkind.New(resultkind.Auth, "malformed signature header")
		}
		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		switch key {
		case "t":
			secs, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return resultkind.Wrap(resultkind.Auth, err, "malformed signature timestamp")
			}
			timestamp = time.Unix(secs, 0).UTC()
		case "v1":
			digests = append(digests, val)
		}
	}

	if timestamp.IsZero() {
		return resultkind.New(resultkind.Auth, "signature header missing timestamp")
	}
	if len(digests) == 0 {
		return resultkind.New(resultkind.Auth, "signature header missing digest")
	}

	skew := now.Sub(timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return resultkind.New(resultkind.Auth, "signature timestamp outside tolerance")
	}

	signedPayload := fmt.Sprintf("%d.%s", timestamp.Unix(), body)
	want := computeDigest(secret, signedPayload)

	for _, got := range digests {
		if constantTimeEqualHex(got, want) {
			return nil
		}
	}
	return resultkind.New(resultkind.Auth, "no signature digest matched")
}

// Sign computes the header value for a given timestamp, body, and secret —
// used by tests and by any future in-process replay tooling.
func Sign(body []byte, secret string, at time.Time) string {
	signedPayload := fmt.Sprintf("%d.%s", at.Unix(), body)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), computeDigest(secret, signedPayload))
}

func computeDigest(secret, signedPayload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	return hex.EncodeToString(mac.Sum(nil))
}

func constantTimeEqualHex(a, b string) bool {
	decodedA, err := hex.DecodeString(a)
	if err != nil {
		return false
	}
	decodedB, err := hex.DecodeString(b)
	if err != nil {
		return false
	}
	if len(decodedA) != len(decodedB) {
		return false
	}
	return subtle.ConstantTimeCompare(decodedA, decodedB) == 1
}
