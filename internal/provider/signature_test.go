package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignatureAccepts(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)
	secret := "whsec_test"
	now := time.Now().UTC()

	header := Sign(body, secret, now)
	err := VerifySignature(header, body, secret, 5*time.Minute, now)
	require.NoError(t, err)
}

func TestVerifySignatureRejectsBitFlippedBody(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)
	secret := "whsec_test"
	now := time.Now().UTC()

	header := Sign(body, secret, now)
	tampered := append([]byte(nil), body...)
	tampered[5] ^= 0x01

	err := VerifySignature(header, tampered, secret, 5*time.Minute, now)
	assert.Error(t, err)
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	now := time.Now().UTC()
	header := Sign(body, "secret-a", now)

	err := VerifySignature(header, body, "secret-b", 5*time.Minute, now)
	assert.Error(t, err)
}

func TestVerifySignatureRejectsStaleTimestamp(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	secret := "whsec_test"
	then := time.Now().UTC().Add(-10 * time.Minute)
	header := Sign(body, secret, then)

	err := VerifySignature(header, body, secret, 5*time.Minute, time.Now().UTC())
	assert.Error(t, err)
}

func TestVerifySignatureRejectsMissingHeader(t *testing.T) {
	err := VerifySignature("", []byte("{}"), "secret", 5*time.Minute, time.Now())
	assert.Error(t, err)
}

func TestVerifySignatureRejectsMalformedHeader(t *testing.T) {
	err := VerifySignature("not-a-valid-header", []byte("{}"), "secret", 5*time.Minute, time.Now())
	assert.Error(t, err)
}

func TestVerifySignatureAcceptsAnyMatchingDigestAmongMultiple(t *testing.T) {
	body := []byte(`{"id":"evt_2"}`)
	secret := "whsec_test"
	now := time.Now().UTC()

	header := Sign(body, secret, now) + ",v1=deadbeef"
	err := VerifySignature(header, body, secret, 5*time.Minute, now)
	require.NoError(t, err)
}
