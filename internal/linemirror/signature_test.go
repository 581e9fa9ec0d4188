package linemirror

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = base64.StdEncoding.EncodeToString([]byte("super-secret-signing-key"))

func TestSignPayloadRoundTrip(t *testing.T) {
	body := []byte(`{"type":"message.received","data":{"object":{"id":"m1"}}}`)
	header, err := SignPayload(testSecret, "1700000000000", body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(header, "hmac;1;1700000000000;"))
	assert.NoError(t, VerifySignature(header, body, testSecret))
}

func TestVerifySignatureDetectsSingleByteFlips(t *testing.T) {
	body := []byte(`{"type":"message.delivered"}`)
	header, err := SignPayload(testSecret, "1700000000000", body)
	require.NoError(t, err)

	for i := range body {
		flipped := append([]byte(nil), body...)
		flipped[i] ^= 0x01
		err := VerifySignature(header, flipped, testSecret)
		if !errors.Is(err, ErrSignatureMismatch) {
			t.Fatalf("expected mismatch for body flip at %d, got %v", i, err)
		}
	}

	parts := strings.Split(header, ";")
	sig, err := base64.StdEncoding.DecodeString(parts[3])
	require.NoError(t, err)
	for i := range sig {
		flipped := append([]byte(nil), sig...)
		flipped[i] ^= 0x80
		tampered := strings.Join([]string{parts[0], parts[1], parts[2], base64.StdEncoding.EncodeToString(flipped)}, ";")
		if err := VerifySignature(tampered, body, testSecret); !errors.Is(err, ErrSignatureMismatch) {
			t.Fatalf("expected mismatch for signature flip at %d, got %v", i, err)
		}
	}

	otherTimestamp := strings.Join([]string{parts[0], parts[1], "1700000000001", parts[3]}, ";")
	assert.ErrorIs(t, VerifySignature(otherTimestamp, body, testSecret), ErrSignatureMismatch)
}

func TestVerifySignatureHeaderErrors(t *testing.T) {
	body := []byte(`{}`)
	valid, err := SignPayload(testSecret, "1700000000000", body)
	require.NoError(t, err)
	sig := strings.Split(valid, ";")[3]

	cases := []struct {
		name   string
		header string
		secret string
		want   error
	}{
		{name: "empty", header: "", secret: testSecret, want: ErrMalformedHeader},
		{name: "three parts", header: "hmac;1;" + sig, secret: testSecret, want: ErrMalformedHeader},
		{name: "five parts", header: valid + ";extra", secret: testSecret, want: ErrMalformedHeader},
		{name: "sha1 scheme", header: "hmac-sha1;1;1700000000000;" + sig, secret: testSecret, want: ErrUnsupportedScheme},
		{name: "version 2", header: "hmac;2;1700000000000;" + sig, secret: testSecret, want: ErrUnsupportedScheme},
		{name: "empty timestamp", header: "hmac;1;;" + sig, secret: testSecret, want: ErrMalformedHeader},
		{name: "word timestamp", header: "hmac;1;yesterday;" + sig, secret: testSecret, want: ErrMalformedHeader},
		{name: "fractional timestamp", header: "hmac;1;1700000000000.5;" + sig, secret: testSecret, want: ErrMalformedHeader},
		{name: "missing secret", header: valid, secret: "", want: ErrMissingSecret},
		{name: "undecodable secret", header: valid, secret: "%%%not-base64", want: ErrMissingSecret},
		{name: "undecodable signature", header: "hmac;1;1700000000000;***", secret: testSecret, want: ErrSignatureMismatch},
		{name: "wrong secret", header: valid, secret: base64.StdEncoding.EncodeToString([]byte("other")), want: ErrSignatureMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifySignature(tc.header, body, tc.secret)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestIsAuthenticationFailure(t *testing.T) {
	assert.True(t, IsAuthenticationFailure(ErrMalformedHeader))
	assert.True(t, IsAuthenticationFailure(ErrUnsupportedScheme))
	assert.True(t, IsAuthenticationFailure(ErrSignatureMismatch))
	assert.True(t, IsAuthenticationFailure(ErrSignatureOutOfSkew))
	assert.False(t, IsAuthenticationFailure(ErrMissingSecret))
	assert.False(t, IsAuthenticationFailure(nil))
}

func TestSignatureVerifierMaxSkew(t *testing.T) {
	body := []byte(`{"type":"call.ringing"}`)
	now := time.UnixMilli(1700000000000)
	verifier := SignatureVerifier{MaxSkew: 5 * time.Minute, Now: func() time.Time { return now }}

	fresh, err := SignPayload(testSecret, "1700000060000", body)
	require.NoError(t, err)
	assert.NoError(t, verifier.Verify(fresh, body, testSecret))

	stale, err := SignPayload(testSecret, "1699990000000", body)
	require.NoError(t, err)
	assert.ErrorIs(t, verifier.Verify(stale, body, testSecret), ErrSignatureOutOfSkew)
	assert.NoError(t, VerifySignature(stale, body, testSecret), "zero verifier must accept any timestamp")

	garbled, err := SignPayload(testSecret, "yesterday", body)
	require.NoError(t, err)
	assert.ErrorIs(t, verifier.Verify(garbled, body, testSecret), ErrMalformedHeader)
	assert.ErrorIs(t, VerifySignature(garbled, body, testSecret), ErrMalformedHeader, "timestamp is parsed without a skew limit too")
}
