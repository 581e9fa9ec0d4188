package linemirror

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	SignatureHeader  = "openphone-signature"
	signatureScheme  = "hmac"
	signatureVersion = "1"
)

var (
	ErrMalformedHeader    = errors.New("malformed signature header")
	ErrUnsupportedScheme  = errors.New("unsupported signature scheme")
	ErrMissingSecret      = errors.New("webhook secret not provisioned")
	ErrSignatureMismatch  = errors.New("signature mismatch")
	ErrSignatureOutOfSkew = errors.New("signature timestamp outside tolerance")
)

// SignatureVerifier checks provider webhook signatures. The timestamp must
// be numeric; the zero value accepts any age, and a positive MaxSkew rejects deliveries whose
// millisecond timestamp is further than MaxSkew from Now.
type SignatureVerifier struct {
	MaxSkew time.Duration
	Now     func() time.Time
}

// VerifySignature checks header against body with no timestamp tolerance.
func VerifySignature(header string, body []byte, secret string) error {
	return SignatureVerifier{}.Verify(header, body, secret)
}

func (v SignatureVerifier) Verify(header string, body []byte, secret string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMalformedHeader
	}
	parts := strings.Split(header, ";")
	if len(parts) != 4 {
		return ErrMalformedHeader
	}
	scheme, version, timestamp, signature := parts[0], parts[1], parts[2], parts[3]
	if scheme != signatureScheme || version != signatureVersion {
		return ErrUnsupportedScheme
	}
	millis, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrMalformedHeader
	}
	key, err := decodeSecret(secret)
	if err != nil {
		return err
	}
	if v.MaxSkew > 0 {
		if err := v.checkSkew(millis); err != nil {
			return err
		}
	}

	expected := computeSignature(key, timestamp, body)
	provided, decodeErr := base64.StdEncoding.DecodeString(signature)
	if decodeErr != nil {
		// Compare against a zero buffer so a bad encoding costs the same as a bad MAC.
		_ = hmac.Equal(expected, make([]byte, len(expected)))
		return ErrSignatureMismatch
	}
	if !hmac.Equal(expected, provided) {
		return ErrSignatureMismatch
	}
	return nil
}

func (v SignatureVerifier) checkSkew(millis int64) error {
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	delta := now().Sub(time.UnixMilli(millis))
	if delta < 0 {
		delta = -delta
	}
	if delta > v.MaxSkew {
		return ErrSignatureOutOfSkew
	}
	return nil
}

// SignPayload builds a header VerifySignature accepts for body.
func SignPayload(secret, timestamp string, body []byte) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	signature := base64.StdEncoding.EncodeToString(computeSignature(key, timestamp, body))
	return strings.Join([]string{signatureScheme, signatureVersion, timestamp, signature}, ";"), nil
}

// IsAuthenticationFailure reports whether err means the delivery could not be
// attributed to the provider, as opposed to a local misconfiguration.
func IsAuthenticationFailure(err error) bool {
	return errors.Is(err, ErrMalformedHeader) ||
		errors.Is(err, ErrUnsupportedScheme) ||
		errors.Is(err, ErrSignatureMismatch) ||
		errors.Is(err, ErrSignatureOutOfSkew)
}

func decodeSecret(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil || len(key) == 0 {
		return nil, ErrMissingSecret
	}
	return key, nil
}

func computeSignature(key []byte, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}
