package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-reliability/reliability/codec"
)

// fingerprintDomain separates request fingerprints from any other SHA-256
// use of the same bytes. The version suffix allows a future algorithm change.
const fingerprintDomain = "reliability/idempotency/request/v1"

// Fingerprint returns the SHA-256 hex digest of body's canonical JSON
// encoding. Bodies that differ only in object key order or Unicode
// normalization produce the same fingerprint. Encoding failures are returned
// wrapped in codec.ErrSerialization; there is no empty-fingerprint fallback.
//
// A []byte or json.RawMessage body is taken as the raw request body and goes
// through FingerprintBytes instead of being marshalled, so a byte slice is
// never fingerprinted as its base64 string.
func Fingerprint(body any) (string, error) {
	switch raw := body.(type) {
	case []byte:
		return FingerprintBytes(raw)
	case json.RawMessage:
		return FingerprintBytes(raw)
	}

	canonical, err := codec.Canonical(body)
	if err != nil {
		return "", fmt.Errorf("fingerprint request: %w", err)
	}

	return hashWithDomain(canonical), nil
}

// FingerprintBytes fingerprints a raw request body. JSON bodies are
// canonicalized first; anything else is hashed verbatim. A JSON object with a
// repeated key has no canonical form and is also hashed verbatim, so
// {"a":1,"a":2} and {"a":2} never share a fingerprint.
func FingerprintBytes(raw []byte) (string, error) {
	if !json.Valid(raw) {
		return hashWithDomain(raw), nil
	}

	canonical, err := codec.CanonicalizeJSON(raw)
	if errors.Is(err, codec.ErrDuplicateKey) {
		return hashWithDomain(raw), nil
	}

	if err != nil {
		return "", fmt.Errorf("fingerprint request: %w", err)
	}

	return hashWithDomain(canonical), nil
}

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(data []byte) string {
	h := sha256.New()
	h.Write([]byte(fingerprintDomain))
	h.Write([]byte{0x00})
	h.Write(data)

	return hex.EncodeToString(h.Sum(nil))
}
