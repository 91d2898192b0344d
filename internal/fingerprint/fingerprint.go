// Package fingerprint derives stable digests of request payloads.
//
// Payloads are serialised to JSON, canonicalised per RFC 8785 (JCS) and
// hashed with SHA-256, so two payloads that differ only in key order or
// whitespace produce the same fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

// ErrEmptyPayload is returned when OfJSON is given no bytes.
var ErrEmptyPayload = errors.New("fingerprint: empty payload")

// Of returns the hex SHA-256 digest of the canonical JSON form of payload.
// Values that encoding/json cannot marshal are rejected.
func Of(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("fingerprint: marshal payload: %w", err)
	}
	return OfJSON(raw)
}

// OfJSON fingerprints an already encoded JSON document, such as a raw
// request body.
func OfJSON(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", ErrEmptyPayload
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("fingerprint: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
