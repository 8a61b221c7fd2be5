package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalPayload rewrites payload in RFC 8785 form: object keys sorted at
// every depth, no insignificant whitespace, normalised numbers.
func CanonicalPayload(payload json.RawMessage) (json.RawMessage, error) {
	out, err := jcs.Transform(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return out, nil
}

// PayloadSignature is the hex SHA-256 of the canonical payload. Two payloads
// that differ only in key order or whitespace share a signature.
func PayloadSignature(payload json.RawMessage) (string, error) {
	canonical, err := CanonicalPayload(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
