package plugins

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Verifier checks ed25519 signatures over an archive's SHA-256 hex digest.
type Verifier struct {
	keys    []ed25519.PublicKey
	require bool
}

// NewVerifier parses base64 public keys. With require set, unsigned archives are rejected.
func NewVerifier(trustedKeys []string, require bool) (*Verifier, error) {
	v := &Verifier{require: require}
	for i, k := range trustedKeys {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("trusted key %d: %w", i, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted key %d: want %d bytes, got %d", i, ed25519.PublicKeySize, len(raw))
		}
		v.keys = append(v.keys, ed25519.PublicKey(raw))
	}
	return v, nil
}

// Digest returns the lowercase hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify checks sigB64 against digest. It returns whether the archive counts as signed.
// A present signature must verify against some trusted key; an absent one is only an error when required.
func (v *Verifier) Verify(digest, sigB64 string) (bool, error) {
	sigB64 = strings.TrimSpace(sigB64)
	if sigB64 == "" {
		if v.require {
			return false, ErrUnsignedArchive
		}
		return false, nil
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}
	for _, k := range v.keys {
		if ed25519.Verify(k, []byte(digest), sig) {
			return true, nil
		}
	}
	return false, fmt.Errorf("%w: no trusted key matches", ErrInvalidSignature)
}
