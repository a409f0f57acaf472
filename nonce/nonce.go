// Package nonce generates the nonces bound to classic integrity tokens.
//
// Play Integrity expects a URL-safe base64 nonce without padding that
// decodes to at least 16 bytes. Deterministic nonces are meant for samples
// and tests only; production backends must issue a fresh random nonce per
// request.
package nonce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// Size limits of a decoded nonce.
const (
	MinBytes = 16
	MaxBytes = 500
)

// Common errors.
var (
	ErrNotBase64 = errors.New("nonce is not URL-safe base64")
	ErrTooShort  = errors.New("nonce too short")
	ErrTooLong   = errors.New("nonce too long")
)

// Deterministic derives the nonce from the seed alone.
type Deterministic struct {
	// Prefix is mixed into the digest so that different apps seeded
	// with the same value get different nonces.
	Prefix string
}

// GenerateNonce returns the same nonce for the same seed and prefix.
func (d Deterministic) GenerateNonce(seed int64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seed))

	h := sha256.New()
	h.Write([]byte(d.Prefix))
	h.Write(buf[:])
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Fixed returns its value for every seed.
type Fixed string

// GenerateNonce returns f.
func (f Fixed) GenerateNonce(int64) string {
	return string(f)
}

// Random returns a fresh nonce of n random bytes.
func Random(n int) (string, error) {
	if n < MinBytes {
		n = MinBytes
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Validate checks the encoding and size constraints of a nonce.
func Validate(nonce string) error {
	decoded, err := base64.RawURLEncoding.DecodeString(nonce)
	if err != nil {
		decoded, err = base64.URLEncoding.DecodeString(nonce)
		if err != nil {
			return ErrNotBase64
		}
	}
	if len(decoded) < MinBytes {
		return fmt.Errorf("%w: %d bytes", ErrTooShort, len(decoded))
	}
	if len(decoded) > MaxBytes {
		return fmt.Errorf("%w: %d bytes", ErrTooLong, len(decoded))
	}
	return nil
}
