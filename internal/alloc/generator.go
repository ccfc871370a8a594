package alloc

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// Charset is the identifier alphabet: digits, lowercase, uppercase.
// Its size must match store.CharsetSize, which the ledger uses for
// capacity math.
const Charset = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// saltBytes is the length of the audit salt in raw bytes (hex doubles it).
const saltBytes = 16

// NewSalt returns a fresh random salt, hex encoded. The salt is recorded
// with each allocation for audit only; it contributes no entropy to the
// identifier itself, which comes entirely from independent secure draws.
func NewSalt() (string, error) {
	b := make([]byte, saltBytes)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Candidate draws a length-character identifier with one independent
// uniform draw from crypto/rand per position. Rejection sampling keeps the
// distribution exactly uniform over the 62-symbol alphabet.
func Candidate(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("candidate length must be positive, got %d", length)
	}
	// Largest multiple of len(Charset) below 256; bytes at or above it are
	// rejected to avoid modulo bias.
	const limit = byte(256 - 256%len(Charset))

	out := make([]byte, 0, length)
	buf := make([]byte, 2*length)
	for len(out) < length {
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, Charset[int(b)%len(Charset)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
