// Package crypto derives the salted identifiers under which section lists
// are stored, and generates the per-user salt.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// SaltSize is the number of random bytes in a generated salt.
const SaltSize = 16

// ErrEntropy reports that the random source failed.
var ErrEntropy = errors.New("crypto random source unavailable")

// Hash returns the lowercase hex SHA-256 of value followed by salt.
func Hash(value, salt string) string {
	sum := sha256.Sum256([]byte(value + salt))
	return hex.EncodeToString(sum[:])
}

// NewSalt reads SaltSize bytes from r and returns them base64 encoded. A
// nil reader means crypto/rand.
func NewSalt(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, SaltSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return EncodeSalt(buf), nil
}

// EncodeSalt base64 encodes raw salt bytes, the form legacy byte-array
// salts are migrated to.
func EncodeSalt(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
