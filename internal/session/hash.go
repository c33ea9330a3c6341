package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// rawTokenBytes is the entropy of a session token.
const rawTokenBytes = 40

// Hash is the SHA-256 hex digest of a raw token. Persistence only ever sees
// a Hash, and HashToken is the only place one is produced.
type Hash string

// HashToken digests a raw token.
func HashToken(raw string) Hash {
	sum := sha256.Sum256([]byte(raw))
	return Hash(hex.EncodeToString(sum[:]))
}

func (h Hash) String() string { return string(h) }

// NewRawToken returns 40 random bytes, hex encoded.
func NewRawToken() (string, error) {
	b := make([]byte, rawTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}
