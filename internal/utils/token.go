package utils

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// TokenHasher turns raw refresh secrets into the digests stored in the
// database.  With a key it computes HMAC-SHA256, so leaked rows cannot be
// checked offline without the key as well; without one it is plain SHA-256.
type TokenHasher struct {
	key []byte
}

// NewTokenHasher returns a hasher; an empty key selects plain SHA-256.
func NewTokenHasher(key string) *TokenHasher {
	if key == "" {
		return &TokenHasher{}
	}
	return &TokenHasher{key: []byte(key)}
}

// Hash returns the lower-case hex digest of raw.
func (h *TokenHasher) Hash(raw string) string {
	if len(h.key) == 0 {
		sum := sha256.Sum256([]byte(raw))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewSecret returns a hex-encoded string generated from n bytes of
// cryptographically secure random data.
func NewSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
