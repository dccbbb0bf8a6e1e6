// Package auth provides credential hashing and request authentication for
// the gateway. Passwords are hashed with bcrypt over password+pepper; API
// keys are opaque strings compared in constant time.
package auth

import (
	"crypto/subtle"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyPrefix marks generated API keys.
const APIKeyPrefix = "tg-"

// Hasher hashes and verifies credentials with a fixed pepper appended to
// every input. The pepper comes from the SALT environment variable.
type Hasher struct {
	pepper string
}

// NewHasher creates a Hasher with the given pepper.
func NewHasher(pepper string) *Hasher {
	return &Hasher{pepper: pepper}
}

// HashPassword hashes a password with bcrypt, incorporating the pepper.
func (h *Hasher) HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password+h.pepper), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hashed), nil
}

// VerifyPassword checks a plain password against a bcrypt hash.
func (h *Hasher) VerifyPassword(password, hashed string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password+h.pepper)) == nil
}

// NewAPIKey generates an opaque API key.
func NewAPIKey() string {
	return APIKeyPrefix + uuid.NewString()
}

// KeyEqual compares two API keys in constant time.
func KeyEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
