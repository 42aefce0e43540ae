// Package apikey generates API key credentials and parses them back out of
// Authorization headers. Nothing in this package touches storage: callers
// persist the digest and prefix, and look keys up by digest.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// Prefix is the constant marker every plaintext key starts with.
	Prefix = "keygate_"

	// SecretBytes is the amount of randomness in a key (256 bits).
	SecretBytes = 32

	// DisplayPrefixLen is how much of the plaintext is kept for display.
	DisplayPrefixLen = 12
)

// KeyLen is the exact length of a well-formed plaintext key.
const KeyLen = len(Prefix) + SecretBytes*2

var (
	// ErrMalformedHeader is returned when the Authorization header is absent
	// or is not "Bearer <token>".
	ErrMalformedHeader = errors.New("missing or malformed authorization header")

	// ErrMalformedToken is returned when the bearer token does not have the
	// shape of a key this service issues.
	ErrMalformedToken = errors.New("malformed api key")
)

// Credential is the output of Generate. Plaintext is handed to the owner once
// and then discarded; Digest and DisplayPrefix are what gets stored.
type Credential struct {
	Plaintext     string
	Digest        string
	DisplayPrefix string
}

// Generate creates a new random credential.
func Generate() (*Credential, error) {
	raw := make([]byte, SecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate random key: %w", err)
	}
	plaintext := Prefix + hex.EncodeToString(raw)

	return &Credential{
		Plaintext:     plaintext,
		Digest:        Hash(plaintext),
		DisplayPrefix: plaintext[:DisplayPrefixLen],
	}, nil
}

// Hash returns the hex-encoded SHA-256 digest of a plaintext key. No salt is
// used: the input already carries 256 bits of entropy.
func Hash(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// ParseBearer extracts a key from an Authorization header value. The header
// must be exactly two space-separated fields, the first being "Bearer", and
// the token must pass ValidFormat.
func ParseBearer(header string) (string, error) {
	if header == "" {
		return "", ErrMalformedHeader
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", ErrMalformedHeader
	}
	if !ValidFormat(parts[1]) {
		return "", ErrMalformedToken
	}
	return parts[1], nil
}

// ValidFormat reports whether token is Prefix followed by exactly 64
// lowercase hex characters.
func ValidFormat(token string) bool {
	if len(token) != KeyLen || !strings.HasPrefix(token, Prefix) {
		return false
	}
	for _, c := range token[len(Prefix):] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
