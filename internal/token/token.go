// Package token generates and verifies single-use download tokens.
//
// A token is 32 bytes from a CSPRNG, handed to the owner once as unpadded
// URL-safe base64. Only a salted SHA-256 digest of the raw bytes is ever
// persisted, so the plaintext cannot be recovered from storage.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
)

const (
	tokenSize = 32
	saltSize  = 16
)

var (
	strictURL = base64.RawURLEncoding.Strict()
	strictStd = base64.StdEncoding.Strict()
)

// Token is the output of Generate. Plaintext goes to the owner; Hash and Salt
// go to the custody record.
type Token struct {
	Plaintext string
	Hash      string
	Salt      string
}

// Manager is safe for concurrent use.
type Manager struct {
	random io.Reader
}

func NewManager() *Manager {
	return &Manager{random: rand.Reader}
}

// Generate returns a fresh token with its own salt.
func (m *Manager) Generate() (Token, error) {
	raw := make([]byte, tokenSize)
	if _, err := io.ReadFull(m.random, raw); err != nil {
		return Token{}, fmt.Errorf("failed to read token entropy: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(m.random, salt); err != nil {
		return Token{}, fmt.Errorf("failed to read salt entropy: %w", err)
	}

	return Token{
		Plaintext: base64.RawURLEncoding.EncodeToString(raw),
		Hash:      digest(salt, raw),
		Salt:      base64.StdEncoding.EncodeToString(salt),
	}, nil
}

// Verify reports whether candidate is the plaintext that produced hash under
// salt. Any malformed input verifies as false. Decoding is strict so that no
// encoding other than the issued one is accepted.
func (m *Manager) Verify(candidate, hash, salt string) bool {
	if candidate == "" || hash == "" || salt == "" {
		return false
	}

	raw, err := strictURL.DecodeString(candidate)
	if err != nil || len(raw) != tokenSize {
		return false
	}

	saltBytes, err := strictStd.DecodeString(salt)
	if err != nil || len(saltBytes) == 0 {
		return false
	}

	expected, err := strictStd.DecodeString(hash)
	if err != nil {
		return false
	}

	computed := sha256.Sum256(append(saltBytes, raw...))

	return subtle.ConstantTimeCompare(computed[:], expected) == 1
}

func digest(salt, raw []byte) string {
	sum := sha256.Sum256(append(append([]byte{}, salt...), raw...))
	return base64.StdEncoding.EncodeToString(sum[:])
}
