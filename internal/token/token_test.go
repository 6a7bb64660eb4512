package token

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_RoundTrip(t *testing.T) {
	m := NewManager()

	tok, err := m.Generate()
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(tok.Plaintext)
	require.NoError(t, err)
	assert.Len(t, raw, tokenSize)
	assert.NotContains(t, tok.Plaintext, "=")

	assert.True(t, m.Verify(tok.Plaintext, tok.Hash, tok.Salt))
}

func TestVerify_RejectsOtherTokens(t *testing.T) {
	m := NewManager()

	a, err := m.Generate()
	require.NoError(t, err)
	b, err := m.Generate()
	require.NoError(t, err)

	assert.False(t, m.Verify(a.Plaintext, b.Hash, b.Salt))
	assert.False(t, m.Verify(b.Plaintext, a.Hash, a.Salt))
	assert.False(t, m.Verify(a.Plaintext, a.Hash, b.Salt))
}

func TestVerify_SingleBitFlip(t *testing.T) {
	m := NewManager()

	tok, err := m.Generate()
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(tok.Plaintext)
	require.NoError(t, err)

	for i := range raw {
		flipped := bytes.Clone(raw)
		flipped[i] ^= 0x01
		candidate := base64.RawURLEncoding.EncodeToString(flipped)
		assert.False(t, m.Verify(candidate, tok.Hash, tok.Salt), "byte %d", i)
	}
}

const (
	urlAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	stdAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/="
)

// substitutions returns every string that differs from s in exactly one
// character drawn from alphabet.
func substitutions(s, alphabet string) []string {
	var out []string

	for i := range len(s) {
		for _, c := range []byte(alphabet) {
			if c == s[i] {
				continue
			}

			b := []byte(s)
			b[i] = c
			out = append(out, string(b))
		}
	}

	return out
}

func TestVerify_RejectsEveryCharacterSubstitution(t *testing.T) {
	m := NewManager()

	tok, err := m.Generate()
	require.NoError(t, err)
	require.True(t, m.Verify(tok.Plaintext, tok.Hash, tok.Salt))

	for _, candidate := range substitutions(tok.Plaintext, urlAlphabet) {
		assert.False(t, m.Verify(candidate, tok.Hash, tok.Salt), "plaintext %q", candidate)
	}

	for _, hash := range substitutions(tok.Hash, stdAlphabet) {
		assert.False(t, m.Verify(tok.Plaintext, hash, tok.Salt), "hash %q", hash)
	}

	for _, salt := range substitutions(tok.Salt, stdAlphabet) {
		assert.False(t, m.Verify(tok.Plaintext, tok.Hash, salt), "salt %q", salt)
	}
}

func TestVerify_FailsClosed(t *testing.T) {
	m := NewManager()

	tok, err := m.Generate()
	require.NoError(t, err)

	tests := []struct {
		name      string
		candidate string
		hash      string
		salt      string
	}{
		{name: "empty candidate", candidate: "", hash: tok.Hash, salt: tok.Salt},
		{name: "empty hash", candidate: tok.Plaintext, hash: "", salt: tok.Salt},
		{name: "empty salt", candidate: tok.Plaintext, hash: tok.Hash, salt: ""},
		{name: "candidate not base64", candidate: "not*valid*base64!", hash: tok.Hash, salt: tok.Salt},
		{name: "padded candidate", candidate: tok.Plaintext + "=", hash: tok.Hash, salt: tok.Salt},
		{name: "short candidate", candidate: tok.Plaintext[:10], hash: tok.Hash, salt: tok.Salt},
		{name: "salt not base64", candidate: tok.Plaintext, hash: tok.Hash, salt: "%%%"},
		{name: "hash not base64", candidate: tok.Plaintext, hash: "%%%", salt: tok.Salt},
		{name: "truncated hash", candidate: tok.Plaintext, hash: tok.Hash[:8], salt: tok.Salt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, m.Verify(tt.candidate, tt.hash, tt.salt))
		})
	}
}

func TestGenerate_Unique(t *testing.T) {
	m := NewManager()

	const n = 10000
	plaintexts := make(map[string]struct{}, n)
	hashes := make(map[string]struct{}, n)
	salts := make(map[string]struct{}, n)

	for range n {
		tok, err := m.Generate()
		require.NoError(t, err)

		plaintexts[tok.Plaintext] = struct{}{}
		hashes[tok.Hash] = struct{}{}
		salts[tok.Salt] = struct{}{}
	}

	assert.Len(t, plaintexts, n)
	assert.Len(t, hashes, n)
	assert.Len(t, salts, n)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestGenerate_EntropyFailure(t *testing.T) {
	m := &Manager{random: failingReader{}}

	_, err := m.Generate()
	assert.ErrorContains(t, err, "entropy exhausted")
}
