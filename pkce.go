package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Byte lengths for the PKCE verifier and the CSRF state token.
// 64 random bytes hex-encode to 128 characters, the maximum verifier
// length allowed by RFC 7636; 16 bytes is plenty for the state.
const (
	verifierBytes = 64
	stateBytes    = 16
)

// pkceChallenge holds one login attempt's PKCE material.
// The verifier is kept secret and sent only to the token endpoint;
// the challenge is what goes into the authorization request.
type pkceChallenge struct {
	CodeVerifier        string
	CodeChallenge       string
	CodeChallengeMethod string
}

// generateVerifier returns a hex-encoded cryptographically random string
// of byteLen random bytes. Failure of the system CSPRNG is fatal to the
// login attempt, so the error is propagated rather than papered over.
func generateVerifier(byteLen int) (string, error) {
	buf := make([]byte, byteLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random verifier: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// challengeFromVerifier derives the S256 code challenge from a verifier:
// the SHA-256 digest of the verifier, base64url-encoded without padding,
// per RFC 7636.
func challengeFromVerifier(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// generateState returns an independent random token used to bind the
// authorization response back to this attempt (CSRF protection).
func generateState(byteLen int) (string, error) {
	buf := make([]byte, byteLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// newPKCEChallenge generates a fresh verifier/challenge pair using the
// S256 method.
func newPKCEChallenge() (*pkceChallenge, error) {
	verifier, err := generateVerifier(verifierBytes)
	if err != nil {
		return nil, err
	}
	return &pkceChallenge{
		CodeVerifier:        verifier,
		CodeChallenge:       challengeFromVerifier(verifier),
		CodeChallengeMethod: "S256",
	}, nil
}
