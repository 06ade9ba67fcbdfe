package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// PKCE is a code verifier and its S256 challenge.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GenerateChallenge returns a fresh 43-character verifier drawn from the
// unreserved URL alphabet and its base64url(sha256) challenge.
func GenerateChallenge() PKCE {
	verifier := oauth2.GenerateVerifier()
	return PKCE{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
	}
}

// stateBytes gives 256 bits of entropy.
const stateBytes = 32

// GenerateState creates a cryptographically secure random state token.
func GenerateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
