// Package lwa implements the local-loopback OAuth2 authorization flow used to
// authenticate against the advertising API's identity provider. It handles PKCE
// code generation, the transient callback listener that receives the browser
// redirect, and the token endpoint exchanges.
package lwa

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// PKCECodes holds a code verifier and its derived challenge for a single
// authorization attempt. The challenge is computed once at generation time and
// never recomputed.
type PKCECodes struct {
	// CodeVerifier is the random secret kept by the client and sent with the
	// token exchange request.
	CodeVerifier string
	// CodeChallenge is the S256-derived value placed in the authorization URL.
	CodeChallenge string
}

// GeneratePKCECodes generates a PKCE code verifier and challenge pair
// following RFC 7636. The verifier is 32 random bytes encoded as URL-safe
// base64 without padding, which yields 43 characters and satisfies the
// 43-128 character requirement.
//
// Returns:
//   - *PKCECodes: A struct containing the code verifier and challenge
//   - error: An error if the generation fails, nil otherwise
func GeneratePKCECodes() (*PKCECodes, error) {
	codeVerifier, err := generateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPKCEGeneration, err)
	}

	return &PKCECodes{
		CodeVerifier:  codeVerifier,
		CodeChallenge: GenerateCodeChallenge(codeVerifier),
	}, nil
}

// generateCodeVerifier creates a cryptographically random string using
// URL-safe base64 encoding without padding.
func generateCodeVerifier() (string, error) {
	bytes := make([]byte, 32)
	_, err := rand.Read(bytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(bytes), nil
}

// GenerateCodeChallenge creates a SHA256 hash of the code verifier and
// encodes it using URL-safe base64 encoding without padding.
func GenerateCodeChallenge(codeVerifier string) string {
	hash := sha256.Sum256([]byte(codeVerifier))
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(hash[:])
}

// GenerateRandomState generates a cryptographically secure random state
// parameter for OAuth2 flows to prevent CSRF attacks.
//
// Returns:
//   - string: A hexadecimal encoded random state string
//   - error: An error if the random generation fails, nil otherwise
func GenerateRandomState() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPKCEGeneration, err)
	}
	return fmt.Sprintf("%x", bytes), nil
}
