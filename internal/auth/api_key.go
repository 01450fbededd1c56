package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// APIKeyVerifier checks the shared key conference clients present via the
// apiKey query parameter or the first-message auth handshake. An empty
// expected key matches nothing, so a relay running auth_mode=api_key without
// API_KEY set fails closed.
type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) error {
	if v.Expected == "" || apiKey == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
