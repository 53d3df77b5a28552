// Package auth provides the credential-to-participant boundary for the chat
// core. Session issuance lives in an external identity service; this package
// only verifies credentials presented at connection time.
package auth

import (
	"context"
	"errors"
	"strings"
)

// ErrUnauthorized means the credential is missing, malformed, or fails verification.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Resolver resolves a raw credential into a participant identity.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (string, error)
}

// StaticResolver maps exact credentials to participant ids. Used in tests and
// fixtures.
type StaticResolver map[string]string

// Resolve looks the credential up verbatim.
func (r StaticResolver) Resolve(_ context.Context, credential string) (string, error) {
	id, ok := r[credential]
	if !ok {
		return "", ErrUnauthorized
	}
	return id, nil
}

// PlainResolver treats the credential itself as the participant id.
// Dev-only: there is no verification at all. The server logs a warning when
// it is active.
type PlainResolver struct{}

// Resolve returns the trimmed credential as the participant id.
func (PlainResolver) Resolve(_ context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", ErrUnauthorized
	}
	return credential, nil
}
