package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

const minHMACKeyBytes = 32

// HMACResolver verifies tokens of the form "<participant>.<base64url signature>"
// where the signature is HMAC-SHA256 over the participant id. The key is
// shared with the identity service that issues the tokens.
type HMACResolver struct {
	key []byte
}

// NewHMACResolver constructs a resolver. The key must be at least 32 bytes.
func NewHMACResolver(key []byte) (*HMACResolver, error) {
	if len(key) < minHMACKeyBytes {
		return nil, errors.New("auth: hmac key too short (need >= 32 bytes)")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &HMACResolver{key: k}, nil
}

// Resolve verifies the token signature and returns the embedded participant id.
func (r *HMACResolver) Resolve(_ context.Context, credential string) (string, error) {
	if r == nil || len(r.key) == 0 {
		return "", ErrUnauthorized
	}

	credential = strings.TrimSpace(credential)
	dot := strings.LastIndexByte(credential, '.')
	if dot <= 0 || dot == len(credential)-1 {
		return "", ErrUnauthorized
	}

	participant := credential[:dot]
	got, err := base64.RawURLEncoding.DecodeString(credential[dot+1:])
	if err != nil {
		return "", ErrUnauthorized
	}

	mac := hmac.New(sha256.New, r.key)
	mac.Write([]byte(participant))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return "", ErrUnauthorized
	}
	return participant, nil
}

// SignToken issues a token for the participant. Exposed for the identity
// service side of the shared key and for tests.
func SignToken(key []byte, participant string) (string, error) {
	participant = strings.TrimSpace(participant)
	if participant == "" {
		return "", errors.New("auth: empty participant")
	}
	if len(key) < minHMACKeyBytes {
		return "", errors.New("auth: hmac key too short (need >= 32 bytes)")
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(participant))
	return participant + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
