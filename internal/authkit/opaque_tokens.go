package authkit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const refreshOpaqueByteLength = 32

// opaqueTokens mints URL-safe random tokens. Stores keep only the digest of a
// refresh token, never the token itself.
type opaqueTokens struct {
	random io.Reader
}

var secureTokens = opaqueTokens{random: rand.Reader}

func (tokens opaqueTokens) mint(byteLength int) (string, error) {
	buffer := make([]byte, byteLength)
	if _, err := io.ReadFull(tokens.random, buffer); err != nil {
		return "", fmt.Errorf("opaque_tokens.read: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

// mintRefresh returns a refresh token together with the digest to persist.
func (tokens opaqueTokens) mintRefresh() (opaque string, digest string, err error) {
	opaque, err = tokens.mint(refreshOpaqueByteLength)
	if err != nil {
		return "", "", err
	}
	return opaque, digestOpaque(opaque), nil
}

func digestOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func newTokenID() string {
	return uuid.NewString()
}
