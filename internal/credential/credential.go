// Package credential produces download tokens for purchase claims.
package credential

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// TokenBytes is the entropy of a download token. Hex encoding doubles it,
// so tokens are 32 characters long.
const TokenBytes = 16

// Generator produces unguessable download tokens.
type Generator interface {
	Generate() (string, error)
}

type randomGenerator struct {
	source io.Reader
}

// New returns a Generator backed by crypto/rand.
func New() Generator {
	return randomGenerator{source: rand.Reader}
}

// NewFromReader returns a Generator reading entropy from r. Tests use it to
// force collisions; production code should call New.
func NewFromReader(r io.Reader) Generator {
	return randomGenerator{source: r}
}

func (g randomGenerator) Generate() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := io.ReadFull(g.source, b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
