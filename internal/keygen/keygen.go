// Package keygen mints activation keys and download tokens.
package keygen

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ocus-app/activation/internal/models"
)

const (
	// KeyPrefix starts every activation key.
	KeyPrefix = "OCUS"
	// DefaultAttempts bounds the retries on a key collision.
	DefaultAttempts = 5

	randomLength = 8
	alphabet     = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// Lookup reports whether a key is already taken.
type Lookup interface {
	ActivationKeyExists(ctx context.Context, key string) (bool, error)
}

// Generator produces keys of the form OCUS-<epoch millis>-<8 base36 chars>.
type Generator struct {
	lookup   Lookup
	attempts int
	now      func() time.Time
	random   io.Reader
}

// Option tunes a Generator.
type Option func(*Generator)

// WithAttempts sets how many candidates are tried before giving up.
func WithAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.attempts = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithRandom replaces crypto/rand as the randomness source.
func WithRandom(r io.Reader) Option {
	return func(g *Generator) { g.random = r }
}

func NewGenerator(lookup Lookup, opts ...Option) *Generator {
	g := &Generator{
		lookup:   lookup,
		attempts: DefaultAttempts,
		now:      time.Now,
		random:   rand.Reader,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns a key not yet present in the key table. orderID only
// scopes error messages; it does not enter the key.
func (g *Generator) Generate(ctx context.Context, orderID string) (string, error) {
	for attempt := 0; attempt < g.attempts; attempt++ {
		key, err := g.candidate()
		if err != nil {
			return "", err
		}
		if g.lookup == nil {
			return key, nil
		}
		taken, err := g.lookup.ActivationKeyExists(ctx, key)
		if err != nil {
			return "", err
		}
		if !taken {
			return key, nil
		}
	}
	return "", fmt.Errorf("%w: %d attempts for order %s", models.ErrKeyCollision, g.attempts, orderID)
}

// Attempts is the configured retry bound.
func (g *Generator) Attempts() int {
	return g.attempts
}

func (g *Generator) candidate() (string, error) {
	suffix, err := randomString(g.random, randomLength)
	if err != nil {
		return "", err
	}
	millis := strconv.FormatInt(g.now().UnixMilli(), 10)
	return KeyPrefix + "-" + millis + "-" + suffix, nil
}

func randomString(r io.Reader, n int) (string, error) {
	var sb strings.Builder
	sb.Grow(n)
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(r, max)
		if err != nil {
			return "", fmt.Errorf("failed to read randomness: %w", err)
		}
		sb.WriteByte(alphabet[idx.Int64()])
	}
	return sb.String(), nil
}

// ValidFormat reports whether s looks like a key this package produces.
func ValidFormat(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) != 3 || parts[0] != KeyPrefix || len(parts[2]) != randomLength {
		return false
	}
	if _, err := strconv.ParseInt(parts[1], 10, 64); err != nil {
		return false
	}
	for i := 0; i < len(parts[2]); i++ {
		if !strings.ContainsRune(alphabet, rune(parts[2][i])) {
			return false
		}
	}
	return true
}

// NewDownloadToken returns 128 random bits, hex encoded.
func NewDownloadToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to generate download token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
