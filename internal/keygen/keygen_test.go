package keygen

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocus-app/activation/internal/models"
)

type takenKeys struct {
	taken map[string]bool
	calls int
	err   error
}

func (t *takenKeys) ActivationKeyExists(_ context.Context, key string) (bool, error) {
	t.calls++
	return t.taken[key], t.err
}

func fixedClock() time.Time {
	return time.UnixMilli(1718000000123)
}

func TestGenerateFormat(t *testing.T) {
	g := NewGenerator(&takenKeys{}, WithClock(fixedClock))

	key, err := g.Generate(context.Background(), "order-1")
	require.NoError(t, err)

	assert.Regexp(t, `^OCUS-1718000000123-[0-9A-Z]{8}$`, key)
	assert.True(t, ValidFormat(key))
}

func TestGenerateRetriesOnCollision(t *testing.T) {
	// Zero bytes always pick the first alphabet entry, so every candidate is the same.
	lookup := &takenKeys{taken: map[string]bool{"OCUS-1718000000123-00000000": true}}
	g := NewGenerator(lookup, WithClock(fixedClock), WithRandom(bytes.NewReader(make([]byte, 1024))), WithAttempts(3))

	_, err := g.Generate(context.Background(), "order-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrKeyCollision))
	assert.Equal(t, 3, lookup.calls)
}

func TestGenerateSurfacesLookupError(t *testing.T) {
	boom := errors.New("db down")
	g := NewGenerator(&takenKeys{err: boom})

	_, err := g.Generate(context.Background(), "order-1")
	assert.ErrorIs(t, err, boom)
}

func TestGenerateUnique(t *testing.T) {
	g := NewGenerator(nil)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		key, err := g.Generate(context.Background(), "order")
		require.NoError(t, err)
		require.False(t, seen[key], "duplicate key %s", key)
		seen[key] = true
	}
}

func TestValidFormat(t *testing.T) {
	assert.False(t, ValidFormat(""))
	assert.False(t, ValidFormat("OCUS-123-abcdefgh"))
	assert.False(t, ValidFormat("KEY-123-ABCDEFGH"))
	assert.False(t, ValidFormat("OCUS-12x-ABCDEFGH"))
	assert.False(t, ValidFormat("OCUS-123-ABCDEFG"))
	assert.True(t, ValidFormat("OCUS-123-ABCDEFGH"))
}

func TestNewDownloadToken(t *testing.T) {
	a, err := NewDownloadToken()
	require.NoError(t, err)
	b, err := NewDownloadToken()
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
