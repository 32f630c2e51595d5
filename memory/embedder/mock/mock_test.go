package mock

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedDeterministic(t *testing.T) {
	m := New(8)
	ctx := context.Background()

	a, err := m.Embed(ctx, []string{"The user's name is Alice"})
	require.NoError(t, err)
	b, err := m.Embed(ctx, []string{"The user's name is Alice"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestEmbedDistinctTexts(t *testing.T) {
	m := New(8)

	vecs, err := m.Embed(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.NotEqual(t, vecs[0], vecs[1])
}

func TestEmbedUnitNorm(t *testing.T) {
	m := New(16)

	vecs, err := m.Embed(context.Background(), []string{"some text"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	require.Len(t, vecs[0], 16)

	var norm float64
	for _, v := range vecs[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestFail(t *testing.T) {
	m := New(4)
	boom := errors.New("boom")

	m.Fail(boom)
	_, err := m.Embed(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, boom)

	m.Fail(nil)
	_, err = m.Embed(context.Background(), []string{"x"})
	assert.NoError(t, err)
}
