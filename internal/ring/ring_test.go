package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lerpFloat(a, b float64, frac float64) float64 {
	return a + (b-a)*frac
}

func TestBuffer_PushAndLatest(t *testing.T) {
	b := New[float64](3)
	b.Push(10, 1.0)
	b.Push(20, 2.0)

	latest, ok := b.GetLatest()
	require.True(t, ok)
	assert.Equal(t, 2.0, latest)
}

func TestBuffer_EvictsOldest(t *testing.T) {
	b := New[float64](2)
	b.Push(10, 1.0)
	b.Push(20, 2.0)
	b.Push(30, 3.0)

	assert.Equal(t, 2, b.Len())
	v, ok := b.GetInterpolated(10, lerpFloat)
	require.True(t, ok)
	// 10 is now before the oldest remaining sample (20), clamp to it.
	assert.Equal(t, 2.0, v)
}

func TestBuffer_Interpolation(t *testing.T) {
	b := New[float64](4)
	b.Push(0, 0.0)
	b.Push(100, 10.0)

	v, ok := b.GetInterpolated(50, lerpFloat)
	require.True(t, ok)
	assert.InDelta(t, 5.0, v, 1e-9)
}

func TestBuffer_ClampEnds(t *testing.T) {
	b := New[float64](4)
	b.Push(10, 1.0)
	b.Push(20, 2.0)

	v, ok := b.GetInterpolated(0, lerpFloat)
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	v, ok = b.GetInterpolated(1000, lerpFloat)
	require.True(t, ok)
	assert.Equal(t, 2.0, v)
}

func TestBuffer_EmptyReturnsFalse(t *testing.T) {
	b := New[float64](4)
	_, ok := b.GetLatest()
	assert.False(t, ok)
	_, ok = b.GetInterpolated(10, lerpFloat)
	assert.False(t, ok)
}
