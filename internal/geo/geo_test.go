package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/link18/tacsync/internal/model"
)

func TestRunwayFromEndpoints(t *testing.T) {
	// Horizontal runway from (0.2,0.5) to (0.4,0.5).
	rw, err := RunwayFromEndpoints(0.2, 0.5, 0.4, 0.5)
	require.NoError(t, err)

	assert.InDelta(t, 0.3, rw.Center.X, 1e-9)
	assert.InDelta(t, 0.5, rw.Center.Y, 1e-9)
	assert.InDelta(t, 0.0, rw.AngleDeg, 1e-9)
	assert.InDelta(t, 0.2, rw.Length, 1e-9)
}

func TestRunwayFromEndpoints_Vertical(t *testing.T) {
	rw, err := RunwayFromEndpoints(0.5, 0.1, 0.5, 0.3)
	require.NoError(t, err)

	assert.InDelta(t, 90.0, rw.AngleDeg, 1e-9)
	assert.InDelta(t, 0.2, rw.Length, 1e-9)
}

func TestRunwayFromEndpoints_Degenerate(t *testing.T) {
	_, err := RunwayFromEndpoints(0.5, 0.5, 0.5, 0.5)
	assert.ErrorIs(t, err, ErrDegenerateRunway)
}

func TestNear(t *testing.T) {
	a := model.Point{X: 0.500, Y: 0.500}
	b := model.Point{X: 0.504, Y: 0.503}

	assert.True(t, Near(a, b, 0.05))
	assert.False(t, Near(a, model.Point{X: 0.6, Y: 0.6}, 0.05))
}
