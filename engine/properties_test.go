package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xvanov/collabcanvas-sub002/models"
)

func TestSetShapeProperty_AcceptsDecodedJSONNumbers(t *testing.T) {
	shape := validShape()

	prev, err := setShapeProperty(&shape, "x", float64(42))
	assert.NoError(t, err)
	assert.Equal(t, 10.0, prev)
	assert.Equal(t, 42.0, shape.X)

	// Integers arrive from programmatic callers.
	_, err = setShapeProperty(&shape, "w", 64)
	assert.NoError(t, err)
	assert.Equal(t, 64.0, shape.W)

	_, err = setShapeProperty(&shape, "x", "not a number")
	assert.Error(t, err)
	assert.Equal(t, 42.0, shape.X)
}

func TestSetShapeProperty_PointsFromWireFormat(t *testing.T) {
	shape := validShape()

	prev, err := setShapeProperty(&shape, "points", []any{
		map[string]any{"x": 1.0, "y": 2.0},
		map[string]any{"x": 3.0, "y": 4.0},
	})
	assert.NoError(t, err)
	assert.Nil(t, prev)
	assert.Equal(t, []models.Point{{X: 1, Y: 2}, {X: 3, Y: 4}}, shape.Points)

	// Clearing the list is allowed.
	prev, err = setShapeProperty(&shape, "points", nil)
	assert.NoError(t, err)
	assert.Equal(t, []models.Point{{X: 1, Y: 2}, {X: 3, Y: 4}}, prev)
	assert.Nil(t, shape.Points)

	_, err = setShapeProperty(&shape, "points", []any{"bogus"})
	assert.Error(t, err)
}

func TestSetShapeProperty_StringFields(t *testing.T) {
	shape := validShape()

	prev, err := setShapeProperty(&shape, "text", "hello")
	assert.NoError(t, err)
	assert.Equal(t, "", prev)
	assert.Equal(t, "hello", shape.Text)

	_, err = setShapeProperty(&shape, "text", 42)
	assert.Error(t, err)

	_, err = setShapeProperty(&shape, "zIndex", 1)
	assert.Error(t, err)
}

func TestGetShapeProperty(t *testing.T) {
	shape := validShape()

	assert.Equal(t, 10.0, getShapeProperty(shape, "x"))
	assert.Equal(t, "#336699", getShapeProperty(shape, "color"))
	assert.Nil(t, getShapeProperty(shape, "zIndex"))
}
