package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xvanov/collabcanvas-sub002/models"
)

func moveAction(shapeId string, x, y, prevX, prevY float64) models.MoveAction {
	return models.MoveAction{
		ActionMeta: models.ActionMeta{ActorId: "user1", At: 1000},
		ShapeId:    shapeId,
		X:          x,
		Y:          y,
		PrevX:      prevX,
		PrevY:      prevY,
	}
}

func TestHistory_UndoAppliesInverse(t *testing.T) {
	var applied []models.Action
	h := NewHistory(10, func(a models.Action) error {
		applied = append(applied, a)
		return nil
	}, testLog())

	action := moveAction("s1", 30, 40, 10, 20)
	h.Record(action)
	assert.True(t, h.CanUndo())
	assert.False(t, h.CanRedo())

	undone, err := h.Undo()
	assert.NoError(t, err)
	assert.Equal(t, action, undone)

	// The applier receives the inverse, not the recorded action.
	assert.Len(t, applied, 1)
	inverse, ok := applied[0].(models.MoveAction)
	assert.True(t, ok)
	assert.Equal(t, 10.0, inverse.X)
	assert.Equal(t, 20.0, inverse.Y)

	assert.False(t, h.CanUndo())
	assert.True(t, h.CanRedo())
}

func TestHistory_RedoReappliesVerbatim(t *testing.T) {
	var applied []models.Action
	h := NewHistory(10, func(a models.Action) error {
		applied = append(applied, a)
		return nil
	}, testLog())

	action := moveAction("s1", 30, 40, 10, 20)
	h.Record(action)
	h.Undo()

	redone, err := h.Redo()
	assert.NoError(t, err)
	assert.Equal(t, action, redone)
	assert.Len(t, applied, 2)
	assert.Equal(t, action, applied[1])
	assert.True(t, h.CanUndo())
	assert.False(t, h.CanRedo())
}

func TestHistory_EmptyStacksAreNoops(t *testing.T) {
	h := NewHistory(10, func(models.Action) error { return nil }, testLog())

	action, err := h.Undo()
	assert.NoError(t, err)
	assert.Nil(t, action)

	action, err = h.Redo()
	assert.NoError(t, err)
	assert.Nil(t, action)
}

func TestHistory_LimitEvictsOldest(t *testing.T) {
	h := NewHistory(2, func(models.Action) error { return nil }, testLog())

	h.Record(moveAction("s1", 1, 1, 0, 0))
	h.Record(moveAction("s2", 2, 2, 0, 0))
	h.Record(moveAction("s3", 3, 3, 0, 0))

	// s1 fell off the bottom; only the two newest actions remain.
	past, _ := h.Len()
	assert.Equal(t, 2, past)

	undone, _ := h.Undo()
	assert.Equal(t, "s3", undone.(models.MoveAction).ShapeId)
	undone, _ = h.Undo()
	assert.Equal(t, "s2", undone.(models.MoveAction).ShapeId)
	undone, err := h.Undo()
	assert.NoError(t, err)
	assert.Nil(t, undone)
}

func TestHistory_RecordClearsRedo(t *testing.T) {
	h := NewHistory(10, func(models.Action) error { return nil }, testLog())

	h.Record(moveAction("s1", 1, 1, 0, 0))
	h.Undo()
	assert.True(t, h.CanRedo())

	h.Record(moveAction("s2", 2, 2, 0, 0))
	assert.False(t, h.CanRedo())
}

func TestHistory_RefusedUndoStaysOnStack(t *testing.T) {
	refuse := true
	h := NewHistory(10, func(models.Action) error {
		if refuse {
			return errors.New("shape is locked by another user")
		}
		return nil
	}, testLog())

	h.Record(moveAction("s1", 1, 1, 0, 0))

	undone, err := h.Undo()
	assert.Error(t, err)
	assert.Nil(t, undone)
	assert.True(t, h.CanUndo())
	assert.False(t, h.CanRedo())

	// Once the applier accepts, the same action undoes normally.
	refuse = false
	undone, err = h.Undo()
	assert.NoError(t, err)
	assert.NotNil(t, undone)
	assert.True(t, h.CanRedo())
}

func TestHistory_Clear(t *testing.T) {
	h := NewHistory(10, func(models.Action) error { return nil }, testLog())
	h.Record(moveAction("s1", 1, 1, 0, 0))
	h.Record(moveAction("s2", 2, 2, 0, 0))
	h.Undo()

	h.Clear()
	assert.False(t, h.CanUndo())
	assert.False(t, h.CanRedo())
}
