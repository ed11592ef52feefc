package models

type ActionKind string

const (
	ActionCreate        ActionKind = "CREATE"
	ActionDelete        ActionKind = "DELETE"
	ActionUpdate        ActionKind = "UPDATE"
	ActionMove          ActionKind = "MOVE"
	ActionBulkDelete    ActionKind = "BULK_DELETE"
	ActionBulkRestore   ActionKind = "BULK_RESTORE"
	ActionBulkDuplicate ActionKind = "BULK_DUPLICATE"
	ActionBulkMove      ActionKind = "BULK_MOVE"
	ActionBulkRotate    ActionKind = "BULK_ROTATE"
)

// Action is a closed set: every variant lives in this package and knows how
// to produce the action that undoes it. Applying an action and then its
// inverse restores the prior document state.
type Action interface {
	Kind() ActionKind
	Meta() ActionMeta
	Invert() Action
	isCanvasAction()
}

type ActionMeta struct {
	ActorId string
	At      int64
}

func (m ActionMeta) Meta() ActionMeta { return m }
func (ActionMeta) isCanvasAction()    {}

type CreateAction struct {
	ActionMeta
	Shape Shape
}

func (a CreateAction) Kind() ActionKind { return ActionCreate }
func (a CreateAction) Invert() Action {
	return DeleteAction{ActionMeta: a.ActionMeta, Shape: a.Shape}
}

// DeleteAction carries the full shape as it stood before deletion so the
// inverse can rebuild it.
type DeleteAction struct {
	ActionMeta
	Shape Shape
}

func (a DeleteAction) Kind() ActionKind { return ActionDelete }
func (a DeleteAction) Invert() Action {
	return CreateAction{ActionMeta: a.ActionMeta, Shape: a.Shape}
}

type UpdateAction struct {
	ActionMeta
	ShapeId  string
	Property string
	Value    any
	Previous any
}

func (a UpdateAction) Kind() ActionKind { return ActionUpdate }
func (a UpdateAction) Invert() Action {
	return UpdateAction{ActionMeta: a.ActionMeta, ShapeId: a.ShapeId, Property: a.Property, Value: a.Previous, Previous: a.Value}
}

type MoveAction struct {
	ActionMeta
	ShapeId string
	X       float64
	Y       float64
	PrevX   float64
	PrevY   float64
}

func (a MoveAction) Kind() ActionKind { return ActionMove }
func (a MoveAction) Invert() Action {
	return MoveAction{ActionMeta: a.ActionMeta, ShapeId: a.ShapeId, X: a.PrevX, Y: a.PrevY, PrevX: a.X, PrevY: a.Y}
}

type BulkDeleteAction struct {
	ActionMeta
	Shapes []Shape
}

func (a BulkDeleteAction) Kind() ActionKind { return ActionBulkDelete }
func (a BulkDeleteAction) Invert() Action {
	return BulkRestoreAction{ActionMeta: a.ActionMeta, Shapes: a.Shapes}
}

// BulkRestoreAction re-creates previously deleted shapes with their original
// ids. It exists so bulk deletion has an inverse inside the closed set.
type BulkRestoreAction struct {
	ActionMeta
	Shapes []Shape
}

func (a BulkRestoreAction) Kind() ActionKind { return ActionBulkRestore }
func (a BulkRestoreAction) Invert() Action {
	return BulkDeleteAction{ActionMeta: a.ActionMeta, Shapes: a.Shapes}
}

// BulkDuplicateAction remembers the created clones, ids included, so redo
// rebuilds exactly the shapes the user saw the first time.
type BulkDuplicateAction struct {
	ActionMeta
	SourceIds []string
	Created   []Shape
}

func (a BulkDuplicateAction) Kind() ActionKind { return ActionBulkDuplicate }
func (a BulkDuplicateAction) Invert() Action {
	return BulkDeleteAction{ActionMeta: a.ActionMeta, Shapes: a.Created}
}

type ShapeMove struct {
	ShapeId string
	X       float64
	Y       float64
	PrevX   float64
	PrevY   float64
}

type BulkMoveAction struct {
	ActionMeta
	Moves []ShapeMove
}

func (a BulkMoveAction) Kind() ActionKind { return ActionBulkMove }
func (a BulkMoveAction) Invert() Action {
	moves := make([]ShapeMove, len(a.Moves))
	for i, m := range a.Moves {
		moves[i] = ShapeMove{ShapeId: m.ShapeId, X: m.PrevX, Y: m.PrevY, PrevX: m.X, PrevY: m.Y}
	}
	return BulkMoveAction{ActionMeta: a.ActionMeta, Moves: moves}
}

type ShapeRotation struct {
	ShapeId      string
	Rotation     float64
	PrevRotation float64
}

type BulkRotateAction struct {
	ActionMeta
	Rotations []ShapeRotation
}

func (a BulkRotateAction) Kind() ActionKind { return ActionBulkRotate }
func (a BulkRotateAction) Invert() Action {
	rots := make([]ShapeRotation, len(a.Rotations))
	for i, r := range a.Rotations {
		rots[i] = ShapeRotation{ShapeId: r.ShapeId, Rotation: r.PrevRotation, PrevRotation: r.Rotation}
	}
	return BulkRotateAction{ActionMeta: a.ActionMeta, Rotations: rots}
}

// ActionShapeIds lists the shape ids an action touches, for audit records.
func ActionShapeIds(a Action) []string {
	switch v := a.(type) {
	case CreateAction:
		return []string{v.Shape.Id}
	case DeleteAction:
		return []string{v.Shape.Id}
	case UpdateAction:
		return []string{v.ShapeId}
	case MoveAction:
		return []string{v.ShapeId}
	case BulkDeleteAction:
		return shapeIds(v.Shapes)
	case BulkRestoreAction:
		return shapeIds(v.Shapes)
	case BulkDuplicateAction:
		return shapeIds(v.Created)
	case BulkMoveAction:
		ids := make([]string, len(v.Moves))
		for i, m := range v.Moves {
			ids[i] = m.ShapeId
		}
		return ids
	case BulkRotateAction:
		ids := make([]string, len(v.Rotations))
		for i, r := range v.Rotations {
			ids[i] = r.ShapeId
		}
		return ids
	}
	return nil
}

func shapeIds(shapes []Shape) []string {
	ids := make([]string, len(shapes))
	for i, s := range shapes {
		ids[i] = s.Id
	}
	return ids
}
