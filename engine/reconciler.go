package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/sirupsen/logrus"

	"github.com/xvanov/collabcanvas-sub002/identity"
	"github.com/xvanov/collabcanvas-sub002/models"
)

// ErrLayerLocked rejects edits to shapes on a locked layer.
var ErrLayerLocked = errors.New("layer is locked")

// How far duplicated shapes are offset from their source.
const duplicateOffset = 10.0

// Mutation origins. Local edits are recorded in history and persisted;
// replayed edits (undo/redo) are persisted but never re-recorded; remote
// edits are neither.
type origin int

const (
	originLocal origin = iota
	originReplay
	originRemote
)

// Reconciler applies every document mutation to the in-memory scene. Local
// edits apply synchronously and optimistically; persistence and broadcast
// happen afterwards through the submit pipeline, and conflicting remote
// events are merged last-write-wins as they arrive.
type Reconciler struct {
	scene   *Scene
	history *History
	locks   *LockCoordinator
	clock   identity.Clock
	actor   models.Actor
	docId   string

	submit func(op QueuedOp)
	emit   func(eventType string, data any)
	audit  func(record models.AuditRecord)
	log    *logrus.Entry
}

func NewReconciler(docId string, actor models.Actor, scene *Scene, history *History, locks *LockCoordinator, clock identity.Clock, submit func(op QueuedOp), emit func(eventType string, data any), audit func(record models.AuditRecord), log *logrus.Entry) *Reconciler {
	return &Reconciler{
		scene:   scene,
		history: history,
		locks:   locks,
		clock:   clock,
		actor:   actor,
		docId:   docId,
		submit:  submit,
		emit:    emit,
		audit:   audit,
		log:     log,
	}
}

type CreateShapeParams struct {
	Type        models.ShapeType
	X           float64
	Y           float64
	W           float64
	H           float64
	Radius      float64
	Rotation    float64
	Text        string
	FontSize    float64
	StrokeWidth float64
	Points      []models.Point
	Color       string
	LayerId     string
}

// CreateShape builds a new shape on the given layer (active layer when
// empty) and applies it locally before anything touches the network.
func (r *Reconciler) CreateShape(params CreateShapeParams) (models.Shape, error) {
	// 1. Validation
	layerId := params.LayerId
	if layerId == "" {
		layerId = r.scene.ActiveLayerId()
	}
	layer, ok := r.scene.Layer(layerId)
	if !ok {
		return models.Shape{}, fmt.Errorf("layer %s does not exist", layerId)
	}
	if layer.Locked {
		return models.Shape{}, ErrLayerLocked
	}

	color := params.Color
	if color == "" {
		color = r.actor.Color
	}

	// 2. Build the shape
	id, err := uuid.NewV7()
	if err != nil {
		return models.Shape{}, fmt.Errorf("failed to generate shape id: %w", err)
	}
	now := r.clock.Now().UnixMilli()
	shape := models.Shape{
		Id:              id.String(),
		Type:            params.Type,
		X:               params.X,
		Y:               params.Y,
		W:               params.W,
		H:               params.H,
		Radius:          params.Radius,
		Rotation:        params.Rotation,
		Text:            params.Text,
		FontSize:        params.FontSize,
		StrokeWidth:     params.StrokeWidth,
		Points:          params.Points,
		Color:           color,
		LayerId:         layerId,
		CreatedAt:       now,
		CreatedBy:       r.actor.Id,
		UpdatedAt:       now,
		UpdatedBy:       r.actor.Id,
		ClientUpdatedAt: now,
	}
	if err := ValidateShape(shape); err != nil {
		return models.Shape{}, err
	}

	// 3. Apply locally
	r.scene.putShape(shape)

	// 4. Record in history
	r.history.Record(models.CreateAction{
		ActionMeta: models.ActionMeta{ActorId: r.actor.Id, At: now},
		Shape:      shape,
	})

	// 5. Audit, notify, persist
	r.recordAudit(models.ActionCreate, []string{shape.Id}, now)
	r.emit(EventShapePut, ShapePutData{Shape: shape, ActorId: r.actor.Id})
	r.submitShapePut(shape)
	return shape, nil
}

// UpdateShapeProperty edits a single property. Editing a shape that no
// longer exists is a silent no-op: it was deleted remotely and the deletion
// wins.
func (r *Reconciler) UpdateShapeProperty(id, property string, value any) error {
	// 1. Validation
	if err := ValidateProperty(property); err != nil {
		return err
	}
	shape, ok := r.scene.Shape(id)
	if !ok {
		r.log.WithField("shapeId", id).Debug("Ignoring edit of unknown shape")
		return nil
	}
	if err := r.editable(shape); err != nil {
		return err
	}
	if property == "layerId" {
		targetId, _ := value.(string)
		target, ok := r.scene.Layer(targetId)
		if !ok {
			return fmt.Errorf("layer %s does not exist", targetId)
		}
		if target.Locked {
			return ErrLayerLocked
		}
	}

	// 2. Apply the edit
	prev, err := setShapeProperty(&shape, property, value)
	if err != nil {
		return err
	}
	now := r.clock.Now().UnixMilli()
	shape.UpdatedAt = now
	shape.UpdatedBy = r.actor.Id
	shape.ClientUpdatedAt = now
	if err := ValidateShape(shape); err != nil {
		return err
	}
	r.scene.putShape(shape)

	// 3. Record in history
	r.history.Record(models.UpdateAction{
		ActionMeta: models.ActionMeta{ActorId: r.actor.Id, At: now},
		ShapeId:    id,
		Property:   property,
		Value:      getShapeProperty(shape, property),
		Previous:   prev,
	})

	// 4. Audit, notify, persist
	r.recordAudit(models.ActionUpdate, []string{id}, now)
	r.emit(EventShapePut, ShapePutData{Shape: shape, ActorId: r.actor.Id})
	r.submitShapePut(shape)
	return nil
}

// UpdateShapePosition is the drag path. It touches only the position and
// bookkeeping fields so a concurrent non-move edit to the same shape is
// never clobbered in the store.
func (r *Reconciler) UpdateShapePosition(id string, x, y float64) error {
	// 1. Validation
	shape, ok := r.scene.Shape(id)
	if !ok {
		r.log.WithField("shapeId", id).Debug("Ignoring move of unknown shape")
		return nil
	}
	if err := r.editable(shape); err != nil {
		return err
	}

	// 2. Apply locally
	prevX, prevY := shape.X, shape.Y
	now := r.clock.Now().UnixMilli()
	shape.X, shape.Y = x, y
	shape.UpdatedAt = now
	shape.UpdatedBy = r.actor.Id
	shape.ClientUpdatedAt = now
	r.scene.putShape(shape)

	// 3. Record in history
	r.history.Record(models.MoveAction{
		ActionMeta: models.ActionMeta{ActorId: r.actor.Id, At: now},
		ShapeId:    id,
		X:          x,
		Y:          y,
		PrevX:      prevX,
		PrevY:      prevY,
	})

	// 4. Audit, notify, persist
	r.recordAudit(models.ActionMove, []string{id}, now)
	moved := ShapeMovedData{ShapeId: id, X: x, Y: y, UpdatedAt: now, UpdatedBy: r.actor.Id, ClientUpdatedAt: now}
	r.emit(EventShapeMoved, moved)
	r.submitShapeMove(moved)
	return nil
}

func (r *Reconciler) DeleteShape(id string) error {
	return r.DeleteShapes([]string{id})
}

// DeleteShapes removes every deletable target. Locked and already-gone
// shapes are skipped rather than failing the batch.
func (r *Reconciler) DeleteShapes(ids []string) error {
	// 1. Validation
	if err := ValidateTargetCount(ids); err != nil {
		return err
	}
	var removed []models.Shape
	for _, id := range ids {
		shape, ok := r.scene.Shape(id)
		if !ok || r.editable(shape) != nil {
			continue
		}
		removed = append(removed, shape)
	}
	if len(removed) == 0 {
		return nil
	}

	// 2. Apply locally
	now := r.clock.Now().UnixMilli()
	for _, shape := range removed {
		r.scene.removeShape(shape.Id)
	}

	// 3. Record in history
	meta := models.ActionMeta{ActorId: r.actor.Id, At: now}
	kind := models.ActionDelete
	if len(removed) == 1 {
		r.history.Record(models.DeleteAction{ActionMeta: meta, Shape: removed[0]})
	} else {
		kind = models.ActionBulkDelete
		r.history.Record(models.BulkDeleteAction{ActionMeta: meta, Shapes: removed})
	}

	// 4. Audit, notify, persist
	r.recordAudit(kind, shapeIdsOf(removed), now)
	for _, shape := range removed {
		r.emit(EventShapeDeleted, ShapeDeletedData{ShapeId: shape.Id, ActorId: r.actor.Id})
		r.submitShapeDelete(shape.Id)
	}
	return nil
}

// DuplicateShapes clones the given shapes onto their own layers with a
// small offset. Locked sources may be duplicated; locked layers may not
// receive clones.
func (r *Reconciler) DuplicateShapes(ids []string) ([]models.Shape, error) {
	// 1. Validation
	if err := ValidateTargetCount(ids); err != nil {
		return nil, err
	}

	// 2. Build and apply the clones
	now := r.clock.Now().UnixMilli()
	var sources []string
	var clones []models.Shape
	for _, id := range ids {
		shape, ok := r.scene.Shape(id)
		if !ok {
			continue
		}
		if layer, ok := r.scene.Layer(shape.LayerId); ok && layer.Locked {
			continue
		}
		cloneId, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate shape id: %w", err)
		}
		clone := shape
		clone.Id = cloneId.String()
		clone.X += duplicateOffset
		clone.Y += duplicateOffset
		clone.Points = append([]models.Point(nil), shape.Points...)
		clone.CreatedAt = now
		clone.CreatedBy = r.actor.Id
		clone.UpdatedAt = now
		clone.UpdatedBy = r.actor.Id
		clone.ClientUpdatedAt = now
		r.scene.putShape(clone)
		sources = append(sources, id)
		clones = append(clones, clone)
	}
	if len(clones) == 0 {
		return nil, nil
	}

	// 3. Record in history
	r.history.Record(models.BulkDuplicateAction{
		ActionMeta: models.ActionMeta{ActorId: r.actor.Id, At: now},
		SourceIds:  sources,
		Created:    clones,
	})

	// 4. Audit, notify, persist
	r.recordAudit(models.ActionBulkDuplicate, shapeIdsOf(clones), now)
	for _, clone := range clones {
		r.emit(EventShapePut, ShapePutData{Shape: clone, ActorId: r.actor.Id})
		r.submitShapePut(clone)
	}
	return clones, nil
}

// MoveShapes translates every eligible target by (dx, dy) as one history
// entry.
func (r *Reconciler) MoveShapes(ids []string, dx, dy float64) error {
	// 1. Validation
	if err := ValidateTargetCount(ids); err != nil {
		return err
	}

	// 2. Apply locally
	now := r.clock.Now().UnixMilli()
	var moves []models.ShapeMove
	var events []ShapeMovedData
	for _, id := range ids {
		shape, ok := r.scene.Shape(id)
		if !ok || r.editable(shape) != nil {
			continue
		}
		prevX, prevY := shape.X, shape.Y
		shape.X += dx
		shape.Y += dy
		shape.UpdatedAt = now
		shape.UpdatedBy = r.actor.Id
		shape.ClientUpdatedAt = now
		r.scene.putShape(shape)
		moves = append(moves, models.ShapeMove{ShapeId: id, X: shape.X, Y: shape.Y, PrevX: prevX, PrevY: prevY})
		events = append(events, ShapeMovedData{ShapeId: id, X: shape.X, Y: shape.Y, UpdatedAt: now, UpdatedBy: r.actor.Id, ClientUpdatedAt: now})
	}
	if len(moves) == 0 {
		return nil
	}

	// 3. Record in history
	r.history.Record(models.BulkMoveAction{
		ActionMeta: models.ActionMeta{ActorId: r.actor.Id, At: now},
		Moves:      moves,
	})

	// 4. Audit, notify, persist
	ids = make([]string, len(moves))
	for i, m := range moves {
		ids[i] = m.ShapeId
	}
	r.recordAudit(models.ActionBulkMove, ids, now)
	for _, moved := range events {
		r.emit(EventShapeMoved, moved)
		r.submitShapeMove(moved)
	}
	return nil
}

// RotateShapes sets an absolute rotation on every eligible target.
func (r *Reconciler) RotateShapes(ids []string, rotation float64) error {
	// 1. Validation
	if err := ValidateTargetCount(ids); err != nil {
		return err
	}

	// 2. Apply locally
	now := r.clock.Now().UnixMilli()
	var rotations []models.ShapeRotation
	var shapes []models.Shape
	for _, id := range ids {
		shape, ok := r.scene.Shape(id)
		if !ok || r.editable(shape) != nil {
			continue
		}
		prev := shape.Rotation
		shape.Rotation = rotation
		shape.UpdatedAt = now
		shape.UpdatedBy = r.actor.Id
		shape.ClientUpdatedAt = now
		r.scene.putShape(shape)
		rotations = append(rotations, models.ShapeRotation{ShapeId: id, Rotation: rotation, PrevRotation: prev})
		shapes = append(shapes, shape)
	}
	if len(rotations) == 0 {
		return nil
	}

	// 3. Record in history
	r.history.Record(models.BulkRotateAction{
		ActionMeta: models.ActionMeta{ActorId: r.actor.Id, At: now},
		Rotations:  rotations,
	})

	// 4. Audit, notify, persist
	ids = make([]string, len(rotations))
	for i, rot := range rotations {
		ids[i] = rot.ShapeId
	}
	r.recordAudit(models.ActionBulkRotate, ids, now)
	for _, shape := range shapes {
		r.emit(EventShapePut, ShapePutData{Shape: shape, ActorId: r.actor.Id})
		r.submitShapePut(shape)
	}
	return nil
}

// CreateLayer appends a new layer above the existing ones. Layer operations
// are not undoable.
func (r *Reconciler) CreateLayer(name, color string) (models.Layer, error) {
	if name == "" {
		name = fmt.Sprintf("Layer %d", len(r.scene.Layers())+1)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return models.Layer{}, fmt.Errorf("failed to generate layer id: %w", err)
	}
	order := 0
	for _, layer := range r.scene.Layers() {
		if layer.Order >= order {
			order = layer.Order + 1
		}
	}
	layer := models.Layer{Id: id.String(), Name: name, Visible: true, Order: order, Color: color}
	if err := ValidateLayer(layer); err != nil {
		return models.Layer{}, err
	}

	r.scene.putLayer(layer)
	r.emit(EventLayerPut, LayerPutData{Layer: layer, ActorId: r.actor.Id})
	r.submitLayerPut(layer)
	return layer, nil
}

// UpdateLayer replaces a layer's attributes. The membership list is derived
// from the shapes and cannot be set directly.
func (r *Reconciler) UpdateLayer(layer models.Layer) error {
	existing, ok := r.scene.Layer(layer.Id)
	if !ok {
		return fmt.Errorf("layer %s does not exist", layer.Id)
	}
	layer.Shapes = existing.Shapes
	if err := ValidateLayer(layer); err != nil {
		return err
	}

	r.scene.putLayer(layer)
	r.emit(EventLayerPut, LayerPutData{Layer: layer, ActorId: r.actor.Id})
	r.submitLayerPut(layer)
	return nil
}

// DeleteLayer removes a layer and reassigns its shapes to the lowest-order
// survivor. The reassigned shapes persist before the layer removal so the
// store never holds a shape on a missing layer.
func (r *Reconciler) DeleteLayer(id string) error {
	if _, ok := r.scene.Layer(id); !ok {
		return nil
	}
	moved, _, ok := r.scene.removeLayer(id)
	if !ok {
		return errors.New("cannot delete the last layer")
	}

	now := r.clock.Now().UnixMilli()
	for _, shapeId := range moved {
		shape, ok := r.scene.Shape(shapeId)
		if !ok {
			continue
		}
		shape.UpdatedAt = now
		shape.UpdatedBy = r.actor.Id
		shape.ClientUpdatedAt = now
		r.scene.putShape(shape)
		r.emit(EventShapePut, ShapePutData{Shape: shape, ActorId: r.actor.Id})
		r.submitShapePut(shape)
	}

	r.emit(EventLayerDeleted, LayerDeletedData{LayerId: id, ActorId: r.actor.Id})
	r.submitLayerDelete(id)
	return nil
}

// SetActiveLayer is per-session state and touches nothing shared.
func (r *Reconciler) SetActiveLayer(id string) error {
	if !r.scene.setActiveLayer(id) {
		return fmt.Errorf("layer %s does not exist", id)
	}
	return nil
}

// ApplyAction runs a prebuilt action as a local edit, recording it in
// history. This is the programmatic command path; undo and redo use the
// replay origin instead.
func (r *Reconciler) ApplyAction(action models.Action) error {
	return r.applyAction(action, originLocal)
}

// applyAction executes an action variant against the scene. Every touched
// shape must be free of foreign locks or the whole action is refused.
func (r *Reconciler) applyAction(action models.Action, org origin) error {
	for _, id := range models.ActionShapeIds(action) {
		if r.locks.IsLockedByOther(id) {
			return ErrShapeLocked
		}
	}

	now := r.clock.Now().UnixMilli()
	switch a := action.(type) {
	case models.CreateAction:
		r.restoreShape(a.Shape, now)
	case models.BulkRestoreAction:
		for _, shape := range a.Shapes {
			r.restoreShape(shape, now)
		}
	case models.BulkDuplicateAction:
		for _, shape := range a.Created {
			r.restoreShape(shape, now)
		}
	case models.DeleteAction:
		r.dropShape(a.Shape.Id)
	case models.BulkDeleteAction:
		for _, shape := range a.Shapes {
			r.dropShape(shape.Id)
		}
	case models.UpdateAction:
		shape, ok := r.scene.Shape(a.ShapeId)
		if !ok {
			break
		}
		if _, err := setShapeProperty(&shape, a.Property, a.Value); err != nil {
			return err
		}
		shape.UpdatedAt = now
		shape.UpdatedBy = r.actor.Id
		shape.ClientUpdatedAt = now
		r.scene.putShape(shape)
		r.emit(EventShapePut, ShapePutData{Shape: shape, ActorId: r.actor.Id})
		r.submitShapePut(shape)
	case models.MoveAction:
		r.replayMove(a.ShapeId, a.X, a.Y, now)
	case models.BulkMoveAction:
		for _, m := range a.Moves {
			r.replayMove(m.ShapeId, m.X, m.Y, now)
		}
	case models.BulkRotateAction:
		for _, rot := range a.Rotations {
			shape, ok := r.scene.Shape(rot.ShapeId)
			if !ok {
				continue
			}
			shape.Rotation = rot.Rotation
			shape.UpdatedAt = now
			shape.UpdatedBy = r.actor.Id
			shape.ClientUpdatedAt = now
			r.scene.putShape(shape)
			r.emit(EventShapePut, ShapePutData{Shape: shape, ActorId: r.actor.Id})
			r.submitShapePut(shape)
		}
	default:
		return fmt.Errorf("unknown action kind %s", action.Kind())
	}

	if org == originLocal {
		r.history.Record(action)
	}
	r.recordAudit(action.Kind(), models.ActionShapeIds(action), now)
	return nil
}

// restoreShape re-creates a shape with fresh edit stamps so the restore
// propagates through last-write-wins merging everywhere.
func (r *Reconciler) restoreShape(shape models.Shape, now int64) {
	if _, ok := r.scene.Layer(shape.LayerId); !ok {
		shape.LayerId = r.scene.ActiveLayerId()
	}
	shape.UpdatedAt = now
	shape.UpdatedBy = r.actor.Id
	shape.ClientUpdatedAt = now
	r.scene.putShape(shape)
	r.emit(EventShapePut, ShapePutData{Shape: shape, ActorId: r.actor.Id})
	r.submitShapePut(shape)
}

func (r *Reconciler) dropShape(id string) {
	if _, ok := r.scene.removeShape(id); !ok {
		return
	}
	r.emit(EventShapeDeleted, ShapeDeletedData{ShapeId: id, ActorId: r.actor.Id})
	r.submitShapeDelete(id)
}

func (r *Reconciler) replayMove(id string, x, y float64, now int64) {
	shape, ok := r.scene.Shape(id)
	if !ok {
		return
	}
	shape.X, shape.Y = x, y
	shape.UpdatedAt = now
	shape.UpdatedBy = r.actor.Id
	shape.ClientUpdatedAt = now
	r.scene.putShape(shape)
	moved := ShapeMovedData{ShapeId: id, X: x, Y: y, UpdatedAt: now, UpdatedBy: r.actor.Id, ClientUpdatedAt: now}
	r.emit(EventShapeMoved, moved)
	r.submitShapeMove(moved)
}

// HandleSceneEvent merges one event from the document channel into the
// local scene.
func (r *Reconciler) HandleSceneEvent(env Envelope) {
	switch env.Type {
	case EventShapePut:
		var d ShapePutData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			r.log.WithError(err).Warn("Bad shape_put event")
			return
		}
		r.handleRemoteShapePut(d)
	case EventShapeMoved:
		var d ShapeMovedData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			r.log.WithError(err).Warn("Bad shape_moved event")
			return
		}
		r.handleRemoteShapeMoved(d)
	case EventShapeDeleted:
		var d ShapeDeletedData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			r.log.WithError(err).Warn("Bad shape_deleted event")
			return
		}
		r.handleRemoteShapeDeleted(d)
	case EventLayerPut:
		var d LayerPutData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			r.log.WithError(err).Warn("Bad layer_put event")
			return
		}
		r.handleRemoteLayerPut(d)
	case EventLayerDeleted:
		var d LayerDeletedData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			r.log.WithError(err).Warn("Bad layer_deleted event")
			return
		}
		r.handleRemoteLayerDeleted(d)
	default:
		r.log.WithField("type", env.Type).Debug("Unknown scene event")
	}
}

func (r *Reconciler) handleRemoteShapePut(d ShapePutData) {
	local, ok := r.scene.Shape(d.Shape.Id)
	if ok && !d.Shape.NewerThan(local) {
		r.log.WithField("shapeId", d.Shape.Id).Debug("Discarding stale shape event")
		return
	}
	r.scene.putShape(d.Shape)
	r.emit(EventShapePut, d)
}

// handleRemoteShapeMoved applies position only. A move cannot resurrect a
// deleted shape.
func (r *Reconciler) handleRemoteShapeMoved(d ShapeMovedData) {
	local, ok := r.scene.Shape(d.ShapeId)
	if !ok {
		return
	}
	newer := d.ClientUpdatedAt > local.ClientUpdatedAt ||
		(d.ClientUpdatedAt == local.ClientUpdatedAt && d.UpdatedAt > local.UpdatedAt)
	if !newer {
		r.log.WithField("shapeId", d.ShapeId).Debug("Discarding stale move event")
		return
	}
	local.X, local.Y = d.X, d.Y
	local.UpdatedAt = d.UpdatedAt
	local.UpdatedBy = d.UpdatedBy
	local.ClientUpdatedAt = d.ClientUpdatedAt
	r.scene.putShape(local)
	r.emit(EventShapeMoved, d)
}

// handleRemoteShapeDeleted always wins over local edits: resurrecting a
// shape someone watched disappear is worse than losing a late edit.
func (r *Reconciler) handleRemoteShapeDeleted(d ShapeDeletedData) {
	if _, ok := r.scene.removeShape(d.ShapeId); !ok {
		return
	}
	r.emit(EventShapeDeleted, d)
}

func (r *Reconciler) handleRemoteLayerPut(d LayerPutData) {
	if existing, ok := r.scene.Layer(d.Layer.Id); ok {
		d.Layer.Shapes = existing.Shapes
	} else {
		d.Layer.Shapes = nil
	}
	r.scene.putLayer(d.Layer)
	r.emit(EventLayerPut, d)
}

// handleRemoteLayerDeleted mirrors the deletion locally, reassigning
// orphans the same way the deleting session did. The follow-up shape_put
// events confirm the reassignment.
func (r *Reconciler) handleRemoteLayerDeleted(d LayerDeletedData) {
	moved, _, ok := r.scene.removeLayer(d.LayerId)
	if !ok {
		return
	}
	r.emit(EventLayerDeleted, d)
	for _, shapeId := range moved {
		if shape, ok := r.scene.Shape(shapeId); ok {
			r.emit(EventShapePut, ShapePutData{Shape: shape, ActorId: d.ActorId})
		}
	}
}

// ApplySnapshot replaces the scene with a fresh load from the persistent
// store, keeping any local shape that is strictly newer than its stored
// counterpart. Shapes absent from the snapshot are dropped: they were
// deleted while this session was away.
func (r *Reconciler) ApplySnapshot(shapes []models.Shape, layers []models.Layer) {
	shapeMap := make(map[string]models.Shape, len(shapes))
	for _, shape := range shapes {
		if local, ok := r.scene.Shape(shape.Id); ok && local.NewerThan(shape) {
			shapeMap[shape.Id] = local
			continue
		}
		shapeMap[shape.Id] = shape
	}
	layerMap := make(map[string]models.Layer, len(layers))
	for _, layer := range layers {
		layerMap[layer.Id] = layer
	}
	r.scene.replaceAll(shapeMap, layerMap)
	r.EnsureDefaultLayer()
	r.emit(EventSceneState, r.scene.Snapshot())
}

// EnsureDefaultLayer creates and persists the base layer for a document
// that has none. The fixed id keeps two first-joiners from racing to create
// different base layers.
func (r *Reconciler) EnsureDefaultLayer() {
	if len(r.scene.Layers()) > 0 {
		return
	}
	layer := models.Layer{Id: DefaultLayerId, Name: "Layer 1", Visible: true, Order: 0}
	r.scene.putLayer(layer)
	r.emit(EventLayerPut, LayerPutData{Layer: layer, ActorId: r.actor.Id})
	r.submitLayerPut(layer)
}

func (r *Reconciler) editable(shape models.Shape) error {
	if r.locks.IsLockedByOther(shape.Id) {
		return ErrShapeLocked
	}
	if layer, ok := r.scene.Layer(shape.LayerId); ok && layer.Locked {
		return ErrLayerLocked
	}
	return nil
}

func (r *Reconciler) recordAudit(kind models.ActionKind, shapeIds []string, at int64) {
	if r.audit == nil {
		return
	}
	id, err := uuid.NewV7()
	if err != nil {
		return
	}
	r.audit(models.AuditRecord{
		Id:       id.String(),
		DocId:    r.docId,
		ActorId:  r.actor.Id,
		Kind:     string(kind),
		ShapeIds: shapeIds,
		At:       at,
	})
}

func (r *Reconciler) submitShapePut(shape models.Shape) {
	r.submitOp(opShapePut, shape.Id, shape)
}

func (r *Reconciler) submitShapeMove(moved ShapeMovedData) {
	r.submitOp(opShapeMove, moved.ShapeId, moved)
}

func (r *Reconciler) submitShapeDelete(id string) {
	r.submitOp(opShapeDelete, id, ShapeDeletedData{ShapeId: id, ActorId: r.actor.Id})
}

func (r *Reconciler) submitLayerPut(layer models.Layer) {
	r.submitOp(opLayerPut, layer.Id, layer)
}

func (r *Reconciler) submitLayerDelete(id string) {
	r.submitOp(opLayerDelete, id, LayerDeletedData{LayerId: id, ActorId: r.actor.Id})
}

func (r *Reconciler) submitOp(kind, targetId string, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		r.log.WithError(err).WithField("kind", kind).Error("Failed to encode persist op")
		return
	}
	r.submit(QueuedOp{
		Kind:     kind,
		TargetId: targetId,
		At:       r.clock.Now().UnixMilli(),
		Payload:  encoded,
	})
}

func shapeIdsOf(shapes []models.Shape) []string {
	ids := make([]string, len(shapes))
	for i, s := range shapes {
		ids[i] = s.Id
	}
	return ids
}
