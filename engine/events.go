package engine

import (
	"encoding/json"
	"fmt"

	"github.com/xvanov/collabcanvas-sub002/models"
)

// Event types carried on the per-document pub/sub channels and mirrored to
// the rendering surface through the session listeners.
const (
	EventShapePut     = "shape_put"
	EventShapeMoved   = "shape_moved"
	EventShapeDeleted = "shape_deleted"
	EventLayerPut     = "layer_put"
	EventLayerDeleted = "layer_deleted"

	EventLockAcquired = "lock_acquired"
	EventLockReleased = "lock_released"

	EventCursor         = "cursor"
	EventPresenceJoined = "presence_joined"
	EventPresenceLeft   = "presence_left"

	// EventSceneState is listener-only: emitted after a snapshot resync so
	// the rendering surface can redraw from scratch.
	EventSceneState = "scene_state"
)

// Envelope is the wire frame for every pub/sub event.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func EncodeEvent(eventType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return json.Marshal(Envelope{Type: eventType, Data: data})
}

func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode event envelope: %w", err)
	}
	return env, nil
}

type ShapePutData struct {
	Shape   models.Shape `json:"shape"`
	ActorId string       `json:"actorId"`
}

// ShapeMovedData carries only the position fields. Receivers must not touch
// any other attribute of the shape when applying it.
type ShapeMovedData struct {
	ShapeId         string  `json:"shapeId"`
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
	UpdatedAt       int64   `json:"updatedAt"`
	UpdatedBy       string  `json:"updatedBy"`
	ClientUpdatedAt int64   `json:"clientUpdatedAt"`
}

type ShapeDeletedData struct {
	ShapeId string `json:"shapeId"`
	ActorId string `json:"actorId"`
}

type LayerPutData struct {
	Layer   models.Layer `json:"layer"`
	ActorId string       `json:"actorId"`
}

type LayerDeletedData struct {
	LayerId string `json:"layerId"`
	ActorId string `json:"actorId"`
}

type LockEventData struct {
	Lock models.Lock `json:"lock"`
}

type PresenceEventData struct {
	Presence models.Presence `json:"presence"`
}

// SceneStateData is the full-document payload behind EventSceneState.
type SceneStateData struct {
	Shapes        []models.Shape `json:"shapes"`
	Layers        []models.Layer `json:"layers"`
	ActiveLayerId string         `json:"activeLayerId"`
}

// SceneListener receives document events: the payload is the typed *Data
// struct matching the event type.
type SceneListener func(eventType string, data any)

// PresenceListener receives cursor and join/leave events for remote actors.
type PresenceListener func(eventType string, presence models.Presence)

// LockListener receives lock grant and release events, including the
// session's own.
type LockListener func(eventType string, lock models.Lock)

// ConnectionListener receives connectivity transitions.
type ConnectionListener func(state models.ConnectionState)
