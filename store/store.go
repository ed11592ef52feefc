package store

import (
	"context"
	"errors"

	"github.com/xvanov/collabcanvas-sub002/models"
)

// SceneStore is the persistent document store. One docId names one scene;
// shapes and layers under it are written individually so concurrent editors
// only contend on the items they touch.
type SceneStore interface {
	GetScene(ctx context.Context, docId string) ([]models.Shape, []models.Layer, error)
	PutShape(ctx context.Context, docId string, shape models.Shape) error
	UpdateShapePosition(ctx context.Context, docId string, shapeId string, pos PositionUpdate) error
	DeleteShape(ctx context.Context, docId string, shapeId string) error
	PutLayer(ctx context.Context, docId string, layer models.Layer) error
	DeleteLayer(ctx context.Context, docId string, layerId string) error

	EnsureActor(ctx context.Context, actor models.Actor) (models.Actor, error)
	GetActor(ctx context.Context, provider string, providerId string) (models.Actor, error)

	WriteAuditBatch(ctx context.Context, records []models.AuditRecord) ([]models.AuditRecord, error)
	GetAuditRecords(ctx context.Context, docId string, limit int32) ([]models.AuditRecord, error)

	Ping(ctx context.Context) error
}

// PositionUpdate is the only partial shape write. Drags touch nothing but
// position and edit stamps, so they can never clobber a concurrent property
// change to the same shape.
type PositionUpdate struct {
	X               float64
	Y               float64
	UpdatedAt       int64
	UpdatedBy       string
	ClientUpdatedAt int64
}

// ErrItemNotFound is returned for reads and conditional writes that target
// a missing item.
var ErrItemNotFound = errors.New("item does not exist")
