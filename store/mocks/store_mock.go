package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/xvanov/collabcanvas-sub002/models"
	"github.com/xvanov/collabcanvas-sub002/store"
)

type MockSceneStore struct {
	mock.Mock
}

var _ store.SceneStore = (*MockSceneStore)(nil)

func (m *MockSceneStore) GetScene(ctx context.Context, docId string) ([]models.Shape, []models.Layer, error) {
	args := m.Called(ctx, docId)
	var shapes []models.Shape
	if args.Get(0) != nil {
		shapes = args.Get(0).([]models.Shape)
	}
	var layers []models.Layer
	if args.Get(1) != nil {
		layers = args.Get(1).([]models.Layer)
	}
	return shapes, layers, args.Error(2)
}

func (m *MockSceneStore) PutShape(ctx context.Context, docId string, shape models.Shape) error {
	args := m.Called(ctx, docId, shape)
	return args.Error(0)
}

func (m *MockSceneStore) UpdateShapePosition(ctx context.Context, docId string, shapeId string, pos store.PositionUpdate) error {
	args := m.Called(ctx, docId, shapeId, pos)
	return args.Error(0)
}

func (m *MockSceneStore) DeleteShape(ctx context.Context, docId string, shapeId string) error {
	args := m.Called(ctx, docId, shapeId)
	return args.Error(0)
}

func (m *MockSceneStore) PutLayer(ctx context.Context, docId string, layer models.Layer) error {
	args := m.Called(ctx, docId, layer)
	return args.Error(0)
}

func (m *MockSceneStore) DeleteLayer(ctx context.Context, docId string, layerId string) error {
	args := m.Called(ctx, docId, layerId)
	return args.Error(0)
}

func (m *MockSceneStore) EnsureActor(ctx context.Context, actor models.Actor) (models.Actor, error) {
	args := m.Called(ctx, actor)
	return args.Get(0).(models.Actor), args.Error(1)
}

func (m *MockSceneStore) GetActor(ctx context.Context, provider string, providerId string) (models.Actor, error) {
	args := m.Called(ctx, provider, providerId)
	return args.Get(0).(models.Actor), args.Error(1)
}

func (m *MockSceneStore) WriteAuditBatch(ctx context.Context, records []models.AuditRecord) ([]models.AuditRecord, error) {
	args := m.Called(ctx, records)
	var unprocessed []models.AuditRecord
	if args.Get(0) != nil {
		unprocessed = args.Get(0).([]models.AuditRecord)
	}
	return unprocessed, args.Error(1)
}

func (m *MockSceneStore) GetAuditRecords(ctx context.Context, docId string, limit int32) ([]models.AuditRecord, error) {
	args := m.Called(ctx, docId, limit)
	var records []models.AuditRecord
	if args.Get(0) != nil {
		records = args.Get(0).([]models.AuditRecord)
	}
	return records, args.Error(1)
}

func (m *MockSceneStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
