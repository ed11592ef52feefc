package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xvanov/collabcanvas-sub002/ephemeral"
	"github.com/xvanov/collabcanvas-sub002/models"
)

type MockEphemeral struct {
	mock.Mock
}

var _ ephemeral.Store = (*MockEphemeral)(nil)

func (m *MockEphemeral) Publish(ctx context.Context, channel string, message []byte) error {
	args := m.Called(ctx, channel, message)
	return args.Error(0)
}

func (m *MockEphemeral) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	args := m.Called(ctx, channel, handler)
	return args.Error(0)
}

func (m *MockEphemeral) AcquireLock(ctx context.Context, docId string, lock models.Lock) (bool, error) {
	args := m.Called(ctx, docId, lock)
	return args.Bool(0), args.Error(1)
}

func (m *MockEphemeral) ReleaseLock(ctx context.Context, docId string, shapeId string) error {
	args := m.Called(ctx, docId, shapeId)
	return args.Error(0)
}

func (m *MockEphemeral) GetLocks(ctx context.Context, docId string) (map[string]models.Lock, error) {
	args := m.Called(ctx, docId)
	var locks map[string]models.Lock
	if args.Get(0) != nil {
		locks = args.Get(0).(map[string]models.Lock)
	}
	return locks, args.Error(1)
}

func (m *MockEphemeral) ReleaseActorLocks(ctx context.Context, docId string, userId string) ([]string, error) {
	args := m.Called(ctx, docId, userId)
	var shapeIds []string
	if args.Get(0) != nil {
		shapeIds = args.Get(0).([]string)
	}
	return shapeIds, args.Error(1)
}

func (m *MockEphemeral) PutPresence(ctx context.Context, docId string, presence models.Presence) error {
	args := m.Called(ctx, docId, presence)
	return args.Error(0)
}

func (m *MockEphemeral) RemovePresence(ctx context.Context, docId string, userId string) error {
	args := m.Called(ctx, docId, userId)
	return args.Error(0)
}

func (m *MockEphemeral) GetPresence(ctx context.Context, docId string) (map[string]models.Presence, error) {
	args := m.Called(ctx, docId)
	var entries map[string]models.Presence
	if args.Get(0) != nil {
		entries = args.Get(0).(map[string]models.Presence)
	}
	return entries, args.Error(1)
}

func (m *MockEphemeral) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
