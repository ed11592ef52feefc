package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sirupsen/logrus"

	"github.com/xvanov/collabcanvas-sub002/models"
	"github.com/xvanov/collabcanvas-sub002/store"
)

type sceneData struct {
	shapes map[string]models.Shape
	layers map[string]models.Layer
}

// MemorySceneStore keeps everything in process memory. Used for dev mode and
// tests; same semantics as the DynamoDB backend.
type MemorySceneStore struct {
	mu     sync.RWMutex
	scenes map[string]*sceneData
	actors map[string]models.Actor
	audits map[string][]models.AuditRecord
}

func NewMemorySceneStore() *MemorySceneStore {
	return &MemorySceneStore{
		scenes: make(map[string]*sceneData),
		actors: make(map[string]models.Actor),
		audits: make(map[string][]models.AuditRecord),
	}
}

func (memStore *MemorySceneStore) scene(docId string) *sceneData {
	sc, ok := memStore.scenes[docId]
	if !ok {
		sc = &sceneData{
			shapes: make(map[string]models.Shape),
			layers: make(map[string]models.Layer),
		}
		memStore.scenes[docId] = sc
	}
	return sc
}

func (memStore *MemorySceneStore) GetScene(ctx context.Context, docId string) ([]models.Shape, []models.Layer, error) {
	memStore.mu.RLock()
	defer memStore.mu.RUnlock()

	sc, ok := memStore.scenes[docId]
	if !ok {
		return nil, nil, nil
	}

	shapes := make([]models.Shape, 0, len(sc.shapes))
	for _, s := range sc.shapes {
		shapes = append(shapes, s)
	}
	layers := make([]models.Layer, 0, len(sc.layers))
	for _, l := range sc.layers {
		layers = append(layers, l)
	}

	return shapes, layers, nil
}

func (memStore *MemorySceneStore) PutShape(ctx context.Context, docId string, shape models.Shape) error {
	memStore.mu.Lock()
	defer memStore.mu.Unlock()

	memStore.scene(docId).shapes[shape.Id] = shape
	return nil
}

func (memStore *MemorySceneStore) UpdateShapePosition(ctx context.Context, docId string, shapeId string, pos store.PositionUpdate) error {
	memStore.mu.Lock()
	defer memStore.mu.Unlock()

	sc := memStore.scene(docId)
	shape, ok := sc.shapes[shapeId]
	if !ok {
		return store.ErrItemNotFound
	}

	shape.X = pos.X
	shape.Y = pos.Y
	shape.UpdatedAt = pos.UpdatedAt
	shape.UpdatedBy = pos.UpdatedBy
	shape.ClientUpdatedAt = pos.ClientUpdatedAt
	sc.shapes[shapeId] = shape
	return nil
}

// DeleteShape is idempotent, matching DynamoDB delete semantics.
func (memStore *MemorySceneStore) DeleteShape(ctx context.Context, docId string, shapeId string) error {
	memStore.mu.Lock()
	defer memStore.mu.Unlock()

	delete(memStore.scene(docId).shapes, shapeId)
	return nil
}

func (memStore *MemorySceneStore) PutLayer(ctx context.Context, docId string, layer models.Layer) error {
	memStore.mu.Lock()
	defer memStore.mu.Unlock()

	memStore.scene(docId).layers[layer.Id] = layer
	return nil
}

func (memStore *MemorySceneStore) DeleteLayer(ctx context.Context, docId string, layerId string) error {
	memStore.mu.Lock()
	defer memStore.mu.Unlock()

	delete(memStore.scene(docId).layers, layerId)
	return nil
}

func (memStore *MemorySceneStore) EnsureActor(ctx context.Context, actor models.Actor) (models.Actor, error) {
	memStore.mu.Lock()
	defer memStore.mu.Unlock()

	key := actor.Provider + "#" + actor.ProviderId
	if existing, ok := memStore.actors[key]; ok {
		return existing, nil
	}

	if actor.Id == "" {
		actorId, err := uuid.NewV7()
		if err != nil {
			return models.Actor{}, err
		}
		actor.Id = actorId.String()
	}
	if actor.CreatedAt == 0 {
		actor.CreatedAt = time.Now().UnixMilli()
	}

	memStore.actors[key] = actor
	logrus.WithFields(logrus.Fields{"actorId": actor.Id, "provider": actor.Provider}).Debug("actor created")
	return actor, nil
}

func (memStore *MemorySceneStore) GetActor(ctx context.Context, provider string, providerId string) (models.Actor, error) {
	memStore.mu.RLock()
	defer memStore.mu.RUnlock()

	actor, ok := memStore.actors[provider+"#"+providerId]
	if !ok {
		return models.Actor{}, store.ErrItemNotFound
	}
	return actor, nil
}

func (memStore *MemorySceneStore) WriteAuditBatch(ctx context.Context, records []models.AuditRecord) ([]models.AuditRecord, error) {
	memStore.mu.Lock()
	defer memStore.mu.Unlock()

	for _, r := range records {
		memStore.audits[r.DocId] = append(memStore.audits[r.DocId], r)
	}
	return nil, nil
}

// GetAuditRecords returns the newest records first.
func (memStore *MemorySceneStore) GetAuditRecords(ctx context.Context, docId string, limit int32) ([]models.AuditRecord, error) {
	memStore.mu.RLock()
	defer memStore.mu.RUnlock()

	all := memStore.audits[docId]
	records := make([]models.AuditRecord, len(all))
	copy(records, all)
	sort.Slice(records, func(i, j int) bool { return records[i].At > records[j].At })

	if limit > 0 && len(records) > int(limit) {
		records = records[:limit]
	}
	return records, nil
}

func (memStore *MemorySceneStore) Ping(ctx context.Context) error {
	return nil
}
