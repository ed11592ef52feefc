package engine

import (
	"sort"
	"sync"

	"github.com/xvanov/collabcanvas-sub002/models"
)

// DefaultLayerId is the deterministic id of the layer every fresh document
// starts with. Using a fixed id keeps concurrent first-joiners from creating
// duplicate base layers.
const DefaultLayerId = "default"

// Scene is the in-memory working copy of one document. All reads hand out
// copies; mutation goes through the reconciler, which keeps the
// layer-membership lists in step with the shapes.
type Scene struct {
	mu            sync.RWMutex
	shapes        map[string]models.Shape
	layers        map[string]models.Layer
	activeLayerId string
}

func NewScene() *Scene {
	return &Scene{
		shapes: make(map[string]models.Shape),
		layers: make(map[string]models.Layer),
	}
}

func (s *Scene) Shape(id string) (models.Shape, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	shape, ok := s.shapes[id]
	return shape, ok
}

// Shapes returns every shape ordered for rendering: by layer order, then by
// creation time, then by id for a stable tie-break.
func (s *Scene) Shapes() []models.Shape {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order := make(map[string]int, len(s.layers))
	for id, layer := range s.layers {
		order[id] = layer.Order
	}

	shapes := make([]models.Shape, 0, len(s.shapes))
	for _, shape := range s.shapes {
		shapes = append(shapes, shape)
	}
	sort.Slice(shapes, func(i, j int) bool {
		oi, oj := order[shapes[i].LayerId], order[shapes[j].LayerId]
		if oi != oj {
			return oi < oj
		}
		if shapes[i].CreatedAt != shapes[j].CreatedAt {
			return shapes[i].CreatedAt < shapes[j].CreatedAt
		}
		return shapes[i].Id < shapes[j].Id
	})
	return shapes
}

func (s *Scene) Layer(id string) (models.Layer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	layer, ok := s.layers[id]
	return layer, ok
}

// Layers returns every layer sorted by draw order.
func (s *Scene) Layers() []models.Layer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	layers := make([]models.Layer, 0, len(s.layers))
	for _, layer := range s.layers {
		layers = append(layers, layer)
	}
	sort.Slice(layers, func(i, j int) bool {
		if layers[i].Order != layers[j].Order {
			return layers[i].Order < layers[j].Order
		}
		return layers[i].Id < layers[j].Id
	})
	return layers
}

func (s *Scene) ActiveLayerId() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeLayerId
}

func (s *Scene) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.shapes)
}

// Snapshot returns a consistent copy of the whole document.
func (s *Scene) Snapshot() SceneStateData {
	return SceneStateData{
		Shapes:        s.Shapes(),
		Layers:        s.Layers(),
		ActiveLayerId: s.ActiveLayerId(),
	}
}

// putShape inserts or replaces a shape and keeps layer membership in sync,
// including reparenting when the shape's layer changed.
func (s *Scene) putShape(shape models.Shape) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.shapes[shape.Id]; ok && prev.LayerId != shape.LayerId {
		s.detachLocked(prev.LayerId, shape.Id)
	}
	s.shapes[shape.Id] = shape
	s.attachLocked(shape.LayerId, shape.Id)
}

func (s *Scene) removeShape(id string) (models.Shape, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shape, ok := s.shapes[id]
	if !ok {
		return models.Shape{}, false
	}
	delete(s.shapes, id)
	s.detachLocked(shape.LayerId, id)
	return shape, true
}

func (s *Scene) putLayer(layer models.Layer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeLayerId == "" {
		s.activeLayerId = layer.Id
	}
	s.layers[layer.Id] = layer
}

// removeLayer drops a layer and reassigns its shapes to the fallback layer,
// returning the ids that moved. The last remaining layer cannot be removed.
func (s *Scene) removeLayer(id string) (moved []string, fallbackId string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.layers[id]; !exists || len(s.layers) <= 1 {
		return nil, "", false
	}
	delete(s.layers, id)

	fallbackId = s.lowestOrderLayerLocked()
	for shapeId, shape := range s.shapes {
		if shape.LayerId != id {
			continue
		}
		shape.LayerId = fallbackId
		s.shapes[shapeId] = shape
		s.attachLocked(fallbackId, shapeId)
		moved = append(moved, shapeId)
	}
	sort.Strings(moved)

	if s.activeLayerId == id {
		s.activeLayerId = fallbackId
	}
	return moved, fallbackId, true
}

func (s *Scene) setActiveLayer(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.layers[id]; !ok {
		return false
	}
	s.activeLayerId = id
	return true
}

// replaceAll swaps the full document content in one critical section. Used
// by snapshot resync.
func (s *Scene) replaceAll(shapes map[string]models.Shape, layers map[string]models.Layer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shapes = shapes
	s.layers = layers
	for id := range layers {
		layer := layers[id]
		layer.Shapes = nil
		layers[id] = layer
	}
	for id, shape := range shapes {
		s.attachLocked(shape.LayerId, id)
	}
	if _, ok := s.layers[s.activeLayerId]; !ok {
		s.activeLayerId = s.lowestOrderLayerLocked()
	}
}

func (s *Scene) attachLocked(layerId, shapeId string) {
	layer, ok := s.layers[layerId]
	if !ok {
		return
	}
	for _, existing := range layer.Shapes {
		if existing == shapeId {
			return
		}
	}
	layer.Shapes = append(layer.Shapes, shapeId)
	s.layers[layerId] = layer
}

func (s *Scene) detachLocked(layerId, shapeId string) {
	layer, ok := s.layers[layerId]
	if !ok {
		return
	}
	for i, existing := range layer.Shapes {
		if existing == shapeId {
			layer.Shapes = append(layer.Shapes[:i], layer.Shapes[i+1:]...)
			break
		}
	}
	s.layers[layerId] = layer
}

func (s *Scene) lowestOrderLayerLocked() string {
	best := ""
	bestOrder := 0
	for id, layer := range s.layers {
		if best == "" || layer.Order < bestOrder || (layer.Order == bestOrder && id < best) {
			best = id
			bestOrder = layer.Order
		}
	}
	return best
}
