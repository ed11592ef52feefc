package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xvanov/collabcanvas-sub002/ephemeral"
	"github.com/xvanov/collabcanvas-sub002/identity"
	"github.com/xvanov/collabcanvas-sub002/models"
	"github.com/xvanov/collabcanvas-sub002/mq"
	"github.com/xvanov/collabcanvas-sub002/store"
)

const (
	opTimeout    = 10 * time.Second
	closeTimeout = 5 * time.Second
)

// Session is one actor's live connection to one document. It owns the
// in-memory scene, the undo history, the lock and presence coordinators,
// the offline queue and the single worker that pushes persist operations
// out in order.
//
// Every local mutation returns after the in-memory apply; persistence and
// broadcast follow asynchronously through the submit pipeline.
type Session struct {
	cfg   Config
	docId string
	actor models.Actor

	scene    *Scene
	history  *History
	locks    *LockCoordinator
	presence *PresenceBroadcaster
	queue    *OfflineQueue
	monitor  *ConnectionMonitor
	rec      *Reconciler

	sceneStore store.SceneStore
	eph        ephemeral.Store
	cleanupMQ  mq.MessageQueue
	clock      identity.Clock
	log        *logrus.Entry

	submitCh chan QueuedOp

	mu        sync.Mutex
	onScene   SceneListener
	onLock    LockListener
	auditSink func(record models.AuditRecord)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSession wires the session graph. cleanupMQ may be nil when no janitor
// runs; clock may be nil for the system clock. Call Start to go live.
func NewSession(docId string, actor models.Actor, cfg Config, sceneStore store.SceneStore, eph ephemeral.Store, cleanupMQ mq.MessageQueue, clock identity.Clock) (*Session, error) {
	if docId == "" || actor.Id == "" {
		return nil, errors.New("session needs a document and an actor")
	}
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = identity.SystemClock{}
	}
	log := logrus.WithFields(logrus.Fields{"docId": docId, "userId": actor.Id})

	if err := os.MkdirAll(cfg.QueueDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue dir: %w", err)
	}
	queue, err := OpenOfflineQueue(filepath.Join(cfg.QueueDir, docId+"-"+actor.Id+".db"), log)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:        cfg,
		docId:      docId,
		actor:      actor,
		scene:      NewScene(),
		queue:      queue,
		sceneStore: sceneStore,
		eph:        eph,
		cleanupMQ:  cleanupMQ,
		clock:      clock,
		log:        log,
		submitCh:   make(chan QueuedOp, cfg.SubmitBuffer),
	}
	s.monitor = NewConnectionMonitor(sceneStore, eph, clock, cfg.ProbeInterval, log)
	s.locks = NewLockCoordinator(docId, actor, cfg.LockTTL, eph, s.monitor, queue, clock, log)
	s.presence = NewPresenceBroadcaster(docId, actor, cfg, eph, s.monitor, queue, clock, log)
	s.history = NewHistory(cfg.HistoryLimit, func(a models.Action) error {
		return s.rec.applyAction(a, originReplay)
	}, log)
	s.rec = NewReconciler(docId, actor, s.scene, s.history, s.locks, clock, s.submit, s.emitScene, s.emitAudit, log)
	return s, nil
}

// Listener registration. Set these before Start; events fire from several
// goroutines.

func (s *Session) OnScene(fn SceneListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onScene = fn
}

func (s *Session) OnLock(fn LockListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLock = fn
}

func (s *Session) OnPresence(fn PresenceListener)     { s.presence.SetListener(fn) }
func (s *Session) OnConnection(fn ConnectionListener) { s.monitor.SetListener(fn) }

// SetAuditSink receives one record per local edit, typically feeding the
// audit batcher.
func (s *Session) SetAuditSink(fn func(record models.AuditRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditSink = fn
}

// Start loads the document, seeds locks and presence, subscribes to the
// document channels and launches the background loops. A dead backend does
// not fail Start: the session begins offline and recovers when the monitor
// sees the stores again.
func (s *Session) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	// 1. Initial snapshot
	shapes, layers, err := s.sceneStore.GetScene(s.ctx, s.docId)
	if err != nil {
		s.monitor.ReportStoreFailure()
		s.log.WithError(err).Warn("Initial scene load failed, starting offline")
	} else {
		s.monitor.ReportStoreOK()
		s.rec.ApplySnapshot(shapes, layers)
	}
	s.rec.EnsureDefaultLayer()

	// 2. Seed the coordination views
	if locks, err := s.eph.GetLocks(s.ctx, s.docId); err == nil {
		s.locks.seed(locks)
	}
	if entries, err := s.eph.GetPresence(s.ctx, s.docId); err == nil {
		s.presence.seed(entries)
	}

	// 3. Document channels
	for channel, handler := range map[string]func([]byte){
		ephemeral.SceneChannel(s.docId):    s.handleSceneMessage,
		ephemeral.LockChannel(s.docId):     s.handleLockMessage,
		ephemeral.PresenceChannel(s.docId): s.handlePresenceMessage,
	} {
		if err := s.eph.Subscribe(s.ctx, channel, handler); err != nil {
			s.monitor.ReportEphemeralFailure()
			s.log.WithError(err).WithField("channel", channel).Warn("Subscribe failed")
		}
	}

	// 4. Reconnect sequence, then the background loops
	s.monitor.OnOnline(s.recover)

	s.spawn(s.runSubmitWorker)
	s.spawn(func() { s.monitor.Run(s.ctx) })
	s.spawn(func() { s.presence.Run(s.ctx) })
	s.spawn(func() { s.presence.RunHeartbeat(s.ctx) })
	s.spawn(s.runLockSweep)
	s.spawn(s.runQueueRetry)

	// 5. Announce ourselves
	s.presence.Announce(s.ctx)

	s.log.Info("Session started")
	return nil
}

// Close leaves the document: presence retracted, locks released, the
// janitor notified, loops stopped, queue file closed. Queued offline work
// stays on disk for the next session.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.ctx == nil {
			err = s.queue.Close()
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), closeTimeout)
		defer cancel()

		s.presence.Leave(ctx)
		s.locks.ReleaseAll(ctx)
		if s.cleanupMQ != nil {
			if body, encErr := (mq.CleanupMessage{DocId: s.docId, UserId: s.actor.Id}).Encode(); encErr == nil {
				if sendErr := s.cleanupMQ.Send(ctx, body); sendErr != nil {
					s.log.WithError(sendErr).Debug("Cleanup notification failed")
				}
			}
		}

		s.cancel()
		s.wg.Wait()
		err = s.queue.Close()
		s.log.Info("Session closed")
	})
	return err
}

// Document mutations, delegated to the reconciler.

func (s *Session) CreateShape(params CreateShapeParams) (models.Shape, error) {
	return s.rec.CreateShape(params)
}

func (s *Session) UpdateShapeProperty(id, property string, value any) error {
	return s.rec.UpdateShapeProperty(id, property, value)
}

func (s *Session) UpdateShapePosition(id string, x, y float64) error {
	return s.rec.UpdateShapePosition(id, x, y)
}

func (s *Session) DeleteShape(id string) error { return s.rec.DeleteShape(id) }

func (s *Session) DeleteShapes(ids []string) error { return s.rec.DeleteShapes(ids) }

func (s *Session) MoveShapes(ids []string, dx, dy float64) error {
	return s.rec.MoveShapes(ids, dx, dy)
}

func (s *Session) RotateShapes(ids []string, rotation float64) error {
	return s.rec.RotateShapes(ids, rotation)
}

func (s *Session) DuplicateShapes(ids []string) ([]models.Shape, error) {
	return s.rec.DuplicateShapes(ids)
}

func (s *Session) ApplyAction(action models.Action) error { return s.rec.ApplyAction(action) }

func (s *Session) CreateLayer(name, color string) (models.Layer, error) {
	return s.rec.CreateLayer(name, color)
}

func (s *Session) UpdateLayer(layer models.Layer) error { return s.rec.UpdateLayer(layer) }

func (s *Session) DeleteLayer(id string) error { return s.rec.DeleteLayer(id) }

func (s *Session) SetActiveLayer(id string) error { return s.rec.SetActiveLayer(id) }

// History.

func (s *Session) Undo() (models.Action, error) { return s.history.Undo() }

func (s *Session) Redo() (models.Action, error) { return s.history.Redo() }

func (s *Session) CanUndo() bool { return s.history.CanUndo() }

func (s *Session) CanRedo() bool { return s.history.CanRedo() }

func (s *Session) ClearHistory() { s.history.Clear() }

// Locks.

func (s *Session) AcquireLock(ctx context.Context, shapeId string) bool {
	return s.locks.Acquire(ctx, shapeId)
}

func (s *Session) ReleaseLock(ctx context.Context, shapeId string) { s.locks.Release(ctx, shapeId) }

func (s *Session) IsLockedByOther(shapeId string) bool { return s.locks.IsLockedByOther(shapeId) }

func (s *Session) IsLockedBySelf(shapeId string) bool { return s.locks.IsLockedBySelf(shapeId) }

func (s *Session) Locks() map[string]models.Lock { return s.locks.Locks() }

func (s *Session) ClearStaleLocks(ctx context.Context) []models.Lock {
	return s.locks.ClearStale(ctx)
}

// Presence.

func (s *Session) UpdateCursor(x, y float64) { s.presence.UpdateCursor(x, y) }

func (s *Session) Others() []models.Presence { return s.presence.Others() }

func (s *Session) Presence() models.Presence { return s.presence.Self() }

// Reads.

func (s *Session) Snapshot() SceneStateData { return s.scene.Snapshot() }

func (s *Session) Shape(id string) (models.Shape, bool) { return s.scene.Shape(id) }

func (s *Session) ActiveLayerId() string { return s.scene.ActiveLayerId() }

func (s *Session) ConnectionState() models.ConnectionState { return s.monitor.State() }

func (s *Session) QueueLen() int { return s.queue.Len() }

func (s *Session) Actor() models.Actor { return s.actor }

func (s *Session) DocId() string { return s.docId }

// Resync reloads the scene and coordination views from the backends and
// replaces the local state, local-newer shapes excepted.
func (s *Session) Resync(ctx context.Context) error {
	shapes, layers, err := s.sceneStore.GetScene(ctx, s.docId)
	if err != nil {
		s.monitor.ReportStoreFailure()
		return fmt.Errorf("failed to resync scene: %w", err)
	}
	s.monitor.ReportStoreOK()
	s.rec.ApplySnapshot(shapes, layers)

	if err := s.locks.Refresh(ctx); err != nil {
		s.log.WithError(err).Debug("Lock refresh failed during resync")
	}
	if entries, err := s.eph.GetPresence(ctx, s.docId); err == nil {
		s.presence.seed(entries)
	}
	return nil
}

// FlushQueue replays queued offline work immediately instead of waiting for
// the retry ticker.
func (s *Session) FlushQueue(ctx context.Context) (int, error) {
	return s.queue.Flush(ctx, s.replayOp)
}

// submit hands a persist op to the worker. A full channel spills to the
// durable queue rather than blocking an edit.
func (s *Session) submit(op QueuedOp) {
	select {
	case s.submitCh <- op:
	default:
		s.log.WithField("kind", op.Kind).Warn("Submit channel full, spilling to queue")
		if err := s.queue.Enqueue(op); err != nil {
			s.log.WithError(err).Error("Failed to queue op")
		}
	}
}

func (s *Session) runSubmitWorker() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case op := <-s.submitCh:
			s.dispatch(op)
		}
	}
}

// dispatch runs one persist op, preserving per-target order with the
// offline queue: while the queue holds work for a target, later ops for
// that target must line up behind it.
func (s *Session) dispatch(op QueuedOp) {
	if !s.monitor.Online() || s.queue.HasPendingFor(op.TargetId) {
		if err := s.queue.Enqueue(op); err != nil {
			s.log.WithError(err).Error("Failed to queue op")
		}
		return
	}
	if err := s.execOp(s.ctx, op); err != nil {
		s.log.WithError(err).WithField("kind", op.Kind).Warn("Persist failed, queueing op")
		if qerr := s.queue.Enqueue(op); qerr != nil {
			s.log.WithError(qerr).Error("Failed to queue op after persist failure")
		}
	}
}

// replayOp adapts execOp for queue flushing: corrupt payloads are dropped
// so one bad entry cannot wedge the queue.
func (s *Session) replayOp(ctx context.Context, op QueuedOp) error {
	err := s.execOp(ctx, op)
	if errors.Is(err, ErrQueueCorrupt) {
		s.log.WithError(err).Warn("Dropping corrupt queued op")
		return nil
	}
	return err
}

// execOp is the single place persist ops touch the backends. Store writes
// happen first; the matching event broadcasts only after the write lands.
func (s *Session) execOp(ctx context.Context, op QueuedOp) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	switch op.Kind {
	case opShapePut:
		var shape models.Shape
		if err := json.Unmarshal(op.Payload, &shape); err != nil {
			return fmt.Errorf("%w: %v", ErrQueueCorrupt, err)
		}
		if err := s.sceneStore.PutShape(opCtx, s.docId, shape); err != nil {
			s.monitor.ReportStoreFailure()
			return err
		}
		s.monitor.ReportStoreOK()
		s.publish(opCtx, ephemeral.SceneChannel(s.docId), EventShapePut, ShapePutData{Shape: shape, ActorId: s.actor.Id})

	case opShapeMove:
		var moved ShapeMovedData
		if err := json.Unmarshal(op.Payload, &moved); err != nil {
			return fmt.Errorf("%w: %v", ErrQueueCorrupt, err)
		}
		err := s.sceneStore.UpdateShapePosition(opCtx, s.docId, moved.ShapeId, store.PositionUpdate{
			X:               moved.X,
			Y:               moved.Y,
			UpdatedAt:       moved.UpdatedAt,
			UpdatedBy:       moved.UpdatedBy,
			ClientUpdatedAt: moved.ClientUpdatedAt,
		})
		if errors.Is(err, store.ErrItemNotFound) {
			// Deleted since; the deletion wins.
			s.monitor.ReportStoreOK()
			return nil
		}
		if err != nil {
			s.monitor.ReportStoreFailure()
			return err
		}
		s.monitor.ReportStoreOK()
		s.publish(opCtx, ephemeral.SceneChannel(s.docId), EventShapeMoved, moved)

	case opShapeDelete:
		var d ShapeDeletedData
		if err := json.Unmarshal(op.Payload, &d); err != nil {
			return fmt.Errorf("%w: %v", ErrQueueCorrupt, err)
		}
		if err := s.sceneStore.DeleteShape(opCtx, s.docId, d.ShapeId); err != nil {
			s.monitor.ReportStoreFailure()
			return err
		}
		s.monitor.ReportStoreOK()
		s.publish(opCtx, ephemeral.SceneChannel(s.docId), EventShapeDeleted, d)

	case opLayerPut:
		var layer models.Layer
		if err := json.Unmarshal(op.Payload, &layer); err != nil {
			return fmt.Errorf("%w: %v", ErrQueueCorrupt, err)
		}
		if err := s.sceneStore.PutLayer(opCtx, s.docId, layer); err != nil {
			s.monitor.ReportStoreFailure()
			return err
		}
		s.monitor.ReportStoreOK()
		s.publish(opCtx, ephemeral.SceneChannel(s.docId), EventLayerPut, LayerPutData{Layer: layer, ActorId: s.actor.Id})

	case opLayerDelete:
		var d LayerDeletedData
		if err := json.Unmarshal(op.Payload, &d); err != nil {
			return fmt.Errorf("%w: %v", ErrQueueCorrupt, err)
		}
		if err := s.sceneStore.DeleteLayer(opCtx, s.docId, d.LayerId); err != nil {
			s.monitor.ReportStoreFailure()
			return err
		}
		s.monitor.ReportStoreOK()
		s.publish(opCtx, ephemeral.SceneChannel(s.docId), EventLayerDeleted, d)

	case opLockAcquire:
		var lock models.Lock
		if err := json.Unmarshal(op.Payload, &lock); err != nil {
			return fmt.Errorf("%w: %v", ErrQueueCorrupt, err)
		}
		granted, err := s.eph.AcquireLock(opCtx, s.docId, lock)
		if err != nil {
			s.monitor.ReportEphemeralFailure()
			return err
		}
		s.monitor.ReportEphemeralOK()
		if !granted {
			// The optimistic grant lost its race while we were offline.
			s.locks.forget(lock.ShapeId)
			s.emitLock(EventLockReleased, lock)
			s.log.WithField("shapeId", lock.ShapeId).Info("Optimistic lock lost on replay")
			return nil
		}
		s.publish(opCtx, ephemeral.LockChannel(s.docId), EventLockAcquired, LockEventData{Lock: lock})

	case opLockRelease:
		var lock models.Lock
		if err := json.Unmarshal(op.Payload, &lock); err != nil {
			return fmt.Errorf("%w: %v", ErrQueueCorrupt, err)
		}
		if err := s.eph.ReleaseLock(opCtx, s.docId, lock.ShapeId); err != nil {
			s.monitor.ReportEphemeralFailure()
			return err
		}
		s.monitor.ReportEphemeralOK()
		s.publish(opCtx, ephemeral.LockChannel(s.docId), EventLockReleased, LockEventData{Lock: lock})

	case opPresencePut:
		var presence models.Presence
		if err := json.Unmarshal(op.Payload, &presence); err != nil {
			return fmt.Errorf("%w: %v", ErrQueueCorrupt, err)
		}
		if err := s.eph.PutPresence(opCtx, s.docId, presence); err != nil {
			s.monitor.ReportEphemeralFailure()
			return err
		}
		s.monitor.ReportEphemeralOK()
		s.publish(opCtx, ephemeral.PresenceChannel(s.docId), EventPresenceJoined, PresenceEventData{Presence: presence})

	default:
		return fmt.Errorf("%w: unknown kind %s", ErrQueueCorrupt, op.Kind)
	}
	return nil
}

// recover runs once per offline-to-online transition, in this order: queued
// work replays first so the store is current, then stale locks fall, then
// presence re-announces, then the scene reloads.
func (s *Session) recover() {
	s.log.Info("Connection restored, recovering")

	// 1. Replay queued work
	if replayed, err := s.queue.Flush(s.ctx, s.replayOp); err != nil {
		s.log.WithError(err).Warn("Offline replay interrupted")
	} else if replayed > 0 {
		s.log.WithField("replayed", replayed).Info("Offline queue flushed")
	}

	// 2. Clear stale locks
	if err := s.locks.Refresh(s.ctx); err == nil {
		s.locks.ClearStale(s.ctx)
	}

	// 3. Re-announce presence
	s.presence.Announce(s.ctx)

	// 4. Reload the document
	if err := s.Resync(s.ctx); err != nil {
		s.log.WithError(err).Warn("Resync after reconnect failed")
	}
}

func (s *Session) runLockSweep() {
	ticker := time.NewTicker(s.cfg.LockSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.monitor.Online() {
				continue
			}
			if err := s.locks.Refresh(s.ctx); err != nil {
				continue
			}
			s.locks.ClearStale(s.ctx)
		}
	}
}

func (s *Session) runQueueRetry() {
	ticker := time.NewTicker(s.cfg.QueueRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.monitor.Online() || s.queue.Len() == 0 {
				continue
			}
			if replayed, err := s.queue.Flush(s.ctx, s.replayOp); err != nil {
				s.log.WithError(err).Debug("Queue retry stopped early")
			} else if replayed > 0 {
				s.log.WithField("replayed", replayed).Info("Offline queue flushed")
			}
		}
	}
}

func (s *Session) handleSceneMessage(message []byte) {
	env, err := DecodeEnvelope(message)
	if err != nil {
		s.log.WithError(err).Warn("Bad scene message")
		return
	}
	s.rec.HandleSceneEvent(env)
}

func (s *Session) handleLockMessage(message []byte) {
	env, err := DecodeEnvelope(message)
	if err != nil {
		s.log.WithError(err).Warn("Bad lock message")
		return
	}
	var d LockEventData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		s.log.WithError(err).Warn("Bad lock event payload")
		return
	}
	s.locks.applyRemote(env.Type, d.Lock)
	s.emitLock(env.Type, d.Lock)
}

func (s *Session) handlePresenceMessage(message []byte) {
	env, err := DecodeEnvelope(message)
	if err != nil {
		s.log.WithError(err).Warn("Bad presence message")
		return
	}
	var d PresenceEventData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		s.log.WithError(err).Warn("Bad presence event payload")
		return
	}
	s.presence.applyRemote(env.Type, d.Presence)
}

func (s *Session) publish(ctx context.Context, channel, eventType string, payload any) {
	event, err := EncodeEvent(eventType, payload)
	if err != nil {
		s.log.WithError(err).WithField("type", eventType).Error("Failed to encode event")
		return
	}
	if err := s.eph.Publish(ctx, channel, event); err != nil {
		s.monitor.ReportEphemeralFailure()
		s.log.WithError(err).WithField("type", eventType).Warn("Failed to publish event")
		return
	}
	s.monitor.ReportEphemeralOK()
}

func (s *Session) emitScene(eventType string, data any) {
	s.mu.Lock()
	fn := s.onScene
	s.mu.Unlock()
	if fn != nil {
		fn(eventType, data)
	}
}

func (s *Session) emitLock(eventType string, lock models.Lock) {
	s.mu.Lock()
	fn := s.onLock
	s.mu.Unlock()
	if fn != nil {
		fn(eventType, lock)
	}
}

func (s *Session) emitAudit(record models.AuditRecord) {
	s.mu.Lock()
	fn := s.auditSink
	s.mu.Unlock()
	if fn != nil {
		fn(record)
	}
}

func (s *Session) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}
