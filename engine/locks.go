package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xvanov/collabcanvas-sub002/ephemeral"
	"github.com/xvanov/collabcanvas-sub002/identity"
	"github.com/xvanov/collabcanvas-sub002/models"
)

// ErrShapeLocked rejects a mutation of a shape held by another actor.
var ErrShapeLocked = errors.New("shape is locked by another user")

const publishTimeout = 5 * time.Second

// LockCoordinator grants and tracks per-shape edit locks. The ephemeral
// store holds the source of truth behind a conditional write; the observed
// map is this session's local view, fed by grants, lock events and sweeps.
//
// While offline, acquisition is granted optimistically against the local
// view and the write is queued. The queued replay settles who really owns
// the lock.
type LockCoordinator struct {
	mu       sync.Mutex
	observed map[string]models.Lock

	docId string
	actor models.Actor
	ttl   time.Duration

	eph   ephemeral.Store
	conn  *ConnectionMonitor
	queue *OfflineQueue
	clock identity.Clock
	log   *logrus.Entry
}

func NewLockCoordinator(docId string, actor models.Actor, ttl time.Duration, eph ephemeral.Store, conn *ConnectionMonitor, queue *OfflineQueue, clock identity.Clock, log *logrus.Entry) *LockCoordinator {
	return &LockCoordinator{
		observed: make(map[string]models.Lock),
		docId:    docId,
		actor:    actor,
		ttl:      ttl,
		eph:      eph,
		conn:     conn,
		queue:    queue,
		clock:    clock,
		log:      log,
	}
}

// Acquire attempts to take the edit lock for a shape. The result is a plain
// boolean: true means this session may edit the shape, false means someone
// else holds a live lock. Network failure degrades to an optimistic local
// grant with the write queued for replay.
func (c *LockCoordinator) Acquire(ctx context.Context, shapeId string) bool {
	c.mu.Lock()

	// 1. A live foreign lock in the local view settles it without a round trip.
	if held, ok := c.observed[shapeId]; ok && held.UserId != c.actor.Id && c.live(held) {
		c.mu.Unlock()
		return false
	}

	lock := models.Lock{
		ShapeId:  shapeId,
		UserId:   c.actor.Id,
		UserName: c.actor.Name,
		LockedAt: c.clock.Now().UnixMilli(),
	}

	// 2. Offline: grant locally, let the replay settle ownership.
	if !c.conn.Online() {
		c.observed[shapeId] = lock
		c.mu.Unlock()
		c.enqueue(opLockAcquire, lock)
		return true
	}
	c.mu.Unlock()

	// 3. Conditional write against the ephemeral store.
	granted, err := c.eph.AcquireLock(ctx, c.docId, lock)
	if err != nil {
		c.conn.ReportEphemeralFailure()
		c.log.WithError(err).WithField("shapeId", shapeId).Warn("Lock write failed, granting optimistically")
		c.mu.Lock()
		c.observed[shapeId] = lock
		c.mu.Unlock()
		c.enqueue(opLockAcquire, lock)
		return true
	}
	c.conn.ReportEphemeralOK()

	if !granted {
		// Refresh the local view so the holder shows up immediately.
		if locks, err := c.eph.GetLocks(ctx, c.docId); err == nil {
			c.replaceForeign(locks)
		}
		return false
	}

	c.mu.Lock()
	c.observed[shapeId] = lock
	c.mu.Unlock()
	c.publish(EventLockAcquired, lock)
	return true
}

// Release gives up this session's lock on a shape. Releasing a shape locked
// by someone else, or not locked at all, is a no-op.
func (c *LockCoordinator) Release(ctx context.Context, shapeId string) {
	c.mu.Lock()
	held, ok := c.observed[shapeId]
	if ok && held.UserId != c.actor.Id && c.live(held) {
		c.mu.Unlock()
		return
	}
	if !ok {
		held = models.Lock{ShapeId: shapeId, UserId: c.actor.Id, UserName: c.actor.Name, LockedAt: c.clock.Now().UnixMilli()}
	}
	delete(c.observed, shapeId)
	offline := !c.conn.Online()
	c.mu.Unlock()

	if offline {
		c.enqueue(opLockRelease, held)
		return
	}
	if err := c.eph.ReleaseLock(ctx, c.docId, shapeId); err != nil {
		c.conn.ReportEphemeralFailure()
		c.log.WithError(err).WithField("shapeId", shapeId).Warn("Lock release failed, queueing")
		c.enqueue(opLockRelease, held)
		return
	}
	c.conn.ReportEphemeralOK()
	c.publish(EventLockReleased, held)
}

func (c *LockCoordinator) IsLockedByOther(shapeId string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	held, ok := c.observed[shapeId]
	return ok && held.UserId != c.actor.Id && c.live(held)
}

func (c *LockCoordinator) IsLockedBySelf(shapeId string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	held, ok := c.observed[shapeId]
	return ok && held.UserId == c.actor.Id && c.live(held)
}

func (c *LockCoordinator) Holder(shapeId string) (models.Lock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	held, ok := c.observed[shapeId]
	if !ok || !c.live(held) {
		return models.Lock{}, false
	}
	return held, true
}

// Locks returns the live entries of the local view.
func (c *LockCoordinator) Locks() map[string]models.Lock {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]models.Lock, len(c.observed))
	for id, lock := range c.observed {
		if c.live(lock) {
			out[id] = lock
		}
	}
	return out
}

// Refresh replaces the foreign entries of the local view with the store's
// current hash. Own entries are kept: an optimistic grant may not have
// reached the store yet.
func (c *LockCoordinator) Refresh(ctx context.Context) error {
	locks, err := c.eph.GetLocks(ctx, c.docId)
	if err != nil {
		c.conn.ReportEphemeralFailure()
		return err
	}
	c.conn.ReportEphemeralOK()
	c.replaceForeign(locks)
	return nil
}

// ClearStale releases every observed lock older than the TTL, own or
// foreign, and returns what was cleared. Any session may do this; the
// release is idempotent.
func (c *LockCoordinator) ClearStale(ctx context.Context) []models.Lock {
	c.mu.Lock()
	var stale []models.Lock
	for id, lock := range c.observed {
		if !c.live(lock) {
			stale = append(stale, lock)
			delete(c.observed, id)
		}
	}
	c.mu.Unlock()

	for _, lock := range stale {
		if err := c.eph.ReleaseLock(ctx, c.docId, lock.ShapeId); err != nil {
			c.log.WithError(err).WithField("shapeId", lock.ShapeId).Warn("Stale lock release failed")
			continue
		}
		c.publish(EventLockReleased, lock)
	}
	if len(stale) > 0 {
		c.log.WithField("count", len(stale)).Info("Cleared stale locks")
	}
	return stale
}

// ReleaseAll releases every lock this session holds. Called on teardown.
func (c *LockCoordinator) ReleaseAll(ctx context.Context) {
	c.mu.Lock()
	var mine []string
	for id, lock := range c.observed {
		if lock.UserId == c.actor.Id {
			mine = append(mine, id)
		}
	}
	c.mu.Unlock()

	for _, id := range mine {
		c.Release(ctx, id)
	}
}

// applyRemote folds a lock event from the pub/sub channel into the local
// view. Own echoes are idempotent.
func (c *LockCoordinator) applyRemote(eventType string, lock models.Lock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch eventType {
	case EventLockAcquired:
		c.observed[lock.ShapeId] = lock
	case EventLockReleased:
		if held, ok := c.observed[lock.ShapeId]; ok && held.UserId == lock.UserId {
			delete(c.observed, lock.ShapeId)
		}
	}
}

// forget drops a local entry without touching the store. Used when an
// optimistic grant loses its replay.
func (c *LockCoordinator) forget(shapeId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.observed, shapeId)
}

func (c *LockCoordinator) seed(locks map[string]models.Lock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, lock := range locks {
		c.observed[id] = lock
	}
}

func (c *LockCoordinator) replaceForeign(view map[string]models.Lock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, lock := range c.observed {
		if lock.UserId != c.actor.Id {
			delete(c.observed, id)
		}
	}
	for id, lock := range view {
		if lock.UserId == c.actor.Id {
			continue
		}
		c.observed[id] = lock
	}
}

// live must be called with the mutex held or on a copied lock.
func (c *LockCoordinator) live(lock models.Lock) bool {
	return c.clock.Now().UnixMilli()-lock.LockedAt <= c.ttl.Milliseconds()
}

func (c *LockCoordinator) enqueue(kind string, lock models.Lock) {
	payload, err := json.Marshal(lock)
	if err != nil {
		c.log.WithError(err).Error("Failed to encode lock op")
		return
	}
	err = c.queue.Enqueue(QueuedOp{
		Kind:     kind,
		TargetId: lock.ShapeId,
		At:       c.clock.Now().UnixMilli(),
		Payload:  payload,
	})
	if err != nil {
		c.log.WithError(err).Error("Failed to queue lock op")
	}
}

func (c *LockCoordinator) publish(eventType string, lock models.Lock) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		event, err := EncodeEvent(eventType, LockEventData{Lock: lock})
		if err != nil {
			c.log.WithError(err).Error("Failed to encode lock event")
			return
		}
		if err := c.eph.Publish(ctx, ephemeral.LockChannel(c.docId), event); err != nil {
			c.log.WithError(err).WithField("shapeId", lock.ShapeId).Warn("Failed to publish lock event")
		}
	}()
}
