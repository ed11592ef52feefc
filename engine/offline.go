package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// ErrQueueCorrupt marks a queue entry that no longer decodes. The entry is
// dropped so the rest of the queue can still replay.
var ErrQueueCorrupt = errors.New("queue entry corrupt")

// Persist operation kinds. The same ops flow through the live submit path
// and, on failure, through the offline queue.
const (
	opShapePut    = "shape_put"
	opShapeMove   = "shape_move"
	opShapeDelete = "shape_delete"
	opLayerPut    = "layer_put"
	opLayerDelete = "layer_delete"
	opLockAcquire = "lock_acquire"
	opLockRelease = "lock_release"
	opPresencePut = "presence_put"
)

// Kinds where a newer op for the same target fully supersedes an older one
// still waiting at the queue tail.
var coalescableOps = map[string]bool{
	opShapePut:    true,
	opShapeMove:   true,
	opPresencePut: true,
}

// QueuedOp is one durable persist operation. Payload is the JSON of the
// kind's data struct.
type QueuedOp struct {
	Kind     string          `json:"kind"`
	TargetId string          `json:"targetId"`
	At       int64           `json:"at"`
	Payload  json.RawMessage `json:"payload"`
}

var queueBucket = []byte("ops")

// OfflineQueue is a durable FIFO of persist operations, one file per
// session. Keys are big-endian bucket sequence numbers, so iteration order
// is submission order and survives restarts.
type OfflineQueue struct {
	db  *bolt.DB
	log *logrus.Entry
}

func OpenOfflineQueue(path string, log *logrus.Entry) (*OfflineQueue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open offline queue %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(queueBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init offline queue: %w", err)
	}
	return &OfflineQueue{db: db, log: log}, nil
}

// Enqueue appends an operation. If the tail entry has the same kind and
// target and the kind is coalescable, the tail is replaced instead, so a
// burst of edits to one shape replays as a single write.
func (q *OfflineQueue) Enqueue(op QueuedOp) error {
	encoded, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode queued op: %w", err)
	}
	err = q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		if coalescableOps[op.Kind] {
			if k, v := b.Cursor().Last(); k != nil {
				var tail QueuedOp
				if json.Unmarshal(v, &tail) == nil && tail.Kind == op.Kind && tail.TargetId == op.TargetId {
					return b.Put(k, encoded)
				}
			}
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, encoded)
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue op: %w", err)
	}
	q.log.WithFields(logrus.Fields{"kind": op.Kind, "target": op.TargetId}).Debug("Queued offline op")
	return nil
}

// Flush replays queued operations in order through exec, deleting each entry
// only after it succeeds. The first failure stops the flush so order is
// preserved for the next attempt. Corrupt entries are dropped and counted as
// neither replayed nor fatal.
func (q *OfflineQueue) Flush(ctx context.Context, exec func(ctx context.Context, op QueuedOp) error) (int, error) {
	replayed := 0
	for {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}

		var key []byte
		var op QueuedOp
		var decodeErr error
		err := q.db.View(func(tx *bolt.Tx) error {
			k, v := tx.Bucket(queueBucket).Cursor().First()
			if k == nil {
				return nil
			}
			key = append([]byte(nil), k...)
			if err := json.Unmarshal(v, &op); err != nil {
				decodeErr = fmt.Errorf("%w: %v", ErrQueueCorrupt, err)
			}
			return nil
		})
		if err != nil {
			return replayed, fmt.Errorf("failed to read offline queue: %w", err)
		}
		if key == nil {
			return replayed, nil
		}
		if decodeErr != nil {
			q.log.WithError(decodeErr).Warn("Dropping corrupt queue entry")
			if err := q.deleteKey(key); err != nil {
				return replayed, err
			}
			continue
		}

		if err := exec(ctx, op); err != nil {
			return replayed, fmt.Errorf("replay of %s %s failed: %w", op.Kind, op.TargetId, err)
		}
		if err := q.deleteKey(key); err != nil {
			return replayed, err
		}
		replayed++
	}
}

// HasPendingFor reports whether any queued op targets the given id. While
// true, new ops for that target must queue behind it to keep per-target
// order.
func (q *OfflineQueue) HasPendingFor(targetId string) bool {
	found := false
	q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(queueBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var op QueuedOp
			if json.Unmarshal(v, &op) == nil && op.TargetId == targetId {
				found = true
				return nil
			}
		}
		return nil
	})
	return found
}

func (q *OfflineQueue) Len() int {
	n := 0
	q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(queueBucket).Stats().KeyN
		return nil
	})
	return n
}

func (q *OfflineQueue) Clear() error {
	return q.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(queueBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(queueBucket)
		return err
	})
}

func (q *OfflineQueue) Close() error {
	return q.db.Close()
}

func (q *OfflineQueue) deleteKey(key []byte) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Delete(key)
	})
	if err != nil {
		return fmt.Errorf("failed to dequeue op: %w", err)
	}
	return nil
}
