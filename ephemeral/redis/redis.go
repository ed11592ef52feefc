package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/xvanov/collabcanvas-sub002/models"
)

type RedisEphemeralStore struct {
	client  redis.UniversalClient
	lockTTL time.Duration
}

func NewRedisEphemeralStore(ctx context.Context, devMode bool, redisEndpoint string, lockTTL time.Duration) (*RedisEphemeralStore, error) {
	var client redis.UniversalClient
	if devMode {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
			// elasticache requires TLS in transit
			TLSConfig: &tls.Config{},
		})
	}

	err := client.Ping(ctx).Err()
	if err != nil {
		return nil, err
	}

	return &RedisEphemeralStore{client: client, lockTTL: lockTTL}, nil
}

func (redisEph *RedisEphemeralStore) Publish(ctx context.Context, channel string, message []byte) error {
	if err := redisEph.client.Publish(ctx, channel, message).Err(); err != nil {
		return err
	}
	return nil
}

func (redisEph *RedisEphemeralStore) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	pubsub := redisEph.client.Subscribe(ctx, channel)
	// Receive blocks until the server confirms the subscription
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		logrus.WithField("channel", channel).Warn("pubsub subscribe failed")
		return err
	}

	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

// Hash tags keep a document's keys in one cluster slot.
func buildLocksKey(docId string) string {
	return "doc:{" + docId + "}:locks"
}

func buildPresenceKey(docId string) string {
	return "doc:{" + docId + "}:presence"
}

// Lock and presence hashes are rewritten constantly while a document is open;
// the expiry only reaps documents nobody visits anymore.
const mapTTL = 24 * time.Hour

// AcquireLock takes the shape's slot in the lock hash via HSetNX. A slot
// already held is still acquirable when the holder is the requesting actor
// (re-acquire) or the lock has outlived the TTL. Liveness is judged against
// the requester's clock carried in lock.LockedAt.
func (redisEph *RedisEphemeralStore) AcquireLock(ctx context.Context, docId string, lock models.Lock) (bool, error) {
	key := buildLocksKey(docId)

	data, err := json.Marshal(lock)
	if err != nil {
		return false, err
	}

	ok, err := redisEph.client.HSetNX(ctx, key, lock.ShapeId, data).Result()
	if err != nil {
		return false, err
	}
	if ok {
		redisEph.client.Expire(ctx, key, mapTTL)
		return true, nil
	}

	raw, err := redisEph.client.HGet(ctx, key, lock.ShapeId).Result()
	if err != nil && err != redis.Nil {
		return false, err
	}

	if err == nil {
		var existing models.Lock
		if jsonErr := json.Unmarshal([]byte(raw), &existing); jsonErr == nil {
			live := lock.LockedAt-existing.LockedAt <= redisEph.lockTTL.Milliseconds()
			if existing.UserId != lock.UserId && live {
				return false, nil
			}
		}
		// Stale, own, or unreadable entry: fall through and overwrite.
	}

	pipe := redisEph.client.Pipeline()
	pipe.HSet(ctx, key, lock.ShapeId, data)
	pipe.Expire(ctx, key, mapTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	return true, nil
}

func (redisEph *RedisEphemeralStore) ReleaseLock(ctx context.Context, docId string, shapeId string) error {
	return redisEph.client.HDel(ctx, buildLocksKey(docId), shapeId).Err()
}

func (redisEph *RedisEphemeralStore) GetLocks(ctx context.Context, docId string) (map[string]models.Lock, error) {
	raw, err := redisEph.client.HGetAll(ctx, buildLocksKey(docId)).Result()
	if err != nil {
		return nil, err
	}

	locks := make(map[string]models.Lock, len(raw))
	for shapeId, data := range raw {
		var lock models.Lock
		if err := json.Unmarshal([]byte(data), &lock); err != nil {
			logrus.WithFields(logrus.Fields{"docId": docId, "shapeId": shapeId}).Warn("dropping unreadable lock entry")
			continue
		}
		locks[shapeId] = lock
	}

	return locks, nil
}

func (redisEph *RedisEphemeralStore) ReleaseActorLocks(ctx context.Context, docId string, userId string) ([]string, error) {
	locks, err := redisEph.GetLocks(ctx, docId)
	if err != nil {
		return nil, err
	}

	var shapeIds []string
	for shapeId, lock := range locks {
		if lock.UserId == userId {
			shapeIds = append(shapeIds, shapeId)
		}
	}
	if len(shapeIds) == 0 {
		return nil, nil
	}

	if err := redisEph.client.HDel(ctx, buildLocksKey(docId), shapeIds...).Err(); err != nil {
		return nil, err
	}

	return shapeIds, nil
}

func (redisEph *RedisEphemeralStore) PutPresence(ctx context.Context, docId string, presence models.Presence) error {
	key := buildPresenceKey(docId)

	data, err := json.Marshal(presence)
	if err != nil {
		return err
	}

	pipe := redisEph.client.Pipeline()
	pipe.HSet(ctx, key, presence.UserId, data)
	pipe.Expire(ctx, key, mapTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (redisEph *RedisEphemeralStore) RemovePresence(ctx context.Context, docId string, userId string) error {
	return redisEph.client.HDel(ctx, buildPresenceKey(docId), userId).Err()
}

func (redisEph *RedisEphemeralStore) GetPresence(ctx context.Context, docId string) (map[string]models.Presence, error) {
	raw, err := redisEph.client.HGetAll(ctx, buildPresenceKey(docId)).Result()
	if err != nil {
		return nil, err
	}

	entries := make(map[string]models.Presence, len(raw))
	for userId, data := range raw {
		var presence models.Presence
		if err := json.Unmarshal([]byte(data), &presence); err != nil {
			logrus.WithFields(logrus.Fields{"docId": docId, "userId": userId}).Warn("dropping unreadable presence entry")
			continue
		}
		entries[userId] = presence
	}

	return entries, nil
}

func (redisEph *RedisEphemeralStore) Ping(ctx context.Context) error {
	return redisEph.client.Ping(ctx).Err()
}
