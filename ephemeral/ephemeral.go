package ephemeral

import (
	"context"

	"github.com/xvanov/collabcanvas-sub002/models"
)

// Store is the ephemeral coordination layer: shape locks, presence and the
// pub/sub fan-out that carries scene, lock and presence events between
// sessions. Nothing here is durable; locks and presence decay by TTL.
type Store interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func(message []byte)) error

	// AcquireLock is a conditional write on the shape's lock slot. It returns
	// false without error when another actor holds a live lock.
	AcquireLock(ctx context.Context, docId string, lock models.Lock) (bool, error)
	ReleaseLock(ctx context.Context, docId string, shapeId string) error
	GetLocks(ctx context.Context, docId string) (map[string]models.Lock, error)
	// ReleaseActorLocks drops every lock the actor holds and returns the
	// affected shape ids.
	ReleaseActorLocks(ctx context.Context, docId string, userId string) ([]string, error)

	PutPresence(ctx context.Context, docId string, presence models.Presence) error
	RemovePresence(ctx context.Context, docId string, userId string) error
	GetPresence(ctx context.Context, docId string) (map[string]models.Presence, error)

	Ping(ctx context.Context) error
}

// Channel names, one triple per document.
func SceneChannel(docId string) string    { return "doc:{" + docId + "}:scene:events" }
func LockChannel(docId string) string     { return "doc:{" + docId + "}:lock:events" }
func PresenceChannel(docId string) string { return "doc:{" + docId + "}:presence:events" }
