package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xvanov/collabcanvas-sub002/engine"
	"github.com/xvanov/collabcanvas-sub002/ephemeral"
	"github.com/xvanov/collabcanvas-sub002/models"
	"github.com/xvanov/collabcanvas-sub002/mq"
)

// Cleanup is quick, but allow for a slow ephemeral store before the message
// becomes visible again.
const visibilityTimeout = 30

const receiveErrorBackoff = 5 * time.Second

// CleanupConsumer is the janitor: it drains disconnect notifications and
// drops the departed actor's locks and presence, broadcasting the releases
// so live sessions unblock immediately instead of waiting out the TTL.
type CleanupConsumer struct {
	cleanupQueue mq.MessageQueue
	eph          ephemeral.Store
}

func NewCleanupConsumer(cleanupQueue mq.MessageQueue, eph ephemeral.Store) *CleanupConsumer {
	return &CleanupConsumer{
		cleanupQueue: cleanupQueue,
		eph:          eph,
	}
}

func (consumer CleanupConsumer) Run(shutdownCtx context.Context) {
	for {
		msg, err := consumer.cleanupQueue.Receive(shutdownCtx, visibilityTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			logrus.WithError(err).Warn("Cleanup receive error")
			select {
			case <-shutdownCtx.Done():
				return
			case <-time.After(receiveErrorBackoff):
			}
			continue
		}
		if msg == nil {
			continue
		}

		cleanupMsg, err := mq.DecodeCleanupMessage(msg.Body)
		if err != nil {
			// Undecodable messages would redeliver forever; drop them.
			logrus.WithError(err).Warn("Dropping bad cleanup message")
			consumer.delete(msg)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), (visibilityTimeout-1)*time.Second)
		if err := consumer.cleanup(ctx, cleanupMsg); err != nil {
			cancel()
			// Leave the message; it redelivers after the visibility timeout.
			logrus.WithError(err).WithFields(logrus.Fields{
				"docId":  cleanupMsg.DocId,
				"userId": cleanupMsg.UserId,
			}).Warn("Cleanup failed, will retry")
			continue
		}
		cancel()

		consumer.delete(msg)
	}
}

func (consumer CleanupConsumer) cleanup(ctx context.Context, cleanupMsg mq.CleanupMessage) error {
	// 1. Drop the actor's locks and tell everyone which shapes freed up.
	shapeIds, err := consumer.eph.ReleaseActorLocks(ctx, cleanupMsg.DocId, cleanupMsg.UserId)
	if err != nil {
		return err
	}
	for _, shapeId := range shapeIds {
		consumer.broadcast(ctx, ephemeral.LockChannel(cleanupMsg.DocId), engine.EventLockReleased, engine.LockEventData{
			Lock: models.Lock{ShapeId: shapeId, UserId: cleanupMsg.UserId},
		})
	}

	// 2. Retract presence.
	if err := consumer.eph.RemovePresence(ctx, cleanupMsg.DocId, cleanupMsg.UserId); err != nil {
		return err
	}
	consumer.broadcast(ctx, ephemeral.PresenceChannel(cleanupMsg.DocId), engine.EventPresenceLeft, engine.PresenceEventData{
		Presence: models.Presence{UserId: cleanupMsg.UserId},
	})

	if len(shapeIds) > 0 {
		logrus.WithFields(logrus.Fields{
			"docId":  cleanupMsg.DocId,
			"userId": cleanupMsg.UserId,
			"locks":  len(shapeIds),
		}).Info("Cleaned up after departed actor")
	}
	return nil
}

func (consumer CleanupConsumer) broadcast(ctx context.Context, channel, eventType string, payload any) {
	event, err := engine.EncodeEvent(eventType, payload)
	if err != nil {
		logrus.WithError(err).Error("Failed to encode cleanup event")
		return
	}
	if err := consumer.eph.Publish(ctx, channel, event); err != nil {
		logrus.WithError(err).WithField("type", eventType).Warn("Failed to publish cleanup event")
	}
}

func (consumer CleanupConsumer) delete(msg *mq.Message) {
	if err := consumer.cleanupQueue.Delete(context.Background(), msg); err != nil {
		logrus.WithError(err).Warn("Cleanup message delete error")
	}
}
