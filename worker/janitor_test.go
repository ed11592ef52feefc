package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/xvanov/collabcanvas-sub002/ephemeral"
	ephmocks "github.com/xvanov/collabcanvas-sub002/ephemeral/mocks"
	"github.com/xvanov/collabcanvas-sub002/mq"
	mqmocks "github.com/xvanov/collabcanvas-sub002/mq/mocks"
	"github.com/xvanov/collabcanvas-sub002/worker"
)

func cleanupBody(t *testing.T, docId, userId string) string {
	t.Helper()
	body, err := (mq.CleanupMessage{DocId: docId, UserId: userId}).Encode()
	assert.NoError(t, err)
	return body
}

// runConsumer drives Run on its own goroutine and waits for it to exit. The
// Receive stubs end with context.Canceled so every test terminates.
func runConsumer(t *testing.T, consumer *worker.CleanupConsumer) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		consumer.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		assert.Fail(t, "timed out waiting for the consumer to stop")
	}
}

func TestCleanupConsumer_ReleasesDepartedActorState(t *testing.T) {
	mockMQ := new(mqmocks.MockMQ)
	mockEph := new(ephmocks.MockEphemeral)

	msg := &mq.Message{Id: "m1", Body: cleanupBody(t, "doc1", "user2")}
	mockMQ.On("Receive", mock.Anything, int32(30)).Return(msg, nil).Once()
	mockMQ.On("Receive", mock.Anything, int32(30)).Return(nil, context.Canceled)
	mockMQ.On("Delete", mock.Anything, msg).Return(nil)
	mockEph.On("ReleaseActorLocks", mock.Anything, "doc1", "user2").Return([]string{"s1", "s2"}, nil)
	mockEph.On("RemovePresence", mock.Anything, "doc1", "user2").Return(nil)
	mockEph.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	runConsumer(t, worker.NewCleanupConsumer(mockMQ, mockEph))

	// One release broadcast per freed shape plus the departure event.
	mockEph.AssertNumberOfCalls(t, "Publish", 3)
	mockEph.AssertCalled(t, "Publish", mock.Anything, ephemeral.LockChannel("doc1"), mock.Anything)
	mockEph.AssertCalled(t, "Publish", mock.Anything, ephemeral.PresenceChannel("doc1"), mock.Anything)
	mockMQ.AssertCalled(t, "Delete", mock.Anything, msg)
}

func TestCleanupConsumer_DropsPoisonMessages(t *testing.T) {
	mockMQ := new(mqmocks.MockMQ)
	mockEph := new(ephmocks.MockEphemeral)

	msg := &mq.Message{Id: "m1", Body: "not json"}
	mockMQ.On("Receive", mock.Anything, int32(30)).Return(msg, nil).Once()
	mockMQ.On("Receive", mock.Anything, int32(30)).Return(nil, context.Canceled)
	mockMQ.On("Delete", mock.Anything, msg).Return(nil)

	runConsumer(t, worker.NewCleanupConsumer(mockMQ, mockEph))

	// Dropped without touching the ephemeral store.
	mockMQ.AssertCalled(t, "Delete", mock.Anything, msg)
	mockEph.AssertNotCalled(t, "ReleaseActorLocks", mock.Anything, mock.Anything, mock.Anything)
}

func TestCleanupConsumer_LeavesMessageOnFailure(t *testing.T) {
	mockMQ := new(mqmocks.MockMQ)
	mockEph := new(ephmocks.MockEphemeral)

	msg := &mq.Message{Id: "m1", Body: cleanupBody(t, "doc1", "user2")}
	mockMQ.On("Receive", mock.Anything, int32(30)).Return(msg, nil).Once()
	mockMQ.On("Receive", mock.Anything, int32(30)).Return(nil, context.Canceled)
	mockEph.On("ReleaseActorLocks", mock.Anything, "doc1", "user2").Return(nil, errors.New("redis down"))

	runConsumer(t, worker.NewCleanupConsumer(mockMQ, mockEph))

	// The message stays for redelivery after the visibility timeout.
	mockMQ.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestCleanupConsumer_EmptyReceiveKeepsPolling(t *testing.T) {
	mockMQ := new(mqmocks.MockMQ)
	mockEph := new(ephmocks.MockEphemeral)

	mockMQ.On("Receive", mock.Anything, int32(30)).Return(nil, nil).Twice()
	mockMQ.On("Receive", mock.Anything, int32(30)).Return(nil, context.Canceled)

	runConsumer(t, worker.NewCleanupConsumer(mockMQ, mockEph))

	mockMQ.AssertNumberOfCalls(t, "Receive", 3)
}
