package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/xvanov/collabcanvas-sub002/ephemeral"
	ephmocks "github.com/xvanov/collabcanvas-sub002/ephemeral/mocks"
	"github.com/xvanov/collabcanvas-sub002/models"
	"github.com/xvanov/collabcanvas-sub002/mq"
	mqmocks "github.com/xvanov/collabcanvas-sub002/mq/mocks"
	storemocks "github.com/xvanov/collabcanvas-sub002/store/mocks"
)

// testSessionConfig pushes every ticker out to a minute so only the calls a
// test makes explicitly can reach the mocks.
func testSessionConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.QueueDir = t.TempDir()
	cfg.ProbeInterval = time.Minute
	cfg.LockSweepInterval = time.Minute
	cfg.QueueRetryInterval = time.Minute
	cfg.PresenceHeartbeat = time.Minute
	return cfg
}

func newSessionRig(t *testing.T) (*Session, *storemocks.MockSceneStore, *ephmocks.MockEphemeral, *mqmocks.MockMQ, *fakeClock) {
	t.Helper()
	mockStore := new(storemocks.MockSceneStore)
	mockEph := new(ephmocks.MockEphemeral)
	mockMQ := new(mqmocks.MockMQ)
	clock := newFakeClock()
	session, err := NewSession("doc1", testActor, testSessionConfig(t), mockStore, mockEph, mockMQ, clock)
	if err != nil {
		t.Fatalf("failed to build session: %v", err)
	}
	return session, mockStore, mockEph, mockMQ, clock
}

// stubSessionStart wires the happy-path Start expectations and captures the
// subscribed channel handlers so tests can inject pub/sub traffic.
func stubSessionStart(mockStore *storemocks.MockSceneStore, mockEph *ephmocks.MockEphemeral) map[string]func([]byte) {
	baseLayer := models.Layer{Id: DefaultLayerId, Name: "Layer 1", Visible: true, Order: 0}
	mockStore.On("GetScene", mock.Anything, "doc1").Return([]models.Shape(nil), []models.Layer{baseLayer}, nil)
	mockEph.On("GetLocks", mock.Anything, "doc1").Return(map[string]models.Lock{}, nil)
	mockEph.On("GetPresence", mock.Anything, "doc1").Return(map[string]models.Presence{}, nil)

	handlers := make(map[string]func([]byte))
	mockEph.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		handlers[args.String(1)] = args.Get(2).(func([]byte))
	}).Return(nil)

	mockEph.On("PutPresence", mock.Anything, "doc1", mock.Anything).Return(nil)
	mockEph.On("Publish", mock.Anything, ephemeral.PresenceChannel("doc1"), mock.Anything).Return(nil)
	return handlers
}

func stubSessionClose(mockEph *ephmocks.MockEphemeral, mockMQ *mqmocks.MockMQ) {
	mockEph.On("RemovePresence", mock.Anything, "doc1", testActor.Id).Return(nil)
	mockMQ.On("Send", mock.Anything, mock.Anything).Return(nil)
}

func TestNewSession_RequiresDocumentAndActor(t *testing.T) {
	cfg := testSessionConfig(t)

	_, err := NewSession("", testActor, cfg, new(storemocks.MockSceneStore), new(ephmocks.MockEphemeral), nil, nil)
	assert.Error(t, err)

	_, err = NewSession("doc1", models.Actor{}, cfg, new(storemocks.MockSceneStore), new(ephmocks.MockEphemeral), nil, nil)
	assert.Error(t, err)

	// The janitor queue and the clock are both optional.
	session, err := NewSession("doc1", testActor, cfg, new(storemocks.MockSceneStore), new(ephmocks.MockEphemeral), nil, nil)
	assert.NoError(t, err)
	assert.NoError(t, session.Close())
}

func TestSessionStart_LoadsDocumentAndAnnounces(t *testing.T) {
	session, mockStore, mockEph, mockMQ, _ := newSessionRig(t)
	joined := wrapMockWithSignal(mockEph.On("Publish", mock.Anything, ephemeral.PresenceChannel("doc1"), mock.Anything).Return(nil))
	handlers := stubSessionStart(mockStore, mockEph)
	stubSessionClose(mockEph, mockMQ)

	assert.NoError(t, session.Start(context.Background()))
	defer session.Close()

	snapshot := session.Snapshot()
	assert.Len(t, snapshot.Layers, 1)
	assert.Equal(t, DefaultLayerId, snapshot.ActiveLayerId)

	// One subscription per document channel.
	assert.Len(t, handlers, 3)
	mockEph.AssertCalled(t, "PutPresence", mock.Anything, "doc1", mock.Anything)

	select {
	case <-joined:
	case <-time.After(time.Second):
		assert.Fail(t, "timed out waiting for the join broadcast")
	}
}

func TestSessionStart_BeginsOfflineWhenBackendsDown(t *testing.T) {
	session, mockStore, mockEph, mockMQ, _ := newSessionRig(t)
	mockStore.On("GetScene", mock.Anything, "doc1").Return([]models.Shape(nil), []models.Layer(nil), errors.New("dynamo down"))
	mockEph.On("GetLocks", mock.Anything, "doc1").Return(map[string]models.Lock(nil), errors.New("redis down"))
	mockEph.On("GetPresence", mock.Anything, "doc1").Return(map[string]models.Presence(nil), errors.New("redis down"))
	mockEph.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis down"))
	mockEph.On("PutPresence", mock.Anything, "doc1", mock.Anything).Return(errors.New("redis down"))
	mockEph.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis down"))
	stubSessionClose(mockEph, mockMQ)

	assert.NoError(t, session.Start(context.Background()))
	defer session.Close()

	assert.False(t, session.ConnectionState().IsOnline)

	// The base layer bootstrap and the presence announce both land in the
	// durable queue instead of the dead backends.
	assert.Eventually(t, func() bool { return session.QueueLen() == 2 }, time.Second, 10*time.Millisecond)
}

func TestSessionCreateShape_PersistsThenBroadcasts(t *testing.T) {
	session, mockStore, mockEph, mockMQ, _ := newSessionRig(t)
	stubSessionStart(mockStore, mockEph)
	stubSessionClose(mockEph, mockMQ)

	var mu sync.Mutex
	var order []string
	mockStore.On("PutShape", mock.Anything, "doc1", mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		order = append(order, "write")
		mu.Unlock()
	}).Return(nil)
	broadcastDone := make(chan struct{})
	mockEph.On("Publish", mock.Anything, ephemeral.SceneChannel("doc1"), mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		order = append(order, "broadcast")
		mu.Unlock()
		close(broadcastDone)
	}).Return(nil)

	assert.NoError(t, session.Start(context.Background()))
	defer session.Close()

	shape, err := session.CreateShape(CreateShapeParams{Type: models.ShapeRectangle, X: 1, Y: 2, W: 30, H: 40})
	assert.NoError(t, err)

	// The local apply is synchronous: the shape reads back immediately.
	got, ok := session.Shape(shape.Id)
	assert.True(t, ok)
	assert.Equal(t, shape, got)

	select {
	case <-broadcastDone:
	case <-time.After(time.Second):
		assert.Fail(t, "timed out waiting for the shape broadcast")
	}

	// The store write lands before the event goes out.
	mu.Lock()
	assert.Equal(t, []string{"write", "broadcast"}, order)
	mu.Unlock()
	assert.Equal(t, 0, session.QueueLen())
}

func TestSessionCreateShape_StoreFailureSpillsToQueue(t *testing.T) {
	session, mockStore, mockEph, mockMQ, _ := newSessionRig(t)
	stubSessionStart(mockStore, mockEph)
	stubSessionClose(mockEph, mockMQ)
	mockStore.On("PutShape", mock.Anything, "doc1", mock.Anything).Return(errors.New("dynamo down"))

	assert.NoError(t, session.Start(context.Background()))
	defer session.Close()

	_, err := session.CreateShape(CreateShapeParams{Type: models.ShapeRectangle, W: 10, H: 10})
	assert.NoError(t, err)

	assert.Eventually(t, func() bool { return session.QueueLen() == 1 }, time.Second, 10*time.Millisecond)
	assert.False(t, session.ConnectionState().IsStoreOnline)

	// No broadcast without a successful write.
	time.Sleep(50 * time.Millisecond)
	mockEph.AssertNotCalled(t, "Publish", mock.Anything, ephemeral.SceneChannel("doc1"), mock.Anything)
}

func TestSessionFlushQueue_ReplaysPerTargetInOrder(t *testing.T) {
	session, mockStore, mockEph, mockMQ, clock := newSessionRig(t)
	stubSessionStart(mockStore, mockEph)
	stubSessionClose(mockEph, mockMQ)

	var order []string
	mockStore.On("PutShape", mock.Anything, "doc1", mock.Anything).Run(func(args mock.Arguments) {
		order = append(order, "put")
	}).Return(nil)
	mockStore.On("UpdateShapePosition", mock.Anything, "doc1", "s1", mock.Anything).Run(func(args mock.Arguments) {
		order = append(order, "move")
	}).Return(nil)
	mockEph.On("Publish", mock.Anything, ephemeral.SceneChannel("doc1"), mock.Anything).Return(nil)

	assert.NoError(t, session.Start(context.Background()))
	defer session.Close()

	// Pending queue work for s1: later ops for the same target must line up
	// behind it even while the backends are healthy.
	shape := models.Shape{Id: "s1", Type: models.ShapeRectangle, X: 10, Y: 20, W: 30, H: 40, Color: "#336699", LayerId: DefaultLayerId, ClientUpdatedAt: clock.Now().UnixMilli()}
	session.scene.putShape(shape)
	payload, err := json.Marshal(shape)
	assert.NoError(t, err)
	assert.NoError(t, session.queue.Enqueue(QueuedOp{Kind: opShapePut, TargetId: "s1", At: clock.Now().UnixMilli(), Payload: payload}))

	assert.NoError(t, session.UpdateShapePosition("s1", 50, 60))
	assert.Eventually(t, func() bool { return session.QueueLen() == 2 }, time.Second, 10*time.Millisecond)
	mockStore.AssertNotCalled(t, "UpdateShapePosition", mock.Anything, "doc1", "s1", mock.Anything)

	replayed, err := session.FlushQueue(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 2, replayed)
	assert.Equal(t, []string{"put", "move"}, order)
	assert.Equal(t, 0, session.QueueLen())
}

func TestSessionAcquireRelease_Lifecycle(t *testing.T) {
	session, mockStore, mockEph, mockMQ, _ := newSessionRig(t)
	stubSessionStart(mockStore, mockEph)
	stubSessionClose(mockEph, mockMQ)
	mockEph.On("AcquireLock", mock.Anything, "doc1", mock.Anything).Return(true, nil)
	mockEph.On("ReleaseLock", mock.Anything, "doc1", "s1").Return(nil)
	mockEph.On("Publish", mock.Anything, ephemeral.LockChannel("doc1"), mock.Anything).Return(nil)

	assert.NoError(t, session.Start(context.Background()))
	defer session.Close()

	assert.True(t, session.AcquireLock(context.Background(), "s1"))
	assert.True(t, session.IsLockedBySelf("s1"))
	assert.False(t, session.IsLockedByOther("s1"))

	session.ReleaseLock(context.Background(), "s1")
	assert.False(t, session.IsLockedBySelf("s1"))
	mockEph.AssertCalled(t, "ReleaseLock", mock.Anything, "doc1", "s1")
}

func TestSessionClose_NotifiesJanitorOnce(t *testing.T) {
	session, mockStore, mockEph, mockMQ, _ := newSessionRig(t)
	stubSessionStart(mockStore, mockEph)
	mockEph.On("RemovePresence", mock.Anything, "doc1", testActor.Id).Return(nil)
	var body string
	mockMQ.On("Send", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		body = args.String(1)
	}).Return(nil)

	assert.NoError(t, session.Start(context.Background()))
	assert.NoError(t, session.Close())
	assert.NoError(t, session.Close())

	mockMQ.AssertNumberOfCalls(t, "Send", 1)
	msg, err := mq.DecodeCleanupMessage(body)
	assert.NoError(t, err)
	assert.Equal(t, "doc1", msg.DocId)
	assert.Equal(t, testActor.Id, msg.UserId)
}

func TestSessionRemoteShapePut_AppliedAndRelayed(t *testing.T) {
	session, mockStore, mockEph, mockMQ, clock := newSessionRig(t)
	handlers := stubSessionStart(mockStore, mockEph)
	stubSessionClose(mockEph, mockMQ)

	assert.NoError(t, session.Start(context.Background()))
	defer session.Close()

	var events []string
	session.OnScene(func(eventType string, data any) { events = append(events, eventType) })

	remote := models.Shape{Id: "s9", Type: models.ShapeCircle, X: 4, Y: 5, Radius: 12, Color: "#3cb44b", LayerId: DefaultLayerId, UpdatedBy: otherActor.Id, ClientUpdatedAt: clock.Now().UnixMilli()}
	event, err := EncodeEvent(EventShapePut, ShapePutData{Shape: remote, ActorId: otherActor.Id})
	assert.NoError(t, err)
	handlers[ephemeral.SceneChannel("doc1")](event)

	got, ok := session.Shape("s9")
	assert.True(t, ok)
	assert.Equal(t, remote, got)
	assert.Equal(t, []string{EventShapePut}, events)

	// Remote events are never persisted again from this side.
	assert.Equal(t, 0, session.QueueLen())
}

func TestSessionRemoteLock_BlocksLocalEdits(t *testing.T) {
	session, mockStore, mockEph, mockMQ, clock := newSessionRig(t)
	handlers := stubSessionStart(mockStore, mockEph)
	stubSessionClose(mockEph, mockMQ)

	assert.NoError(t, session.Start(context.Background()))
	defer session.Close()

	var lockEvents []string
	session.OnLock(func(eventType string, lock models.Lock) { lockEvents = append(lockEvents, eventType) })

	shape := models.Shape{Id: "s1", Type: models.ShapeRectangle, X: 10, Y: 20, W: 30, H: 40, Color: "#336699", LayerId: DefaultLayerId, ClientUpdatedAt: clock.Now().UnixMilli()}
	session.scene.putShape(shape)

	lock := models.Lock{ShapeId: "s1", UserId: otherActor.Id, UserName: otherActor.Name, LockedAt: clock.Now().UnixMilli()}
	event, err := EncodeEvent(EventLockAcquired, LockEventData{Lock: lock})
	assert.NoError(t, err)
	handlers[ephemeral.LockChannel("doc1")](event)

	assert.True(t, session.IsLockedByOther("s1"))
	assert.ErrorIs(t, session.UpdateShapeProperty("s1", "color", "#abcdef"), ErrShapeLocked)
	assert.Equal(t, []string{EventLockAcquired}, lockEvents)
}

func TestSessionRemoteCursor_ReachesPresenceListener(t *testing.T) {
	session, mockStore, mockEph, mockMQ, clock := newSessionRig(t)
	handlers := stubSessionStart(mockStore, mockEph)
	stubSessionClose(mockEph, mockMQ)

	var cursorEvents []string
	session.OnPresence(func(eventType string, presence models.Presence) {
		cursorEvents = append(cursorEvents, eventType)
	})

	assert.NoError(t, session.Start(context.Background()))
	defer session.Close()

	remote := models.Presence{UserId: otherActor.Id, Name: otherActor.Name, Cursor: models.Cursor{X: 7, Y: 8}, IsActive: true, LastSeen: clock.Now().UnixMilli()}
	event, err := EncodeEvent(EventCursor, PresenceEventData{Presence: remote})
	assert.NoError(t, err)
	handlers[ephemeral.PresenceChannel("doc1")](event)

	others := session.Others()
	assert.Len(t, others, 1)
	assert.Equal(t, otherActor.Id, others[0].UserId)
	assert.Equal(t, 7.0, others[0].Cursor.X)
	assert.Equal(t, []string{EventCursor}, cursorEvents)
}

func TestSessionRecovery_FlushesThenAnnouncesThenResyncs(t *testing.T) {
	session, mockStore, mockEph, mockMQ, _ := newSessionRig(t)

	var mu sync.Mutex
	var calls []string
	step := func(name string) func(mock.Arguments) {
		return func(args mock.Arguments) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		}
	}
	baseLayer := models.Layer{Id: DefaultLayerId, Name: "Layer 1", Visible: true, Order: 0}
	mockStore.On("GetScene", mock.Anything, "doc1").Run(step("load")).Return([]models.Shape(nil), []models.Layer{baseLayer}, nil)
	mockStore.On("PutShape", mock.Anything, "doc1", mock.Anything).Run(step("replay")).Return(nil)
	mockEph.On("GetLocks", mock.Anything, "doc1").Return(map[string]models.Lock{}, nil)
	mockEph.On("GetPresence", mock.Anything, "doc1").Return(map[string]models.Presence{}, nil)
	mockEph.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	mockEph.On("PutPresence", mock.Anything, "doc1", mock.Anything).Run(step("announce")).Return(nil)
	mockEph.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	stubSessionClose(mockEph, mockMQ)

	assert.NoError(t, session.Start(context.Background()))
	defer session.Close()

	// Sever the store and edit while offline.
	session.monitor.ReportStoreFailure()
	_, err := session.CreateShape(CreateShapeParams{Type: models.ShapeRectangle, W: 10, H: 10})
	assert.NoError(t, err)
	assert.Eventually(t, func() bool { return session.QueueLen() == 1 }, time.Second, 10*time.Millisecond)

	// Reconnect: queued work replays before the re-announce and the reload.
	session.monitor.ReportStoreOK()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) >= 5
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"load", "announce", "replay", "announce", "load"}, calls[:5])
	mu.Unlock()
	assert.Eventually(t, func() bool { return session.QueueLen() == 0 }, time.Second, 10*time.Millisecond)
}
