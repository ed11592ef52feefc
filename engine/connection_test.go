package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	ephmocks "github.com/xvanov/collabcanvas-sub002/ephemeral/mocks"
	"github.com/xvanov/collabcanvas-sub002/models"
	storemocks "github.com/xvanov/collabcanvas-sub002/store/mocks"
)

func newTestMonitor() (*ConnectionMonitor, *storemocks.MockSceneStore, *ephmocks.MockEphemeral, *fakeClock) {
	clock := newFakeClock()
	mockStore := new(storemocks.MockSceneStore)
	mockEph := new(ephmocks.MockEphemeral)
	monitor := NewConnectionMonitor(mockStore, mockEph, clock, time.Minute, testLog())
	return monitor, mockStore, mockEph, clock
}

func TestConnectionMonitor_StartsOptimistic(t *testing.T) {
	monitor, _, _, clock := newTestMonitor()

	state := monitor.State()
	assert.True(t, state.IsOnline)
	assert.True(t, state.IsStoreOnline)
	assert.True(t, state.IsEphemeralOnline)
	assert.Equal(t, clock.Now().UnixMilli(), state.LastOnlineTime)
}

func TestConnectionMonitor_EitherBackendDownMeansOffline(t *testing.T) {
	monitor, _, _, _ := newTestMonitor()

	monitor.ReportStoreFailure()
	assert.False(t, monitor.Online())
	assert.True(t, monitor.State().IsEphemeralOnline)

	monitor.ReportStoreOK()
	assert.True(t, monitor.Online())

	monitor.ReportEphemeralFailure()
	assert.False(t, monitor.Online())
	monitor.ReportEphemeralOK()
	assert.True(t, monitor.Online())
}

func TestConnectionMonitor_LastOnlineTimeSticksWhileOffline(t *testing.T) {
	monitor, _, _, clock := newTestMonitor()
	start := clock.Now().UnixMilli()

	clock.Advance(10 * time.Second)
	monitor.ReportStoreFailure()
	assert.Equal(t, start, monitor.State().LastOnlineTime)

	clock.Advance(10 * time.Second)
	monitor.ReportStoreOK()
	assert.Equal(t, clock.Now().UnixMilli(), monitor.State().LastOnlineTime)
}

func TestConnectionMonitor_OnOnlineFiresOncePerTransition(t *testing.T) {
	monitor, _, _, _ := newTestMonitor()

	fired := make(chan struct{}, 4)
	monitor.OnOnline(func() { fired <- struct{}{} })

	monitor.ReportStoreFailure()
	monitor.ReportStoreOK()

	select {
	case <-fired:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for the online callback")
	}

	// Staying online must not re-fire the callback.
	monitor.ReportStoreOK()
	monitor.ReportEphemeralOK()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fired)
}

func TestConnectionMonitor_CallbacksRunInRegistrationOrder(t *testing.T) {
	monitor, _, _, _ := newTestMonitor()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	monitor.OnOnline(func() {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	monitor.OnOnline(func() {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		close(done)
	})

	monitor.ReportEphemeralFailure()
	monitor.ReportEphemeralOK()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for callbacks")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestConnectionMonitor_ListenerSeesTransitions(t *testing.T) {
	monitor, _, _, _ := newTestMonitor()

	var states []models.ConnectionState
	monitor.SetListener(func(state models.ConnectionState) {
		states = append(states, state)
	})

	monitor.ReportStoreFailure()
	monitor.ReportStoreFailure() // Repeats are not transitions.
	monitor.ReportStoreOK()

	assert.Len(t, states, 2)
	assert.False(t, states[0].IsOnline)
	assert.True(t, states[1].IsOnline)
}

func TestConnectionMonitor_ProbePingsBothBackends(t *testing.T) {
	monitor, mockStore, mockEph, _ := newTestMonitor()

	mockStore.On("Ping", mock.Anything).Return(errors.New("dynamo unreachable"))
	mockEph.On("Ping", mock.Anything).Return(nil)

	monitor.Probe(context.Background())

	state := monitor.State()
	assert.False(t, state.IsOnline)
	assert.False(t, state.IsStoreOnline)
	assert.True(t, state.IsEphemeralOnline)
}
