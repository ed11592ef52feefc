package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xvanov/collabcanvas-sub002/ephemeral"
	"github.com/xvanov/collabcanvas-sub002/identity"
	"github.com/xvanov/collabcanvas-sub002/models"
	"github.com/xvanov/collabcanvas-sub002/store"
)

const probeTimeout = 5 * time.Second

// ConnectionMonitor tracks reachability of the persistent and ephemeral
// stores. It learns passively from success and failure reports on the hot
// paths and actively from periodic pings, and fires the registered callbacks
// exactly once per offline-to-online transition.
type ConnectionMonitor struct {
	mu        sync.Mutex
	state     models.ConnectionState
	onOnline  []func()
	listener  ConnectionListener
	sceneStor store.SceneStore
	eph       ephemeral.Store
	clock     identity.Clock
	interval  time.Duration
	log       *logrus.Entry
}

// NewConnectionMonitor starts optimistic: both backends are assumed online
// until a probe or a report says otherwise.
func NewConnectionMonitor(sceneStore store.SceneStore, eph ephemeral.Store, clock identity.Clock, interval time.Duration, log *logrus.Entry) *ConnectionMonitor {
	return &ConnectionMonitor{
		state: models.ConnectionState{
			IsOnline:          true,
			IsStoreOnline:     true,
			IsEphemeralOnline: true,
			LastOnlineTime:    clock.Now().UnixMilli(),
		},
		sceneStor: sceneStore,
		eph:       eph,
		clock:     clock,
		interval:  interval,
		log:       log,
	}
}

// OnOnline registers a callback for offline-to-online transitions.
// Callbacks run in registration order on a single goroutine. Register
// before the monitor starts running.
func (m *ConnectionMonitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

func (m *ConnectionMonitor) SetListener(fn ConnectionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = fn
}

// Run probes both backends on a ticker until ctx is cancelled.
func (m *ConnectionMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe pings both backends once and folds the results into the state.
func (m *ConnectionMonitor) Probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	m.report(m.sceneStor.Ping(probeCtx) == nil, m.eph.Ping(probeCtx) == nil)
}

func (m *ConnectionMonitor) ReportStoreOK() {
	m.reportOne(&m.state.IsStoreOnline, true)
}

func (m *ConnectionMonitor) ReportStoreFailure() {
	m.reportOne(&m.state.IsStoreOnline, false)
}

func (m *ConnectionMonitor) ReportEphemeralOK() {
	m.reportOne(&m.state.IsEphemeralOnline, true)
}

func (m *ConnectionMonitor) ReportEphemeralFailure() {
	m.reportOne(&m.state.IsEphemeralOnline, false)
}

func (m *ConnectionMonitor) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ConnectionMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsOnline
}

func (m *ConnectionMonitor) report(storeOK, ephOK bool) {
	m.mu.Lock()
	m.state.IsStoreOnline = storeOK
	m.state.IsEphemeralOnline = ephOK
	m.finishLocked()
}

// reportOne updates a single backend flag. The pointer refers into m.state,
// so the lock must be held before dereferencing it.
func (m *ConnectionMonitor) reportOne(flag *bool, ok bool) {
	m.mu.Lock()
	*flag = ok
	m.finishLocked()
}

// finishLocked recomputes the aggregate flag and releases the lock. Fires
// callbacks outside the critical section.
func (m *ConnectionMonitor) finishLocked() {
	wasOnline := m.state.IsOnline
	m.state.IsOnline = m.state.IsStoreOnline && m.state.IsEphemeralOnline
	if m.state.IsOnline {
		m.state.LastOnlineTime = m.clock.Now().UnixMilli()
	}

	cameOnline := !wasOnline && m.state.IsOnline
	wentOffline := wasOnline && !m.state.IsOnline
	state := m.state
	listener := m.listener
	callbacks := m.onOnline
	m.mu.Unlock()

	if cameOnline {
		m.log.Info("Connection restored")
		go func() {
			for _, fn := range callbacks {
				fn()
			}
		}()
	}
	if wentOffline {
		m.log.Warn("Connection lost, queueing writes locally")
	}
	if (cameOnline || wentOffline) && listener != nil {
		listener(state)
	}
}
