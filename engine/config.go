package engine

import "time"

// Config carries the engine tuning knobs. Zero values are replaced with the
// defaults below, so callers can override selectively.
type Config struct {
	// HistoryLimit bounds the undo and redo stacks.
	HistoryLimit int
	// LockTTL is how long a shape lock stays live without renewal. Anyone
	// observing an older lock may clear it.
	LockTTL           time.Duration
	LockSweepInterval time.Duration

	// Outbound cursor updates per second, and the minimum cursor travel in
	// pixels below which an update is suppressed.
	PresenceSendHz  float64
	PresenceMinMove float64
	// Inbound cursor updates per second per remote actor handed to the
	// rendering surface.
	PresenceInboundHz  float64
	PresenceHeartbeat  time.Duration
	PresenceStaleAfter time.Duration

	// Consecutive presence send failures before the circuit breaker opens,
	// and how long it stays open before admitting a probe.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration

	ProbeInterval      time.Duration
	QueueRetryInterval time.Duration
	// QueueDir is where per-session offline queue files live.
	QueueDir     string
	SubmitBuffer int
}

func DefaultConfig() Config {
	return Config{
		HistoryLimit:       50,
		LockTTL:            30 * time.Second,
		LockSweepInterval:  5 * time.Second,
		PresenceSendHz:     20,
		PresenceMinMove:    2.0,
		PresenceInboundHz:  10,
		PresenceHeartbeat:  5 * time.Second,
		PresenceStaleAfter: 30 * time.Second,
		BreakerThreshold:   5,
		BreakerCooldown:    10 * time.Second,
		BackoffInitial:     250 * time.Millisecond,
		BackoffMax:         5 * time.Second,
		ProbeInterval:      15 * time.Second,
		QueueRetryInterval: 30 * time.Second,
		QueueDir:           "./data/queue",
		SubmitBuffer:       256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.LockSweepInterval <= 0 {
		c.LockSweepInterval = d.LockSweepInterval
	}
	if c.PresenceSendHz <= 0 {
		c.PresenceSendHz = d.PresenceSendHz
	}
	if c.PresenceMinMove <= 0 {
		c.PresenceMinMove = d.PresenceMinMove
	}
	if c.PresenceInboundHz <= 0 {
		c.PresenceInboundHz = d.PresenceInboundHz
	}
	if c.PresenceHeartbeat <= 0 {
		c.PresenceHeartbeat = d.PresenceHeartbeat
	}
	if c.PresenceStaleAfter <= 0 {
		c.PresenceStaleAfter = d.PresenceStaleAfter
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = d.BackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	if c.QueueRetryInterval <= 0 {
		c.QueueRetryInterval = d.QueueRetryInterval
	}
	if c.QueueDir == "" {
		c.QueueDir = d.QueueDir
	}
	if c.SubmitBuffer <= 0 {
		c.SubmitBuffer = d.SubmitBuffer
	}
	return c
}
