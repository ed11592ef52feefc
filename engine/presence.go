package engine

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/xvanov/collabcanvas-sub002/ephemeral"
	"github.com/xvanov/collabcanvas-sub002/identity"
	"github.com/xvanov/collabcanvas-sub002/models"
)

// PresenceBroadcaster publishes this session's cursor and tracks everyone
// else's. Outbound updates are throttled to the send rate, suppressed below
// the minimum travel, spaced out with exponential backoff after failures,
// and cut off entirely by a circuit breaker that re-probes after a cooldown.
// Dropping updates is always safe: only the latest cursor matters.
type PresenceBroadcaster struct {
	mu       sync.Mutex
	self     models.Presence
	others   map[string]models.Presence
	inbound  map[string]*rate.Limiter
	lastSent models.Cursor
	sentAny  bool

	limiter    *rate.Limiter
	minMove    float64
	inboundHz  float64
	staleAfter time.Duration
	beatEvery  time.Duration

	failures    int
	breakerOpen bool
	probing     bool
	reopenAt    time.Time
	threshold   int
	cooldown    time.Duration
	boff        *backoff.ExponentialBackOff
	curDelay    time.Duration

	sendCh   chan models.Presence
	listener PresenceListener

	docId string
	actor models.Actor
	eph   ephemeral.Store
	conn  *ConnectionMonitor
	queue *OfflineQueue
	clock identity.Clock
	log   *logrus.Entry
}

func NewPresenceBroadcaster(docId string, actor models.Actor, cfg Config, eph ephemeral.Store, conn *ConnectionMonitor, queue *OfflineQueue, clock identity.Clock, log *logrus.Entry) *PresenceBroadcaster {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = cfg.BackoffInitial
	boff.MaxInterval = cfg.BackoffMax
	boff.MaxElapsedTime = 0

	return &PresenceBroadcaster{
		self: models.Presence{
			UserId:   actor.Id,
			Name:     actor.Name,
			Color:    actor.Color,
			LastSeen: clock.Now().UnixMilli(),
			IsActive: true,
		},
		others:     make(map[string]models.Presence),
		inbound:    make(map[string]*rate.Limiter),
		limiter:    rate.NewLimiter(rate.Limit(cfg.PresenceSendHz), 1),
		minMove:    cfg.PresenceMinMove,
		inboundHz:  cfg.PresenceInboundHz,
		staleAfter: cfg.PresenceStaleAfter,
		beatEvery:  cfg.PresenceHeartbeat,
		threshold:  cfg.BreakerThreshold,
		cooldown:   cfg.BreakerCooldown,
		boff:       boff,
		sendCh:     make(chan models.Presence, 1),
		docId:      docId,
		actor:      actor,
		eph:        eph,
		conn:       conn,
		queue:      queue,
		clock:      clock,
		log:        log,
	}
}

func (p *PresenceBroadcaster) SetListener(fn PresenceListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = fn
}

// UpdateCursor records the local cursor position and, if the gates allow,
// hands it to the sender. Gate order: breaker, rate limit, minimum travel.
// Never blocks the caller.
func (p *PresenceBroadcaster) UpdateCursor(x, y float64) {
	p.mu.Lock()
	p.self.Cursor = models.Cursor{X: x, Y: y}
	p.self.LastSeen = p.clock.Now().UnixMilli()

	if p.breakerOpen {
		// Half-open: a single probe is admitted after the cooldown.
		if p.clock.Now().Before(p.reopenAt) || p.probing {
			p.mu.Unlock()
			return
		}
		p.probing = true
	} else {
		if !p.limiter.Allow() {
			p.mu.Unlock()
			return
		}
		if p.sentAny && math.Hypot(x-p.lastSent.X, y-p.lastSent.Y) < p.minMove {
			p.mu.Unlock()
			return
		}
	}
	p.lastSent = models.Cursor{X: x, Y: y}
	p.sentAny = true
	snapshot := p.self
	p.mu.Unlock()

	// Latest-value buffer: a waiting update is replaced, never queued behind.
	for {
		select {
		case p.sendCh <- snapshot:
			return
		default:
			select {
			case <-p.sendCh:
			default:
			}
		}
	}
}

// Run is the sender loop. Failed sends stretch the spacing via exponential
// backoff until the breaker trips.
func (p *PresenceBroadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot := <-p.sendCh:
			if d := p.sendDelay(); d > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(d):
				}
			}
			p.send(ctx, snapshot)
		}
	}
}

// RunHeartbeat rewrites this session's presence hash entry on an interval so
// late joiners and the janitor see a fresh roster, and prunes peers that
// stopped renewing.
func (p *PresenceBroadcaster) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(p.beatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.beat(ctx)
			p.sweepStale()
		}
	}
}

// Announce writes this session's presence entry and broadcasts the join.
// On failure the write is queued for replay.
func (p *PresenceBroadcaster) Announce(ctx context.Context) {
	p.mu.Lock()
	p.self.LastSeen = p.clock.Now().UnixMilli()
	p.self.IsActive = true
	snapshot := p.self
	p.mu.Unlock()

	if err := p.eph.PutPresence(ctx, p.docId, snapshot); err != nil {
		p.conn.ReportEphemeralFailure()
		p.log.WithError(err).Warn("Presence announce failed, queueing")
		p.enqueueSelf(snapshot)
		return
	}
	p.conn.ReportEphemeralOK()
	p.publish(ctx, EventPresenceJoined, snapshot)
}

// Leave broadcasts the departure and removes the hash entry. Best effort.
func (p *PresenceBroadcaster) Leave(ctx context.Context) {
	p.mu.Lock()
	snapshot := p.self
	snapshot.IsActive = false
	p.mu.Unlock()

	p.publish(ctx, EventPresenceLeft, snapshot)
	if err := p.eph.RemovePresence(ctx, p.docId, p.actor.Id); err != nil {
		p.log.WithError(err).Debug("Presence removal failed")
	}
}

// Others returns the remote actors still considered present, sorted by name
// for a stable roster.
func (p *PresenceBroadcaster) Others() []models.Presence {
	cutoff := p.clock.Now().UnixMilli() - p.staleAfter.Milliseconds()
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.Presence, 0, len(p.others))
	for _, presence := range p.others {
		if presence.LastSeen < cutoff {
			continue
		}
		out = append(out, presence)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].UserId < out[j].UserId
	})
	return out
}

func (p *PresenceBroadcaster) Self() models.Presence {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.self
}

// applyRemote folds a presence event from the pub/sub channel into the
// roster. Cursor callbacks are throttled per remote actor; the roster map
// always keeps the latest position so nothing is lost, only delayed.
func (p *PresenceBroadcaster) applyRemote(eventType string, presence models.Presence) {
	if presence.UserId == p.actor.Id {
		return
	}
	p.mu.Lock()
	listener := p.listener
	switch eventType {
	case EventPresenceLeft:
		delete(p.others, presence.UserId)
		delete(p.inbound, presence.UserId)
		p.mu.Unlock()
	case EventPresenceJoined:
		presence.IsActive = true
		p.others[presence.UserId] = presence
		p.mu.Unlock()
	case EventCursor:
		presence.IsActive = true
		p.others[presence.UserId] = presence
		limiter, ok := p.inbound[presence.UserId]
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(p.inboundHz), 1)
			p.inbound[presence.UserId] = limiter
		}
		allowed := limiter.Allow()
		p.mu.Unlock()
		if !allowed {
			return
		}
	default:
		p.mu.Unlock()
		return
	}
	if listener != nil {
		listener(eventType, presence)
	}
}

func (p *PresenceBroadcaster) seed(entries map[string]models.Presence) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, presence := range entries {
		if id == p.actor.Id {
			continue
		}
		p.others[id] = presence
	}
}

func (p *PresenceBroadcaster) send(ctx context.Context, snapshot models.Presence) {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	event, err := EncodeEvent(EventCursor, PresenceEventData{Presence: snapshot})
	if err != nil {
		p.log.WithError(err).Error("Failed to encode cursor event")
		return
	}
	p.onSendResult(p.eph.Publish(pubCtx, ephemeral.PresenceChannel(p.docId), event))
}

func (p *PresenceBroadcaster) onSendResult(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		if p.breakerOpen {
			p.log.Info("Presence breaker closed")
		}
		p.failures = 0
		p.breakerOpen = false
		p.probing = false
		p.curDelay = 0
		p.boff.Reset()
		p.conn.ReportEphemeralOK()
		return
	}

	p.failures++
	p.curDelay = p.boff.NextBackOff()
	if p.breakerOpen {
		// Failed probe: stay open for another cooldown.
		p.probing = false
		p.reopenAt = p.clock.Now().Add(p.cooldown)
	} else if p.failures >= p.threshold {
		p.breakerOpen = true
		p.reopenAt = p.clock.Now().Add(p.cooldown)
		p.log.WithError(err).WithField("failures", p.failures).Warn("Presence breaker opened")
	} else {
		p.log.WithError(err).WithField("delay", p.curDelay).Debug("Cursor publish failed, backing off")
	}
	p.conn.ReportEphemeralFailure()
}

func (p *PresenceBroadcaster) sendDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.curDelay
}

func (p *PresenceBroadcaster) beat(ctx context.Context) {
	if !p.conn.Online() {
		return
	}
	p.mu.Lock()
	p.self.LastSeen = p.clock.Now().UnixMilli()
	snapshot := p.self
	p.mu.Unlock()

	if err := p.eph.PutPresence(ctx, p.docId, snapshot); err != nil {
		p.conn.ReportEphemeralFailure()
		p.log.WithError(err).Debug("Presence heartbeat failed")
		return
	}
	p.conn.ReportEphemeralOK()
}

func (p *PresenceBroadcaster) sweepStale() {
	cutoff := p.clock.Now().UnixMilli() - p.staleAfter.Milliseconds()
	p.mu.Lock()
	var gone []models.Presence
	for id, presence := range p.others {
		if presence.LastSeen < cutoff {
			gone = append(gone, presence)
			delete(p.others, id)
			delete(p.inbound, id)
		}
	}
	listener := p.listener
	p.mu.Unlock()

	if listener == nil {
		return
	}
	for _, presence := range gone {
		presence.IsActive = false
		listener(EventPresenceLeft, presence)
	}
}

func (p *PresenceBroadcaster) publish(ctx context.Context, eventType string, snapshot models.Presence) {
	go func() {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()

		event, err := EncodeEvent(eventType, PresenceEventData{Presence: snapshot})
		if err != nil {
			p.log.WithError(err).Error("Failed to encode presence event")
			return
		}
		if err := p.eph.Publish(pubCtx, ephemeral.PresenceChannel(p.docId), event); err != nil {
			p.log.WithError(err).WithField("type", eventType).Warn("Failed to publish presence event")
		}
	}()
}

func (p *PresenceBroadcaster) enqueueSelf(snapshot models.Presence) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		p.log.WithError(err).Error("Failed to encode presence op")
		return
	}
	err = p.queue.Enqueue(QueuedOp{
		Kind:     opPresencePut,
		TargetId: p.actor.Id,
		At:       p.clock.Now().UnixMilli(),
		Payload:  payload,
	})
	if err != nil {
		p.log.WithError(err).Error("Failed to queue presence op")
	}
}
