package ws

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// maxConnectionsPerActor caps the tabs one actor can hold open at once.
const maxConnectionsPerActor = 5

// Hub maintains the set of active clients. Each client carries its own
// engine session with its own pub/sub subscriptions, so the hub only
// tracks registration, enforces the per-actor connection cap, and tears
// sessions down when connections go away.
//
// All registry mutation happens on the Run goroutine; pumps communicate
// through the open/close channels.
type Hub struct {
	OpenCh  chan *Client
	CloseCh chan *Client

	actorToClients map[string]map[*Client]struct{}
	connections    atomic.Int64
}

func NewHub() *Hub {
	return &Hub{
		OpenCh:         make(chan *Client, 256),
		CloseCh:        make(chan *Client, 256),
		actorToClients: make(map[string]map[*Client]struct{}),
	}
}

// Count reports the number of registered clients.
func (h *Hub) Count() int64 { return h.connections.Load() }

func (h *Hub) Run(shutdownCtx context.Context) {
	for {
		select {
		case client := <-h.OpenCh:
			if _, ok := h.actorToClients[client.Actor.Id]; !ok {
				h.actorToClients[client.Actor.Id] = make(map[*Client]struct{})
			}

			if len(h.actorToClients[client.Actor.Id]) >= maxConnectionsPerActor {
				logrus.WithFields(logrus.Fields{
					"userId": client.Actor.Id,
					"max":    maxConnectionsPerActor,
				}).Warn("Actor reached max connections, refusing client")
				client.shutdown()
				continue
			}

			h.actorToClients[client.Actor.Id][client] = struct{}{}
			h.connections.Add(1)

		case client := <-h.CloseCh:
			if _, registered := h.actorToClients[client.Actor.Id][client]; registered {
				delete(h.actorToClients[client.Actor.Id], client)
				h.connections.Add(-1)
				if len(h.actorToClients[client.Actor.Id]) == 0 {
					delete(h.actorToClients, client.Actor.Id)
				}
			}

			// The session close flushes queues and announces departure;
			// run it off the hub loop so it never stalls other clients.
			client.shutdown()
			go client.teardown()

		case <-shutdownCtx.Done():
			return
		}
	}
}
