package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/xvanov/collabcanvas-sub002/api/rest"
	"github.com/xvanov/collabcanvas-sub002/api/ws"
	"github.com/xvanov/collabcanvas-sub002/engine"
	"github.com/xvanov/collabcanvas-sub002/ephemeral"
	"github.com/xvanov/collabcanvas-sub002/identity"
	"github.com/xvanov/collabcanvas-sub002/models"
	"github.com/xvanov/collabcanvas-sub002/mq"
	"github.com/xvanov/collabcanvas-sub002/store"
	"github.com/xvanov/collabcanvas-sub002/worker"
)

// auditFlushMilliseconds is the audit batcher ticker; batches also
// flush early on size.
const auditFlushMilliseconds = 10000

const healthTimeout = 2 * time.Second

type CanvasAPI struct {
	restHandler *rest.Handler
	wsHandler   *ws.Handler
	hub         *ws.Hub
	sceneStore  store.SceneStore
	eph         ephemeral.Store
	shutdownCtx context.Context
}

func NewCanvasAPI(
	sceneStore store.SceneStore,
	cleanupQueue mq.MessageQueue,
	eph ephemeral.Store,
	oauthConfigs map[string]*oauth2.Config,
	jwtSecret []byte,
	engineCfg engine.Config,
	shutdownCtx context.Context,
) (*CanvasAPI, error) {
	auth, err := identity.NewService(sceneStore, oauthConfigs, jwtSecret)
	if err != nil {
		logrus.WithError(err).Error("Failed to create identity service")
		return &CanvasAPI{}, err
	}

	hub := ws.NewHub()
	go hub.Run(shutdownCtx)

	auditBatcher := worker.NewAuditBatcher(sceneStore, auditFlushMilliseconds)
	go auditBatcher.Run(shutdownCtx)

	cleanupConsumer := worker.NewCleanupConsumer(cleanupQueue, eph)
	go cleanupConsumer.Run(shutdownCtx)

	// Every websocket connection gets its own engine session; the shared
	// audit batcher collects records across all of them.
	newSession := func(docId string, actor models.Actor) (*engine.Session, error) {
		session, err := engine.NewSession(docId, actor, engineCfg, sceneStore, eph, cleanupQueue, identity.SystemClock{})
		if err != nil {
			return nil, err
		}
		session.SetAuditSink(auditBatcher.Offer)
		return session, nil
	}

	restHandler := rest.NewHandler(auth, sceneStore)
	wsHandler := ws.NewHandler(auth, hub, newSession)

	return &CanvasAPI{
		restHandler: restHandler,
		wsHandler:   wsHandler,
		hub:         hub,
		sceneStore:  sceneStore,
		eph:         eph,
		shutdownCtx: shutdownCtx,
	}, nil
}

func (canvasAPI *CanvasAPI) RegisterRoutes(mux *http.ServeMux, requiredOrigin string) {
	// Health check endpoint (no auth required)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		storeOk := canvasAPI.sceneStore.Ping(ctx) == nil
		ephOk := canvasAPI.eph.Ping(ctx) == nil

		w.Header().Set("Content-Type", "application/json")

		status := "ok"
		if !storeOk || !ephOk {
			status = "degraded"
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"store":     storeOk,
			"ephemeral": ephOk,
			"clients":   canvasAPI.hub.Count(),
		})
	})

	mux.HandleFunc("/login/{provider}", canvasAPI.restHandler.HandleLogin)
	mux.HandleFunc("/me", canvasAPI.restHandler.HandleMe)
	mux.HandleFunc("/scenes/{docId}/audit", canvasAPI.restHandler.HandleAudit)

	wsUpgrader := canvasAPI.wsHandler.NewWsUpgrader(requiredOrigin)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		canvasAPI.wsHandler.ServeWS(wsUpgrader, w, r, canvasAPI.shutdownCtx)
	})
}
