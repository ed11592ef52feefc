package main

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/xvanov/collabcanvas-sub002/api"
	"github.com/xvanov/collabcanvas-sub002/engine"
	"github.com/xvanov/collabcanvas-sub002/ephemeral/redis"
	"github.com/xvanov/collabcanvas-sub002/mq/sqsmq"
	"github.com/xvanov/collabcanvas-sub002/store"
	"github.com/xvanov/collabcanvas-sub002/store/dynamo"
	"github.com/xvanov/collabcanvas-sub002/store/memory"
)

const (
	DynamoDBTable   = "CollabCanvas"
	SQSCleanupQueue = "SessionCleanupQueue"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found")
	}

	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logrus.SetLevel(level)
	}

	ctx := context.Background()
	devMode := os.Getenv("DEV_MODE") == "true"

	engineCfg := engine.DefaultConfig()
	if dir := os.Getenv("QUEUE_DIR"); dir != "" {
		engineCfg.QueueDir = dir
	}

	var sceneStore store.SceneStore
	switch os.Getenv("STORAGE_TYPE") {
	case "memory":
		logrus.Info("Using in-memory scene store")
		sceneStore = memory.NewMemorySceneStore()

	case "", "dynamodb":
		dynamoStore, err := dynamo.NewDynamoSceneStore(ctx, devMode, os.Getenv("DYNAMODB_ENDPOINT"), DynamoDBTable)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to create dynamodb store")
		}
		sceneStore = dynamoStore

	default:
		logrus.WithField("storageType", os.Getenv("STORAGE_TYPE")).Fatal("Unknown STORAGE_TYPE")
	}

	cleanupQueue, err := sqsmq.NewSQSMessageQueue(ctx, devMode, os.Getenv("SQS_ENDPOINT"), SQSCleanupQueue)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create SQS message queue")
	}

	eph, err := redis.NewRedisEphemeralStore(ctx, devMode, os.Getenv("REDIS_ENDPOINT"), engineCfg.LockTTL)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create redis ephemeral store")
	}

	redirectURL := os.Getenv("OAUTH_REDIRECT_URL")
	oauthConfigs := map[string]*oauth2.Config{
		"github": {
			ClientID:     os.Getenv("GITHUB_CLIENT_ID"),
			ClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
			RedirectURL:  redirectURL,
		},
		"google": {
			ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
			ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
			RedirectURL:  redirectURL,
		},
	}

	jwtSecret, err := base64.StdEncoding.DecodeString(os.Getenv("JWT_SECRET"))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to decode base64 jwtSecret")
	}

	shutdownCtx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	canvasAPI, err := api.NewCanvasAPI(sceneStore, cleanupQueue, eph, oauthConfigs, jwtSecret, engineCfg, shutdownCtx)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create canvas api")
	}

	mux := http.NewServeMux()
	canvasAPI.RegisterRoutes(mux, os.Getenv("ALLOWED_ORIGIN"))

	hostPort := "8080"
	if p := os.Getenv("HOST_PORT"); p != "" {
		hostPort = p
	}

	server := &http.Server{Addr: ":" + hostPort, Handler: mux}

	go func() {
		logrus.WithField("port", hostPort).Info("Starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Server failed")
		}
	}()

	<-shutdownCtx.Done()
	logrus.Info("Server shutting down")

	graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(graceCtx); err != nil {
		logrus.WithError(err).Warn("Forced server shutdown")
	}
}
